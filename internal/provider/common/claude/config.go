package claude

import (
	"encoding/json"
	"fmt"
)

// Options selects claude CLI flags for a stream-json session.
type Options struct {
	Model              string   `mapstructure:"model"`
	SystemPrompt       string   `mapstructure:"system_prompt"`
	AppendSystemPrompt string   `mapstructure:"append_system_prompt"`
	PermissionMode     string   `mapstructure:"permission_mode"`
	AllowedTools       []string `mapstructure:"allowed_tools"`
	DisallowedTools    []string `mapstructure:"disallowed_tools"`
	SkipPermissions    bool     `mapstructure:"skip_permissions"`
}

// BuildArgs constructs command-line arguments for driving the claude CLI
// over stdin/stdout with stream-json framing.
func BuildArgs(opts Options) []string {
	args := []string{
		"-p", // Programmatic mode
		"--input-format=stream-json",
		"--output-format=stream-json",
		"--verbose",
	}

	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowed-tools", tool)
	}
	for _, tool := range opts.DisallowedTools {
		args = append(args, "--disallowed-tools", tool)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	} else if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	return args
}

// ResumeArgs are the flags that continue a previous CLI session.
func ResumeArgs(placeholder string) []string {
	return []string{"--resume", placeholder}
}

// FormatUserMessage encodes text as one stream-json user message line,
// without the trailing newline.
func FormatUserMessage(text string) ([]byte, error) {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode user message: %w", err)
	}
	return b, nil
}
