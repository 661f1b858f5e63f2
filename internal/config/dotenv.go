package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/ricochet1k/concordia/internal/merge"
)

const (
	GeminiKeyEnv = "GEMINI_API_KEY"
	OpenAIKeyEnv = "OPENAI_API_KEY"
)

// APIKeyEnvs are the variables read from the .env file.
var APIKeyEnvs = []string{GeminiKeyEnv, OpenAIKeyEnv}

// LoadDotEnv exports the API keys found in path unless the environment
// already sets them. A missing file is not an error.
func LoadDotEnv(path string) error {
	vals, err := readDotEnv(path)
	if err != nil {
		return err
	}
	for _, key := range APIKeyEnvs {
		if os.Getenv(key) != "" {
			continue
		}
		if val := vals[key]; val != "" {
			if err := os.Setenv(key, val); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveDotEnv sets key=value in the .env file at path, keeping the other
// variables. The file is readable only by its owner.
func SaveDotEnv(path, key, value string) error {
	vals, err := readDotEnv(path)
	if err != nil {
		return err
	}
	vals[key] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := godotenv.Write(vals, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

func readDotEnv(path string) (map[string]string, error) {
	vals, err := godotenv.Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return map[string]string{}, nil
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return vals, nil
}

// KeyEnvFor names the variable the provider's key comes from, or "" when
// the provider needs none.
func KeyEnvFor(provider string) string {
	switch strings.ToLower(provider) {
	case merge.ProviderGemini, merge.ProviderAuto, "":
		return GeminiKeyEnv
	case merge.ProviderOpenAI:
		return OpenAIKeyEnv
	default:
		return ""
	}
}

// MergeSettings returns the merge settings with keys from the environment.
func (c *Config) MergeSettings() merge.Config {
	return merge.Config{
		Provider:     c.Merge.Provider,
		Model:        c.Merge.Model,
		APIKey:       c.Merge.APIKey,
		GeminiAPIKey: os.Getenv(GeminiKeyEnv),
		OpenAIAPIKey: os.Getenv(OpenAIKeyEnv),
		BaseURL:      c.Merge.BaseURL,
	}
}

// HasMergeKey reports whether a key is available for the configured
// provider. The fallback provider needs none.
func (c *Config) HasMergeKey() bool {
	if c.Merge.APIKey != "" {
		return true
	}
	switch strings.ToLower(c.Merge.Provider) {
	case merge.ProviderGemini:
		return os.Getenv(GeminiKeyEnv) != ""
	case merge.ProviderOpenAI:
		return os.Getenv(OpenAIKeyEnv) != ""
	case merge.ProviderFallback:
		return true
	default:
		return os.Getenv(GeminiKeyEnv) != "" || os.Getenv(OpenAIKeyEnv) != ""
	}
}

// EnsureAPIKey asks for the provider's key on the terminal when none is
// configured, exports it, and saves it to the .env file. It does nothing
// when a key exists or in is not a terminal; the caller then falls back to
// the template merger.
func (c *Config) EnsureAPIKey(in *os.File, out io.Writer) (bool, error) {
	if c.HasMergeKey() {
		return false, nil
	}
	env := KeyEnvFor(c.Merge.Provider)
	if env == "" || !term.IsTerminal(int(in.Fd())) {
		return false, nil
	}
	value, err := PromptSecret(in, out, "Enter "+env+": ")
	if err != nil || value == "" {
		return false, err
	}
	if err := os.Setenv(env, value); err != nil {
		return false, err
	}
	if err := SaveDotEnv(EnvPath(), env, value); err != nil {
		return true, fmt.Errorf("saving %s: %w", env, err)
	}
	return true, nil
}

// PromptSecret reads one line from the terminal without echo.
func PromptSecret(in *os.File, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	b, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
