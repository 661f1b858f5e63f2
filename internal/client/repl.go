package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Sender is the part of a connection the prompt loop writes to.
type Sender interface {
	SendPrompt(text string) error
}

// REPL reads lines from the user and sends them to the party. /quit, /exit,
// /help, /shell and /restart are handled locally and never reach the party.
type REPL struct {
	Sender   Sender
	Renderer *Renderer
	In       io.Reader

	// Shell runs /shell commands. Defaults to sh -c.
	Shell func(ctx context.Context, command string) string
	// Restart handles /restart. Nil means the command is unavailable.
	Restart func(ctx context.Context) (string, error)
}

var errQuit = errors.New("quit")

const helpText = "type a prompt and press enter.\n" +
	"special commands: /quit (exit) | /shell <cmd> (run shell command)"

// Run processes input until the user quits, input ends, or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	cmds := r.commands()
	r.Renderer.Raw(cmds.help())

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			fb, err := cmds.exec(ctx, line)
			r.show(fb)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func (r *REPL) commands() commands {
	return commands{sender: r.Sender, shell: r.Shell, restart: r.Restart}
}

func (r *REPL) show(fb feedback) {
	switch {
	case fb.text == "":
	case fb.notice:
		r.Renderer.Notice("%s", fb.text)
	default:
		r.Renderer.Raw(fb.text)
	}
}

// feedback is what a line of input shows locally. A notice is a status
// line rather than command output.
type feedback struct {
	text   string
	notice bool
}

// commands runs one line of input, either a local slash command or a
// prompt for the party.
type commands struct {
	sender  Sender
	shell   func(ctx context.Context, command string) string
	restart func(ctx context.Context) (string, error)
}

func (c commands) help() string {
	if c.restart != nil {
		return helpText + " | /restart (restart the session)"
	}
	return helpText
}

// exec returns errQuit when the user asked to leave.
func (c commands) exec(ctx context.Context, line string) (feedback, error) {
	text := strings.TrimSpace(line)
	switch {
	case text == "":
		return feedback{}, nil
	case text == "/quit" || text == "/exit":
		return feedback{}, errQuit
	case text == "/help":
		return feedback{text: c.help()}, nil
	case strings.HasPrefix(text, "/shell "):
		shell := c.shell
		if shell == nil {
			shell = RunShell
		}
		return feedback{text: shell(ctx, strings.TrimSpace(text[len("/shell "):]))}, nil
	case text == "/restart":
		if c.restart == nil {
			return feedback{text: "only the host can restart the session", notice: true}, nil
		}
		state, err := c.restart(ctx)
		if err != nil {
			return feedback{text: fmt.Sprintf("restart failed: %v", err), notice: true}, nil
		}
		return feedback{text: fmt.Sprintf("restart requested (state: %s)", state), notice: true}, nil
	}
	if err := c.sender.SendPrompt(text); err != nil {
		return feedback{}, fmt.Errorf("send prompt: %w", err)
	}
	return feedback{}, nil
}

const shellTimeout = 2 * time.Minute

// RunShell runs command locally and returns its trimmed stdout followed by
// its trimmed stderr.
func RunShell(ctx context.Context, command string) string {
	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	var parts []string
	for _, b := range []*bytes.Buffer{&stdout, &stderr} {
		if s := strings.TrimRight(b.String(), "\n\r\t "); s != "" {
			parts = append(parts, s)
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		parts = append(parts, "shell error: "+err.Error())
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
