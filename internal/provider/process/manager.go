package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var (
	ErrEmptyCommand  = errors.New("command cannot be empty")
	ErrWriteTimeout  = errors.New("write to process timed out")
	ErrWriteInFlight = errors.New("previous write to process still in flight")
	ErrStdinClosed   = errors.New("process stdin is closed")
)

// Mode selects how the child's standard streams are wired.
type Mode string

const (
	// ModePipe gives the child separate stdin, stdout and stderr pipes.
	ModePipe Mode = "pipe"
	// ModePTY runs the child on a pseudo-terminal; stdout and stderr are merged.
	ModePTY Mode = "pty"
)

// Config holds configuration for starting a process.
type Config struct {
	Command     string
	Args        []string
	WorkingDir  string
	Environment map[string]string
	// StripEnv lists inherited variables removed before the child starts.
	StripEnv []string
	Mode     Mode
	// StopTimeout bounds the SIGTERM grace period used when the start
	// context is cancelled.
	StopTimeout time.Duration
}

// Manager handles process lifecycle management with graceful shutdown.
type Manager struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writing     atomic.Bool
	done        chan struct{}
	waitErr     error
	resumeToken string
}

// Start creates and starts a process. In pipe mode stdout and stderr are
// backed by os.Pipe so that reaping the child never closes the read ends
// underneath a reader.
func Start(ctx context.Context, config Config) (*Manager, error) {
	if config.Command == "" {
		return nil, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	if config.WorkingDir != "" {
		cmd.Dir = config.WorkingDir
	}
	cmd.Env = buildEnv(os.Environ(), config.StripEnv, config.Environment)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = config.StopTimeout
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	var m *Manager
	var err error
	switch config.Mode {
	case ModePTY:
		m, err = startPTY(cmd)
	case ModePipe, "":
		m, err = startPipes(cmd)
	default:
		return nil, fmt.Errorf("unknown process mode %q", config.Mode)
	}
	if err != nil {
		return nil, err
	}

	go func() {
		m.waitErr = cmd.Wait()
		close(m.done)
	}()
	return m, nil
}

func startPipes(cmd *exec.Cmd) (*Manager, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = outR.Close()
		_ = outW.Close()
		_ = errR.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	// The child owns the write ends now; EOF arrives once it exits.
	_ = outW.Close()
	_ = errW.Close()

	return &Manager{
		cmd:    cmd,
		stdin:  stdin,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}, nil
}

func startPTY(cmd *exec.Cmd) (*Manager, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 200})
	if err != nil {
		return nil, fmt.Errorf("failed to start process on pty: %w", err)
	}
	shared := &onceCloser{f: ptmx}
	return &Manager{
		cmd:    cmd,
		stdin:  shared,
		stdout: shared,
		done:   make(chan struct{}),
	}, nil
}

// onceCloser lets the pty master serve as both stdin and stdout while being
// closed exactly once.
type onceCloser struct {
	f    *os.File
	once sync.Once
	err  error
}

func (c *onceCloser) Read(p []byte) (int, error)  { return c.f.Read(p) }
func (c *onceCloser) Write(p []byte) (int, error) { return c.f.Write(p) }
func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.f.Close() })
	return c.err
}

func buildEnv(base []string, strip []string, extra map[string]string) []string {
	drop := make(map[string]struct{}, len(strip)+len(extra))
	for _, k := range strip {
		drop[k] = struct{}{}
	}
	for k := range extra {
		drop[k] = struct{}{}
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := drop[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// Write sends p to the process's stdin. It returns ErrWriteTimeout when ctx
// expires first. A write that timed out keeps the handle marked busy until
// the OS call actually returns, and every Write in the meantime fails with
// ErrWriteInFlight so bytes from two batches never interleave.
func (m *Manager) Write(ctx context.Context, p []byte) error {
	m.mu.Lock()
	stdin := m.stdin
	m.mu.Unlock()
	if stdin == nil {
		return ErrStdinClosed
	}

	if !m.writing.CompareAndSwap(false, true) {
		return ErrWriteInFlight
	}

	result := make(chan error, 1)
	go func() {
		_, err := stdin.Write(p)
		m.writing.Store(false)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("write to process stdin: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWriteTimeout, ctx.Err())
	}
}

// Stdout returns the process's stdout stream.
func (m *Manager) Stdout() io.Reader {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stdout == nil {
		return nil
	}
	return m.stdout
}

// Stderr returns the process's stderr stream, or nil in pty mode.
func (m *Manager) Stderr() io.Reader {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stderr == nil {
		return nil
	}
	return m.stderr
}

// Process returns the underlying os.Process.
func (m *Manager) Process() *os.Process {
	if m.cmd == nil {
		return nil
	}
	return m.cmd.Process
}

// Pid returns the child's process id, or 0 if it never started.
func (m *Manager) Pid() int {
	if p := m.Process(); p != nil {
		return p.Pid
	}
	return 0
}

// ResumeToken is the continuity token the process was started with, if any.
func (m *Manager) ResumeToken() string {
	return m.resumeToken
}

// Wait waits for the process to exit and returns the error if any.
func (m *Manager) Wait() error {
	<-m.done
	return m.waitErr
}

// Stop gracefully terminates the process with SIGTERM, then SIGKILL after timeout.
func (m *Manager) Stop(timeout time.Duration) error {
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}

	m.mu.Lock()
	if m.stdin != nil {
		_ = m.stdin.Close()
		m.stdin = nil
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		m.cleanup()
		return nil
	default:
	}

	if err := m.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process might already be dead
		<-m.done
		m.cleanup()
		return nil
	}

	select {
	case <-time.After(timeout):
		_ = m.cmd.Process.Kill()
		<-m.done
	case <-m.done:
	}

	m.cleanup()
	return nil
}

// cleanup closes all pipes.
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stdin != nil {
		_ = m.stdin.Close()
		m.stdin = nil
	}
	if m.stdout != nil {
		_ = m.stdout.Close()
		m.stdout = nil
	}
	if m.stderr != nil {
		_ = m.stderr.Close()
		m.stderr = nil
	}
}
