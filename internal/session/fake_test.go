package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ricochet1k/concordia/internal/domain"
)

// fakeHandle is an in-memory session process built on io.Pipe.
type fakeHandle struct {
	token string
	pid   int

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	// writeFn replaces the default write behaviour when set.
	writeFn func(ctx context.Context, p []byte) error

	mu       sync.Mutex
	writes   []string
	inFlight atomic.Int32
	maxIn    atomic.Int32
	stopped  atomic.Bool

	exited   chan struct{}
	exitOnce sync.Once
}

var nextPid atomic.Int32

func newFakeHandle(token string) *fakeHandle {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeHandle{
		token:   token,
		pid:     int(nextPid.Add(1)) + 1000,
		stdoutR: outR,
		stdoutW: outW,
		stderrR: errR,
		stderrW: errW,
		exited:  make(chan struct{}),
	}
}

func (h *fakeHandle) Write(ctx context.Context, p []byte) error {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		cur := h.maxIn.Load()
		if n <= cur || h.maxIn.CompareAndSwap(cur, n) {
			break
		}
	}
	if h.stopped.Load() {
		return errors.New("write to stopped process")
	}
	if h.writeFn != nil {
		return h.writeFn(ctx, p)
	}
	h.mu.Lock()
	h.writes = append(h.writes, string(p))
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Stdout() io.Reader   { return h.stdoutR }
func (h *fakeHandle) Stderr() io.Reader   { return h.stderrR }
func (h *fakeHandle) Pid() int            { return h.pid }
func (h *fakeHandle) ResumeToken() string { return h.token }

func (h *fakeHandle) Wait() error {
	<-h.exited
	return nil
}

func (h *fakeHandle) Stop(time.Duration) error {
	h.stopped.Store(true)
	h.exit()
	return nil
}

// exit simulates the process dying: both output streams reach EOF.
func (h *fakeHandle) exit() {
	h.exitOnce.Do(func() {
		_ = h.stdoutW.Close()
		_ = h.stderrW.Close()
		close(h.exited)
	})
}

// closeStdout closes stdout while the process stays alive.
func (h *fakeHandle) closeStdout() {
	_ = h.stdoutW.Close()
}

func (h *fakeHandle) emit(lines ...string) error {
	for _, l := range lines {
		if _, err := io.WriteString(h.stdoutW, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func (h *fakeHandle) emitErr(line string) error {
	_, err := io.WriteString(h.stderrW, line+"\n")
	return err
}

func (h *fakeHandle) writeLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.writes...)
}

// fakeLauncher hands out fakeHandles and records the tokens it was given.
type fakeLauncher struct {
	mu      sync.Mutex
	tokens  []string
	handles []*fakeHandle
	// failures makes the next n launches fail.
	failures int
	// assign is the token a fresh launch reports; empty means none.
	assign string
	setup  func(h *fakeHandle)
}

func (l *fakeLauncher) Launch(_ context.Context, resumeToken string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = append(l.tokens, resumeToken)
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("executable not found")
	}
	token := resumeToken
	if token == "" {
		token = l.assign
	}
	h := newFakeHandle(token)
	if l.setup != nil {
		l.setup(h)
	}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tokens)
}

func (l *fakeLauncher) lastToken() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tokens) == 0 {
		return ""
	}
	return l.tokens[len(l.tokens)-1]
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.handles) {
		return nil
	}
	return l.handles[i]
}

func (l *fakeLauncher) setFailures(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

// recorder is a Broadcaster that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Broadcast(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) hasSystem(substr string) bool {
	for _, ev := range r.snapshot() {
		if d, ok := ev.System(); ok && strings.Contains(d.Message, substr) {
			return true
		}
	}
	return false
}

func (r *recorder) hasError(code string) bool {
	for _, ev := range r.snapshot() {
		if d, ok := ev.Error(); ok && d.Code == code {
			return true
		}
	}
	return false
}

func (r *recorder) outputs(stream domain.Stream) []string {
	var out []string
	for _, ev := range r.snapshot() {
		if d, ok := ev.Output(); ok && d.Stream == stream {
			out = append(out, d.Text)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		PartyID:               "party-test",
		StartupGrace:          10 * time.Millisecond,
		StopTimeout:           50 * time.Millisecond,
		InitialBackoff:        5 * time.Millisecond,
		MaxBackoff:            20 * time.Millisecond,
		MaxRestarts:           5,
		WriteFailureThreshold: 3,
	}
}

func markerProto(t *testing.T) Protocol {
	t.Helper()
	p, err := NewProtocol(ProtocolConfig{Name: ProtocolMarker, EndMarker: "<<END>>"})
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	return p
}

// startSupervisor starts a supervisor and waits until it is Ready.
func startSupervisor(t *testing.T, cfg Config, l *fakeLauncher) (*Supervisor, *recorder) {
	t.Helper()
	rec := &recorder{}
	sup := NewSupervisor(cfg, l, rec, nil)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	waitState(t, sup, domain.SessionStateReady)
	return sup, rec
}

func waitState(t *testing.T, sup *Supervisor, want domain.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", sup.State(), want)
}

// sawTransition reports whether the session ever moved from -> to.
func sawTransition(sup *Supervisor, from, to domain.SessionState) bool {
	for _, tr := range sup.Status().Transitions {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}
