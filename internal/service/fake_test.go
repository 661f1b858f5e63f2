package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/session"
	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(d time.Duration, base time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = base.Add(d)
}

// gateStub is a ReadinessGate whose state the test sets.
type gateStub struct {
	mu     sync.Mutex
	ready  bool
	readyC chan struct{}
}

func newGateStub(ready bool) *gateStub {
	g := &gateStub{readyC: make(chan struct{})}
	g.set(ready)
	return g
}

func (g *gateStub) set(ready bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ready == g.ready {
		return
	}
	g.ready = ready
	if ready {
		close(g.readyC)
	} else {
		g.readyC = make(chan struct{})
	}
}

func (g *gateStub) IsReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *gateStub) Ready() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readyC
}

// submitStub records merged requests.
type submitStub struct {
	mu     sync.Mutex
	texts  []string
	err    error
	ctxErr error
	before func()
}

func (s *submitStub) Submit(ctx context.Context, text string) error {
	if s.before != nil {
		s.before()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return s.err
	}
	s.texts = append(s.texts, text)
	return nil
}

// lastCtxErr is the state of the context the last Submit was given.
func (s *submitStub) lastCtxErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctxErr
}

func (s *submitStub) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// eventLog is a Broadcaster that keeps every event.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Broadcast(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) has(t domain.EventType, match func(domain.Event) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == t && (match == nil || match(ev)) {
			return true
		}
	}
	return false
}

func (l *eventLog) count(t domain.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) hasError(code string) bool {
	return l.has(domain.EventTypeError, func(ev domain.Event) bool {
		d, _ := ev.Error()
		return d.Code == code
	})
}

var _ session.Broadcaster = (*eventLog)(nil)

// joinTexts merges by listing prompt texts.
func joinTexts(prefix string) MergeFunc {
	return func(_ context.Context, batch []domain.PromptItem) (string, error) {
		texts := make([]string, len(batch))
		for i, item := range batch {
			texts[i] = item.Text
		}
		return prefix + strings.Join(texts, ", "), nil
	}
}

// participantStub is a realtime.Participant that keeps what it is sent.
type participantStub struct {
	mu   sync.Mutex
	msgs []realtimeTypes.ServerEnvelope
}

func (p *participantStub) Queue(msg realtimeTypes.ServerEnvelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *participantStub) Close() {}

func (p *participantStub) outputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, msg := range p.msgs {
		if msg.Type == realtimeTypes.ServerMessageTypeOutput {
			out = append(out, msg.Text)
		}
	}
	return out
}

func (p *participantStub) batches() []realtimeTypes.ServerEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtimeTypes.ServerEnvelope
	for _, msg := range p.msgs {
		if msg.Type == realtimeTypes.ServerMessageTypeBatch {
			out = append(out, msg)
		}
	}
	return out
}

// echoHandle is a session process that answers every write with a fixed
// reply followed by the end marker.
type echoHandle struct {
	reply  []string
	marker string
	pid    int

	outR *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	writes []string

	exited   chan struct{}
	exitOnce sync.Once
}

var echoPid atomic.Int32

func newEchoHandle(marker string, reply ...string) *echoHandle {
	r, w := io.Pipe()
	return &echoHandle{
		reply:  reply,
		marker: marker,
		pid:    int(echoPid.Add(1)) + 2000,
		outR:   r,
		outW:   w,
		exited: make(chan struct{}),
	}
}

func (h *echoHandle) Write(_ context.Context, p []byte) error {
	h.mu.Lock()
	h.writes = append(h.writes, string(p))
	h.mu.Unlock()
	go func() {
		for _, line := range h.reply {
			if _, err := io.WriteString(h.outW, line+"\n"); err != nil {
				return
			}
		}
		_, _ = io.WriteString(h.outW, h.marker+"\n")
	}()
	return nil
}

func (h *echoHandle) Stdout() io.Reader   { return h.outR }
func (h *echoHandle) Stderr() io.Reader   { return nil }
func (h *echoHandle) Pid() int            { return h.pid }
func (h *echoHandle) ResumeToken() string { return "" }

func (h *echoHandle) Wait() error {
	<-h.exited
	return nil
}

func (h *echoHandle) Stop(time.Duration) error {
	h.exitOnce.Do(func() {
		_ = h.outW.Close()
		close(h.exited)
	})
	return nil
}

func (h *echoHandle) writeLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.writes...)
}
