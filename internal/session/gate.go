package session

import (
	"context"
	"sync"
)

// Readiness is the read side of a Gate.
type Readiness interface {
	IsReady() bool
	Ready() <-chan struct{}
	Wait(ctx context.Context) error
}

// Gate reports whether the session accepts a new request. Only the
// Supervisor flips it; everyone else probes or waits.
type Gate struct {
	mu    sync.Mutex
	ready bool
	// readyC is closed while the gate is ready and replaced when it closes.
	readyC chan struct{}
}

// NewGate returns a gate in the not-ready state.
func NewGate() *Gate {
	return &Gate{readyC: make(chan struct{})}
}

// markReady opens the gate and wakes every waiter.
func (g *Gate) markReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return
	}
	g.ready = true
	close(g.readyC)
}

// markBusy closes the gate.
func (g *Gate) markBusy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		return
	}
	g.ready = false
	g.readyC = make(chan struct{})
}

// IsReady is a non-blocking probe.
func (g *Gate) IsReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Ready returns a channel that is closed once the gate is open. The channel
// belongs to the current closed period; fetch a new one after each wake-up.
func (g *Gate) Ready() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readyC
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
