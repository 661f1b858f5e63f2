package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateStartsClosed(t *testing.T) {
	g := NewGate()
	assert.False(t, g.IsReady())

	select {
	case <-g.Ready():
		t.Fatal("new gate should not be ready")
	default:
	}
}

func TestGateWaitWakesOnReady(t *testing.T) {
	g := NewGate()
	woke := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { woke <- g.Wait(context.Background()) }()
	}

	time.Sleep(10 * time.Millisecond)
	g.markReady()

	for i := 0; i < 3; i++ {
		select {
		case err := <-woke:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken")
		}
	}
	assert.True(t, g.IsReady())
}

func TestGateWaitHonoursContext(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
}

func TestGateBusyAfterReady(t *testing.T) {
	g := NewGate()
	g.markReady()
	open := g.Ready()
	g.markBusy()

	assert.False(t, g.IsReady())
	select {
	case <-open:
	default:
		t.Fatal("channel from the previous ready period stays closed")
	}
	select {
	case <-g.Ready():
		t.Fatal("gate should be closed again")
	default:
	}

	// Repeated marks are idempotent.
	g.markBusy()
	g.markReady()
	g.markReady()
	assert.True(t, g.IsReady())
}
