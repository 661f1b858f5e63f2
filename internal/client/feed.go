package client

import (
	"context"

	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

// Feed reads a connection on a single goroutine so that the consumer can
// change, for example from the TUI to the plain prompt, without two readers
// racing on the socket.
type Feed struct {
	src  Receiver
	msgs chan realtimeTypes.ServerEnvelope
	done chan struct{}
	err  error
}

func NewFeed(src Receiver) *Feed {
	f := &Feed{
		src:  src,
		msgs: make(chan realtimeTypes.ServerEnvelope, 64),
		done: make(chan struct{}),
	}
	go f.read()
	return f
}

func (f *Feed) read() {
	for {
		msg, err := f.src.Receive()
		if err != nil {
			f.err = err
			close(f.done)
			return
		}
		f.msgs <- msg
	}
}

// Next returns the next message, the error that ended the connection, or
// ctx's error. Messages read before the connection ended are delivered first.
func (f *Feed) Next(ctx context.Context) (realtimeTypes.ServerEnvelope, error) {
	select {
	case msg := <-f.msgs:
		return msg, nil
	default:
	}
	select {
	case msg := <-f.msgs:
		return msg, nil
	case <-f.done:
		select {
		case msg := <-f.msgs:
			return msg, nil
		default:
		}
		return realtimeTypes.ServerEnvelope{}, f.err
	case <-ctx.Done():
		return realtimeTypes.ServerEnvelope{}, ctx.Err()
	}
}

// Receive is Next without cancellation.
func (f *Feed) Receive() (realtimeTypes.ServerEnvelope, error) {
	return f.Next(context.Background())
}

// Ping forwards to the underlying connection when it supports pings.
func (f *Feed) Ping() error {
	if p, ok := f.src.(pinger); ok {
		return p.Ping()
	}
	return nil
}
