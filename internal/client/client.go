package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

// KeepAliveInterval is how often an idle client pings the host.
const KeepAliveInterval = 30 * time.Second

var ErrDisconnected = errors.New("disconnected from party")

// Receiver yields server messages until the connection ends.
type Receiver interface {
	Receive() (realtimeTypes.ServerEnvelope, error)
}

type pinger interface {
	Ping() error
}

// Run renders everything recv yields while repl reads input. It returns
// when the user quits or the connection ends; the caller closes the
// connection.
func Run(ctx context.Context, recv Receiver, repl *REPL) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := recv.Receive()
			if err != nil {
				recvErr <- err
				return
			}
			repl.Renderer.Render(msg)
		}
	}()

	if p, ok := recv.(pinger); ok {
		go keepAlive(ctx, p)
	}

	replErr := make(chan error, 1)
	go func() { replErr <- repl.Run(ctx) }()

	select {
	case err := <-replErr:
		return err
	case err := <-recvErr:
		return disconnected(err)
	}
}

// disconnected wraps the error that ended the connection.
func disconnected(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrDisconnected
	}
	return fmt.Errorf("%w: %w", ErrDisconnected, err)
}

func keepAlive(ctx context.Context, p pinger) {
	t := time.NewTicker(KeepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.Ping(); err != nil {
				return
			}
		}
	}
}
