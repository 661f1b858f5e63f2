package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

const (
	outboundBufferSize = 64
	writeWait          = 10 * time.Second
)

// Client is a websocket participant. Messages are queued into a bounded
// buffer and written by WriteLoop.
type Client struct {
	conn *websocket.Conn
	send chan realtimeTypes.ServerEnvelope

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	close  sync.Once
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan realtimeTypes.ServerEnvelope, outboundBufferSize),
		done: make(chan struct{}),
	}
}

func (c *Client) Queue(msg realtimeTypes.ServerEnvelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// WriteLoop writes queued messages until the client is closed or a write
// fails.
func (c *Client) WriteLoop() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() {
	c.close.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		c.mu.Unlock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
