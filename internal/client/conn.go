// Package client joins a party over websocket and drives the interactive
// prompt loop.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apiTypes "github.com/ricochet1k/concordia/pkg/api"
	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

const writeWait = 10 * time.Second

// Conn is a joined participant connection.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// Dial connects to url and introduces the participant with a hello.
func Dial(ctx context.Context, url, user, token string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	c := &Conn{ws: ws}
	if err := c.send(realtimeTypes.ClientEnvelope{
		Type:  realtimeTypes.ClientMessageTypeHello,
		User:  user,
		Token: token,
	}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return c, nil
}

// DialRetry calls Dial until it succeeds, attempts run out, or ctx ends.
func DialRetry(ctx context.Context, url, user, token string, attempts int, delay time.Duration) (*Conn, error) {
	var lastErr error
	for i := 0; i < max(attempts, 1); i++ {
		c, err := Dial(ctx, url, user, token)
		if err == nil {
			return c, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Conn) send(msg realtimeTypes.ClientEnvelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *Conn) SendPrompt(text string) error {
	return c.send(realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypePrompt, Text: text})
}

func (c *Conn) Ping() error {
	return c.send(realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypePing})
}

// Receive blocks for the next server message.
func (c *Conn) Receive() (realtimeTypes.ServerEnvelope, error) {
	var msg realtimeTypes.ServerEnvelope
	err := c.ws.ReadJSON(&msg)
	return msg, err
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// RestartSession asks the host at baseURL to restart its session.
func RestartSession(ctx context.Context, httpClient *http.Client, baseURL, token string) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/session/restart", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var apiErr apiTypes.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return "", fmt.Errorf("restart rejected: %s", apiErr.Error)
	}
	var out apiTypes.RestartResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode restart response: %w", err)
	}
	return out.State, nil
}
