package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/realtime"
	"github.com/ricochet1k/concordia/internal/service"
	"github.com/ricochet1k/concordia/internal/session"
	"github.com/ricochet1k/concordia/internal/storage"
	apiTypes "github.com/ricochet1k/concordia/pkg/api"
	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

const testToken = "secret"

type partyStub struct {
	hub    *realtime.Hub
	events *service.EventBroadcaster

	mu         sync.Mutex
	prompts    []domain.PromptItem
	restarts   int
	restartErr error
}

func newPartyStub() *partyStub {
	events := service.NewEventBroadcaster(32)
	hub := realtime.NewHub("host", nil)
	events.AddSink(hub)
	hub.SetAnnouncer(events)
	return &partyStub{hub: hub, events: events}
}

func (p *partyStub) ID() string { return "party-1" }

func (p *partyStub) Join(name string, participant realtime.Participant) string {
	return p.hub.Join(name, participant)
}

func (p *partyStub) Leave(name string, participant realtime.Participant) {
	p.hub.Leave(name, participant)
}

func (p *partyStub) Send(name string, msg realtimeTypes.ServerEnvelope) bool {
	return p.hub.Send(name, msg)
}

func (p *partyStub) Submit(author, text string) error {
	item, err := domain.NewPromptItem(author, text, time.Now())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, item)
	return nil
}

func (p *partyStub) submitted() []domain.PromptItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.PromptItem(nil), p.prompts...)
}

func (p *partyStub) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts++
	return p.restartErr
}

func (p *partyStub) restartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

func (p *partyStub) failRestarts(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restartErr = err
}

func (p *partyStub) Status() realtimeTypes.SessionStatus {
	return realtimeTypes.SessionStatus{PartyID: p.ID(), State: "ready", Ready: true, Participants: p.hub.Participants()}
}

func (p *partyStub) Events() *service.EventBroadcaster { return p.events }

type historyStub struct {
	prompts []storage.PromptRecord
	batches []storage.BatchRecord
	limit   int
	err     error
}

func (h *historyStub) ListPrompts(_ context.Context, _ string, limit int) ([]storage.PromptRecord, error) {
	h.limit = limit
	return h.prompts, h.err
}

func (h *historyStub) ListBatches(_ context.Context, _ storage.BatchQuery) ([]storage.BatchRecord, error) {
	return h.batches, h.err
}

type testEnv struct {
	party *partyStub
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, history HistoryReader) *testEnv {
	t.Helper()
	party := newPartyStub()
	h := NewHandler(HandlerConfig{
		Party:      party,
		History:    history,
		Token:      testToken,
		InviteCode: "concordia://example:8765/" + testToken,
	})
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return &testEnv{party: party, srv: srv}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) join(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t)
	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{
		Type: realtimeTypes.ClientMessageTypeHello, User: user, Token: testToken,
	}))
	readUntil(t, conn, func(m realtimeTypes.ServerEnvelope) bool {
		return m.Type == realtimeTypes.ServerMessageTypeInvite
	})
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) realtimeTypes.ServerEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg realtimeTypes.ServerEnvelope
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil reads messages until match accepts one and returns everything
// read including the match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(realtimeTypes.ServerEnvelope) bool) []realtimeTypes.ServerEnvelope {
	t.Helper()
	var seen []realtimeTypes.ServerEnvelope
	for {
		msg := readMsg(t, conn)
		seen = append(seen, msg)
		if match(msg) {
			return seen
		}
	}
}

func isSystem(text string) func(realtimeTypes.ServerEnvelope) bool {
	return func(m realtimeTypes.ServerEnvelope) bool {
		return m.Type == realtimeTypes.ServerMessageTypeSystem && m.Message == text
	}
}

func TestWebSocket_JoinSequence(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{
		Type: realtimeTypes.ClientMessageTypeHello, User: "alice", Token: testToken,
	}))

	joined := readMsg(t, conn)
	assert.Equal(t, realtimeTypes.ServerMessageTypeSystem, joined.Type)
	assert.Equal(t, "alice joined", joined.Message)

	roster := readMsg(t, conn)
	assert.Equal(t, realtimeTypes.ServerMessageTypeParticipants, roster.Type)
	assert.Equal(t, "host", roster.MainUser)
	assert.Equal(t, []string{"alice"}, roster.Users)

	invite := readMsg(t, conn)
	assert.Equal(t, realtimeTypes.ServerMessageTypeInvite, invite.Type)
	assert.Equal(t, "concordia://example:8765/secret", invite.Code)
}

func TestWebSocket_InvalidInvite(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{
		Type: realtimeTypes.ClientMessageTypeHello, User: "mallory", Token: "wrong",
	}))

	msg := readMsg(t, conn)
	assert.Equal(t, realtimeTypes.ServerMessageTypeError, msg.Type)
	assert.Equal(t, "invalid invite", msg.Message)
	assert.Equal(t, domain.CodeInvalidInvite, msg.Code)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, env.party.hub.Participants())
}

func TestWebSocket_MissingHello(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{
		Type: realtimeTypes.ClientMessageTypePrompt, Text: "hi",
	}))

	msg := readMsg(t, conn)
	assert.Equal(t, "missing hello", msg.Message)
	assert.Equal(t, domain.CodeMissingHello, msg.Code)
	assert.Empty(t, env.party.submitted())
}

func TestWebSocket_DuplicateNameIsRenamed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.join(t, "alice")

	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{
		Type: realtimeTypes.ClientMessageTypeHello, User: "alice", Token: testToken,
	}))
	first := readMsg(t, conn)
	assert.Equal(t, "name 'alice' already in use; joined as 'alice-2'", first.Message)
	assert.Equal(t, []string{"alice", "alice-2"}, env.party.hub.Participants())
}

func TestWebSocket_PromptsAndPing(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.join(t, "bob")

	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypePrompt, Text: "  fix the tests  "}))
	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypePrompt, Text: "   "}))

	errMsg := readMsg(t, conn)
	assert.Equal(t, realtimeTypes.ServerMessageTypeError, errMsg.Type)
	assert.Equal(t, domain.CodeEmptyPrompt, errMsg.Code)

	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypePing}))
	assert.Equal(t, realtimeTypes.ServerMessageTypePong, readMsg(t, conn).Type)

	prompts := env.party.submitted()
	require.Len(t, prompts, 1)
	assert.Equal(t, "bob", prompts[0].Author)
	assert.Equal(t, "fix the tests", prompts[0].Text)
}

func TestWebSocket_RejectedPromptOnlyReachesSender(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.join(t, "alice")
	bob := env.join(t, "bob")
	readUntil(t, alice, isSystem("bob joined"))

	require.NoError(t, bob.WriteJSON(realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypePrompt, Text: ""}))
	assert.Equal(t, realtimeTypes.ServerMessageTypeError, readMsg(t, bob).Type)

	require.NoError(t, alice.WriteJSON(realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypePing}))
	// Alice's next message is her pong, not bob's error.
	readUntil(t, alice, func(m realtimeTypes.ServerEnvelope) bool {
		require.NotEqual(t, realtimeTypes.ServerMessageTypeError, m.Type)
		return m.Type == realtimeTypes.ServerMessageTypePong
	})
}

func TestWebSocket_DisconnectAnnouncesLeave(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.join(t, "alice")
	bob := env.join(t, "bob")
	readUntil(t, alice, isSystem("bob joined"))

	require.NoError(t, bob.Close())
	readUntil(t, alice, isSystem("bob left"))
	roster := readMsg(t, alice)
	assert.Equal(t, []string{"alice"}, roster.Users)
}

func TestWebSocket_BroadcastReachesParticipants(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.join(t, "alice")

	env.party.events.Broadcast(domain.NewOutputEvent(domain.StreamStdout, "hello from the session"))
	msg := readMsg(t, conn)
	assert.Equal(t, realtimeTypes.ServerMessageTypeOutput, msg.Type)
	assert.Equal(t, "hello from the session", msg.Text)
}

func doRequest(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := doRequest(t, http.MethodGet, env.srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body apiTypes.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "party-1", body.Party)
}

func TestStatus_RequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/status", "nope")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/status?token="+testToken, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.join(t, "alice")
	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/status", testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status realtimeTypes.SessionStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ready", status.State)
	assert.Equal(t, []string{"alice"}, status.Participants)
}

func TestHistory(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	history := &historyStub{
		prompts: []storage.PromptRecord{{ID: 7, Author: "alice", Text: "A", CreatedAt: at}},
		batches: []storage.BatchRecord{{
			ID: "b1", Status: domain.BatchSubmitted, Merged: "A and B", Authors: []string{"alice", "bob"},
			Prompts: []domain.PromptItem{{Author: "alice", Text: "A"}, {Author: "bob", Text: "B"}}, CreatedAt: at,
		}},
	}
	env := newTestEnv(t, history)

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/history?limit=5", testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body apiTypes.HistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, 5, history.limit)
	require.Len(t, body.Prompts, 1)
	assert.Equal(t, "alice", body.Prompts[0].Author)
	require.Len(t, body.Batches, 1)
	assert.Equal(t, "submitted", body.Batches[0].Status)
	assert.Equal(t, 2, body.Batches[0].Prompts)
	assert.Equal(t, []string{"alice", "bob"}, body.Batches[0].Authors)

	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/history?limit=abc", testToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	history.err = errors.New("disk gone")
	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/history", testToken)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, defaultHistoryLimit, history.limit)
}

func TestHistory_Disabled(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/history", testToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRestart(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := doRequest(t, http.MethodPost, env.srv.URL+"/api/session/restart", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, env.party.restartCount())

	resp = doRequest(t, http.MethodPost, env.srv.URL+"/api/session/restart", testToken)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, env.party.restartCount())

	env.party.failRestarts(session.ErrTerminated)
	resp = doRequest(t, http.MethodPost, env.srv.URL+"/api/session/restart", testToken)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

type sseFrame struct {
	id    string
	event string
	data  string
}

func readSSE(resp *http.Response) <-chan sseFrame {
	ch := make(chan sseFrame, 16)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		var f sseFrame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				f.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			case line == "" && f.data != "":
				ch <- f
				f = sseFrame{}
			}
		}
	}()
	return ch
}

func nextFrame(t *testing.T, ch <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case f, ok := <-ch:
		require.True(t, ok, "stream closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE frame")
		return sseFrame{}
	}
}

func TestEvents_ReplayThenLive(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, msg := range []string{"one", "two", "three"} {
		env.party.events.Broadcast(domain.NewSystemEvent(msg))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readSSE(resp)
	f := nextFrame(t, frames)
	assert.Equal(t, "2", f.id)
	assert.Equal(t, "system", f.event)
	assert.Contains(t, f.data, `"message":"two"`)
	assert.Equal(t, "3", nextFrame(t, frames).id)

	env.party.events.Broadcast(domain.NewErrorEvent("boom", domain.CodeWriteFailed))
	f = nextFrame(t, frames)
	assert.Equal(t, "4", f.id)
	assert.Equal(t, "error", f.event)

	var env4 realtimeTypes.ServerEnvelope
	require.NoError(t, json.Unmarshal([]byte(f.data), &env4))
	assert.Equal(t, domain.CodeWriteFailed, env4.Code)
}

func TestEvents_InvalidLastEventID(t *testing.T) {
	env := newTestEnv(t, nil)
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Last-Event-ID", "x")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
