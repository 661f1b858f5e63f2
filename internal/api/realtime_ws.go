package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/realtime"
	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

const (
	helloTimeout   = 10 * time.Second
	maxMessageSize = 64 << 10
	closeWait      = time.Second
)

var partyUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// partyWebSocket runs one participant connection. The first message must be
// a hello carrying the participant's name and the party token.
func (h *Handler) partyWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := partyUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxMessageSize)

	hello, err := readHello(conn)
	if err != nil {
		h.logger.Debug("rejecting connection without hello", "remote", r.RemoteAddr, "error", err)
		rejectConn(conn, realtime.ErrorEnvelope("missing hello", domain.CodeMissingHello))
		return
	}
	if !tokenMatches(h.token, hello.Token) {
		h.logger.Warn("rejecting connection with invalid invite", "remote", r.RemoteAddr, "user", hello.User)
		rejectConn(conn, realtime.ErrorEnvelope("invalid invite", domain.CodeInvalidInvite))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	client := realtime.NewClient(conn)
	go client.WriteLoop()

	name := h.party.Join(hello.User, client)
	defer h.party.Leave(name, client)
	reply := func(msg realtimeTypes.ServerEnvelope) {
		if !h.party.Send(name, msg) {
			h.logger.Debug("reply not delivered", "user", name, "type", msg.Type)
		}
	}
	if h.inviteCode != "" {
		reply(realtimeTypes.ServerEnvelope{
			Type: realtimeTypes.ServerMessageTypeInvite,
			Code: h.inviteCode,
		})
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg realtimeTypes.ClientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			reply(realtime.ErrorEnvelope("invalid message", domain.CodeBadMessage))
			continue
		}

		switch msg.Type {
		case realtimeTypes.ClientMessageTypePrompt:
			if err := h.party.Submit(name, msg.Text); err != nil {
				reply(realtime.ErrorEnvelope(err.Error(), domain.CodeEmptyPrompt))
			}
		case realtimeTypes.ClientMessageTypePing:
			reply(realtimeTypes.ServerEnvelope{Type: realtimeTypes.ServerMessageTypePong})
		case realtimeTypes.ClientMessageTypeHello:
			// Already joined.
		default:
			reply(realtime.ErrorEnvelope("unsupported message type", domain.CodeBadMessage))
		}
	}
}

var errNotHello = errors.New("first message was not hello")

func readHello(conn *websocket.Conn) (realtimeTypes.ClientEnvelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var msg realtimeTypes.ClientEnvelope
	if err := conn.ReadJSON(&msg); err != nil {
		return msg, err
	}
	if msg.Type != realtimeTypes.ClientMessageTypeHello {
		return msg, errNotHello
	}
	return msg, nil
}

// rejectConn writes msg directly and closes the connection; the participant
// never joined so there is no write loop yet.
func rejectConn(conn *websocket.Conn, msg realtimeTypes.ServerEnvelope) {
	_ = conn.SetWriteDeadline(time.Now().Add(closeWait))
	_ = conn.WriteJSON(msg)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg.Message))
	_ = conn.Close()
}
