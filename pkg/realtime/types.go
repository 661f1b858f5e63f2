package realtime

import "time"

type ClientMessageType string

const (
	// ClientMessageTypeHello must be the first message on a connection.
	ClientMessageTypeHello  ClientMessageType = "hello"
	ClientMessageTypePrompt ClientMessageType = "prompt"
	ClientMessageTypePing   ClientMessageType = "ping"
)

type ServerMessageType string

const (
	ServerMessageTypeInvite       ServerMessageType = "invite"
	ServerMessageTypeOutput       ServerMessageType = "output"
	ServerMessageTypeSystem       ServerMessageType = "system"
	ServerMessageTypeError        ServerMessageType = "error"
	ServerMessageTypeParticipants ServerMessageType = "participants"
	ServerMessageTypeBatch        ServerMessageType = "batch"
	ServerMessageTypePong         ServerMessageType = "pong"
)

type ClientEnvelope struct {
	Type  ClientMessageType `json:"type"`
	User  string            `json:"user,omitempty"`
	Token string            `json:"token,omitempty"`
	Text  string            `json:"text,omitempty"`
}

type ServerEnvelope struct {
	Type ServerMessageType `json:"type"`
	// Text carries output lines and merged batch text.
	Text   string `json:"text,omitempty"`
	Stream string `json:"stream,omitempty"`
	// Message carries system notices and error descriptions.
	Message string `json:"message,omitempty"`
	// Code is the invite code on invite messages and the error code on
	// error messages.
	Code     string    `json:"code,omitempty"`
	MainUser string    `json:"main_user,omitempty"`
	Users    []string  `json:"users,omitempty"`
	BatchID  string    `json:"batch_id,omitempty"`
	Authors  []string  `json:"authors,omitempty"`
	Time     time.Time `json:"ts,omitzero"`
}

// SessionStatus is the externally visible state of a party's session.
type SessionStatus struct {
	PartyID       string    `json:"party_id"`
	State         string    `json:"state"`
	Ready         bool      `json:"ready"`
	Protocol      string    `json:"protocol"`
	Pid           int       `json:"pid,omitempty"`
	HasResume     bool      `json:"has_resume_token"`
	Restarts      int       `json:"restarts"`
	Exhausted     bool      `json:"restarts_exhausted"`
	LastError     string    `json:"last_error,omitempty"`
	WriteFailures int       `json:"write_failures"`
	WriteRestarts int       `json:"write_failure_restarts"`
	Pending       int       `json:"pending_prompts"`
	MainUser      string    `json:"main_user"`
	Participants  []string  `json:"participants"`
	Subscribers   int       `json:"event_subscribers"`
	DroppedEvents uint64    `json:"dropped_events"`
	UpdatedAt     time.Time `json:"updated_at"`
}
