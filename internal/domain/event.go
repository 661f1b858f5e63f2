package domain

import "time"

type EventType int

const (
	EventTypeOutput EventType = iota
	EventTypeSystem
	EventTypeError
	EventTypeParticipants
	EventTypeBatch
)

func (t EventType) String() string {
	switch t {
	case EventTypeOutput:
		return "output"
	case EventTypeSystem:
		return "system"
	case EventTypeError:
		return "error"
	case EventTypeParticipants:
		return "participants"
	case EventTypeBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Stream names the process stream an output line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Event is what the core hands to the broadcast fan-out. The transport layer
// decides how it is serialized.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

type OutputData struct {
	Stream Stream
	Text   string
}

type SystemData struct {
	Message string
}

type ErrorData struct {
	Message string
	Code    string
}

type ParticipantsData struct {
	MainUser string
	Users    []string
}

type BatchData struct {
	ID      string
	Text    string
	Authors []string
}

func NewOutputEvent(stream Stream, text string) Event {
	return Event{
		Type:      EventTypeOutput,
		Timestamp: time.Now(),
		Data:      OutputData{Stream: stream, Text: text},
	}
}

func NewSystemEvent(message string) Event {
	return Event{
		Type:      EventTypeSystem,
		Timestamp: time.Now(),
		Data:      SystemData{Message: message},
	}
}

func NewErrorEvent(message, code string) Event {
	return Event{
		Type:      EventTypeError,
		Timestamp: time.Now(),
		Data: ErrorData{
			Message: message,
			Code:    code,
		},
	}
}

func NewParticipantsEvent(mainUser string, users []string) Event {
	return Event{
		Type:      EventTypeParticipants,
		Timestamp: time.Now(),
		Data: ParticipantsData{
			MainUser: mainUser,
			Users:    users,
		},
	}
}

func NewBatchEvent(id, text string, authors []string) Event {
	return Event{
		Type:      EventTypeBatch,
		Timestamp: time.Now(),
		Data: BatchData{
			ID:      id,
			Text:    text,
			Authors: authors,
		},
	}
}

func (e Event) Output() (OutputData, bool) {
	d, ok := e.Data.(OutputData)
	return d, ok
}

func (e Event) System() (SystemData, bool) {
	d, ok := e.Data.(SystemData)
	return d, ok
}

func (e Event) Error() (ErrorData, bool) {
	d, ok := e.Data.(ErrorData)
	return d, ok
}

func (e Event) Participants() (ParticipantsData, bool) {
	d, ok := e.Data.(ParticipantsData)
	return d, ok
}

func (e Event) Batch() (BatchData, bool) {
	d, ok := e.Data.(BatchData)
	return d, ok
}

// Error codes carried on error events so clients can tell failure kinds apart.
const (
	CodeEmptyPrompt       = "EMPTY_PROMPT"
	CodeMergeFailed       = "MERGE_FAILED"
	CodeWriteFailed       = "WRITE_FAILED"
	CodeWriteTimeout      = "WRITE_TIMEOUT"
	CodeNotReady          = "SESSION_NOT_READY"
	CodeStartFailed       = "START_FAILED"
	CodeRestartsExhausted = "RESTARTS_EXHAUSTED"
	CodeResponseTimeout   = "RESPONSE_TIMEOUT"
	CodeMissingHello      = "MISSING_HELLO"
	CodeInvalidInvite     = "INVALID_INVITE"
	CodeBadMessage        = "BAD_MESSAGE"
)
