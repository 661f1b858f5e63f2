package realtime

import (
	"github.com/ricochet1k/concordia/internal/domain"
	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

// EnvelopeFromEvent converts a core event into its wire form.
func EnvelopeFromEvent(ev domain.Event) realtimeTypes.ServerEnvelope {
	env := realtimeTypes.ServerEnvelope{Time: ev.Timestamp}
	switch ev.Type {
	case domain.EventTypeOutput:
		d, _ := ev.Output()
		env.Type = realtimeTypes.ServerMessageTypeOutput
		env.Stream = string(d.Stream)
		env.Text = d.Text
	case domain.EventTypeSystem:
		d, _ := ev.System()
		env.Type = realtimeTypes.ServerMessageTypeSystem
		env.Message = d.Message
	case domain.EventTypeError:
		d, _ := ev.Error()
		env.Type = realtimeTypes.ServerMessageTypeError
		env.Message = d.Message
		env.Code = d.Code
	case domain.EventTypeParticipants:
		d, _ := ev.Participants()
		env.Type = realtimeTypes.ServerMessageTypeParticipants
		env.MainUser = d.MainUser
		env.Users = d.Users
	case domain.EventTypeBatch:
		d, _ := ev.Batch()
		env.Type = realtimeTypes.ServerMessageTypeBatch
		env.BatchID = d.ID
		env.Text = d.Text
		env.Authors = d.Authors
	default:
		env.Type = realtimeTypes.ServerMessageTypeSystem
	}
	return env
}

// ErrorEnvelope is an error message addressed to a single participant.
func ErrorEnvelope(message, code string) realtimeTypes.ServerEnvelope {
	return EnvelopeFromEvent(domain.NewErrorEvent(message, code))
}

// SystemEnvelope is a notice addressed to a single participant.
func SystemEnvelope(message string) realtimeTypes.ServerEnvelope {
	return EnvelopeFromEvent(domain.NewSystemEvent(message))
}
