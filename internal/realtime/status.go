package realtime

import (
	"github.com/ricochet1k/concordia/internal/session"
	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

// PartyStats are the party-side figures reported next to the session.
type PartyStats struct {
	MainUser      string
	Pending       int
	Participants  []string
	Subscribers   int
	DroppedEvents uint64
}

// StatusFromSession builds the wire status of a party.
func StatusFromSession(st session.Status, ps PartyStats) realtimeTypes.SessionStatus {
	participants := ps.Participants
	if participants == nil {
		participants = []string{}
	}
	return realtimeTypes.SessionStatus{
		PartyID:       st.ID,
		State:         st.State.String(),
		Ready:         st.GateReady,
		Protocol:      st.Protocol,
		Pid:           st.Pid,
		HasResume:     st.ResumeToken != "",
		Restarts:      st.Restarts,
		Exhausted:     st.Exhausted,
		LastError:     st.LastError,
		WriteFailures: st.WriteFailures,
		WriteRestarts: st.WriteRestarts,
		Pending:       ps.Pending,
		MainUser:      ps.MainUser,
		Participants:  participants,
		Subscribers:   ps.Subscribers,
		DroppedEvents: ps.DroppedEvents,
		UpdatedAt:     st.UpdatedAt,
	}
}
