package domain

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// SessionState is the lifecycle state of the party's external session.
type SessionState int

const (
	SessionStateUnstarted SessionState = iota
	SessionStateStarting
	SessionStateReady
	SessionStateBusy
	SessionStateCrashed
	SessionStateTerminated
)

// maxTransitions bounds the transition history kept on a Session.
const maxTransitions = 64

func (s SessionState) String() string {
	switch s {
	case SessionStateUnstarted:
		return "unstarted"
	case SessionStateStarting:
		return "starting"
	case SessionStateReady:
		return "ready"
	case SessionStateBusy:
		return "busy"
	case SessionStateCrashed:
		return "crashed"
	case SessionStateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition = errors.New("invalid state transition")
)

func NewInvalidTransitionError(from, to SessionState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

var validTransitions = map[SessionState][]SessionState{
	SessionStateUnstarted: {SessionStateStarting, SessionStateTerminated},
	SessionStateStarting:  {SessionStateReady, SessionStateCrashed, SessionStateTerminated},
	SessionStateReady:     {SessionStateBusy, SessionStateCrashed, SessionStateTerminated},
	SessionStateBusy:      {SessionStateReady, SessionStateCrashed, SessionStateTerminated},
	SessionStateCrashed:   {SessionStateStarting, SessionStateTerminated},
}

func CanTransition(from, to SessionState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

type StateTransition struct {
	From      SessionState
	To        SessionState
	Reason    string
	Timestamp time.Time
}

// Session is the bookkeeping record of one party's session: its state,
// the resume token carried across restarts, and the current process.
type Session struct {
	ID          string
	WorkingDir  string
	State       SessionState
	ResumeToken string
	Pid         int
	Restarts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Transitions []StateTransition

	mu sync.RWMutex
}

// SessionSnapshot is a point-in-time copy of a Session.
type SessionSnapshot struct {
	ID          string
	WorkingDir  string
	State       SessionState
	ResumeToken string
	Pid         int
	Restarts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Transitions []StateTransition
}

func NewSession(id, workingDir string) *Session {
	now := time.Now()
	return &Session{
		ID:          id,
		WorkingDir:  workingDir,
		State:       SessionStateUnstarted,
		CreatedAt:   now,
		UpdatedAt:   now,
		Transitions: make([]StateTransition, 0),
	}
}

func (s *Session) TransitionTo(newState SessionState, reason string) (StateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.State, newState) {
		return StateTransition{}, NewInvalidTransitionError(s.State, newState)
	}

	transition := StateTransition{
		From:      s.State,
		To:        newState,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	s.Transitions = append(s.Transitions, transition)
	if len(s.Transitions) > maxTransitions {
		s.Transitions = s.Transitions[len(s.Transitions)-maxTransitions:]
	}
	s.State = newState
	s.UpdatedAt = transition.Timestamp

	return transition, nil
}

func (s *Session) GetState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

func (s *Session) SetResumeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResumeToken = token
	s.UpdatedAt = time.Now()
}

func (s *Session) GetResumeToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ResumeToken
}

func (s *Session) SetPid(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pid = pid
}

// SetError records the most recent failure; an empty message clears it.
func (s *Session) SetError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastError = message
	s.UpdatedAt = time.Now()
}

func (s *Session) IncrementRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Restarts++
	return s.Restarts
}

// Snapshot returns an atomic copy of the session under its read lock.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transitions := make([]StateTransition, len(s.Transitions))
	copy(transitions, s.Transitions)

	return SessionSnapshot{
		ID:          s.ID,
		WorkingDir:  s.WorkingDir,
		State:       s.State,
		ResumeToken: s.ResumeToken,
		Pid:         s.Pid,
		Restarts:    s.Restarts,
		LastError:   s.LastError,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		Transitions: transitions,
	}
}
