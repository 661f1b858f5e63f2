package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrResumeTokenNotFound = errors.New("resume token not found")

// ResumeTokenStorage keeps the latest continuity token of each party.
type ResumeTokenStorage interface {
	SaveResumeToken(partyID, workingDir, token string) error
	LoadResumeToken(partyID string) (string, error)
}

// SaveResumeToken updates the token on the party's record, creating the
// record if this is the first time the party is seen.
func (s *JSONFileStorage) SaveResumeToken(partyID, workingDir, token string) error {
	if err := validatePartyID(partyID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	rec, err := s.loadUnlocked(partyID)
	switch {
	case errors.Is(err, ErrPartyNotFound):
		rec = &PartyRecord{
			ID:          partyID,
			WorkingDir:  workingDir,
			State:       "unstarted",
			CreatedAt:   now,
			Transitions: []transitionData{},
		}
	case err != nil:
		return err
	}
	rec.ResumeToken = token
	rec.UpdatedAt = now

	jsonData, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal party record: %w", err)
	}
	return writeFileAtomic(s.partiesDir(), partyID, jsonData)
}

func (s *JSONFileStorage) LoadResumeToken(partyID string) (string, error) {
	rec, err := s.Load(partyID)
	if err != nil {
		if errors.Is(err, ErrPartyNotFound) {
			return "", ErrResumeTokenNotFound
		}
		return "", err
	}
	if rec.ResumeToken == "" {
		return "", ErrResumeTokenNotFound
	}
	return rec.ResumeToken, nil
}
