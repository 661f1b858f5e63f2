package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/ricochet1k/concordia/internal/domain"
)

var (
	ErrPartyNotFound     = errors.New("party not found")
	ErrStorageWrite      = errors.New("failed to write party record")
	ErrInvalidPartyID    = errors.New("invalid party id")
	ErrPartyFileTooLarge = errors.New("party file too large")
	ErrSymlinkNotAllowed = errors.New("symlinks not allowed for party files")
)

const maxPartyFileSize = 1024 * 1024

// Storage persists one record per party, keyed by party id.
type Storage interface {
	Save(snap domain.SessionSnapshot) error
	Load(id string) (*PartyRecord, error)
	List() ([]*PartyRecord, error)
}

// PartyRecord is what survives a host restart: where the session ran, how it
// ended, and the token to resume it with.
type PartyRecord struct {
	ID          string           `json:"id"`
	WorkingDir  string           `json:"working_dir"`
	State       string           `json:"state"`
	ResumeToken string           `json:"resume_token,omitempty"`
	Restarts    int              `json:"restarts"`
	LastError   string           `json:"last_error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Transitions []transitionData `json:"transitions"`
}

type transitionData struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type JSONFileStorage struct {
	baseDir string
	mu      sync.RWMutex
}

var (
	ErrInvalidSessionState = errors.New("invalid session state")
	partyIDRegex           = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

func validatePartyID(id string) error {
	if !partyIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %s", ErrInvalidPartyID, id)
	}
	return nil
}

// PartyID derives the stable id of the party hosted in workingDir.
func PartyID(workingDir string) string {
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	sum := sha256.Sum256([]byte(filepath.Clean(workingDir)))
	return hex.EncodeToString(sum[:8])
}

func NewJSONFileStorage(baseDir string) (*JSONFileStorage, error) {
	partiesDir := filepath.Join(baseDir, "parties")
	if err := os.MkdirAll(partiesDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create parties directory: %w", err)
	}

	// Verify permissions if it already existed
	info, err := os.Stat(partiesDir)
	if err == nil {
		if info.Mode().Perm()&0o077 != 0 {
			_ = os.Chmod(partiesDir, 0o700)
		}
	}

	return &JSONFileStorage{
		baseDir: baseDir,
	}, nil
}

// DefaultBaseDir is $CONCORDIA_DATA_DIR, else $XDG_DATA_HOME/concordia, else
// ~/.local/share/concordia.
func DefaultBaseDir() string {
	if dir := os.Getenv("CONCORDIA_DATA_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "concordia")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".concordia"
	}
	return filepath.Join(home, ".local", "share", "concordia")
}

func (s *JSONFileStorage) partiesDir() string {
	return filepath.Join(s.baseDir, "parties")
}

func (s *JSONFileStorage) partyPath(id string) string {
	return filepath.Join(s.partiesDir(), id+".json")
}

func (s *JSONFileStorage) Save(snap domain.SessionSnapshot) error {
	if err := validatePartyID(snap.ID); err != nil {
		return err
	}
	jsonData, err := json.MarshalIndent(snapshotToRecord(snap), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal party record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.partiesDir(), snap.ID, jsonData)
}

// writeFileAtomic replaces dir/name.json through a synced temp file.
func writeFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	f, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	tmpName := f.Name()
	_ = os.Chmod(tmpName, 0o600)

	defer func() {
		if f != nil {
			f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Close(); err != nil {
		f = nil
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	f = nil

	if err := os.Rename(tmpName, filepath.Join(dir, name+".json")); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	// Sync the directory so the rename is durable
	df, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	return nil
}

func (s *JSONFileStorage) Load(id string) (*PartyRecord, error) {
	if err := validatePartyID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadUnlocked(id)
}

// ListError collects the records List could not load; the rest are still
// returned.
type ListError struct {
	Errors []error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("failed to load %d parties", len(e.Errors))
}

func (e *ListError) Unwrap() []error {
	return e.Errors
}

func (s *JSONFileStorage) List() ([]*PartyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.partiesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*PartyRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read parties directory: %w", err)
	}

	records := make([]*PartyRecord, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		id := entry.Name()[:len(entry.Name())-5]
		if err := validatePartyID(id); err != nil {
			continue
		}

		rec, err := s.loadUnlocked(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("party %s: %w", id, err))
			continue
		}
		records = append(records, rec)
	}

	if len(errs) > 0 {
		return records, &ListError{Errors: errs}
	}
	return records, nil
}

func (s *JSONFileStorage) loadUnlocked(id string) (*PartyRecord, error) {
	filePath := s.partyPath(id)

	info, err := os.Lstat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPartyNotFound
		}
		return nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, id)
	}

	if info.Size() > maxPartyFileSize {
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrPartyFileTooLarge, id, info.Size())
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var rec PartyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if _, err := ParseSessionState(rec.State); err != nil {
		return nil, err
	}
	return &rec, nil
}

func snapshotToRecord(snap domain.SessionSnapshot) *PartyRecord {
	transitions := make([]transitionData, len(snap.Transitions))
	for i, t := range snap.Transitions {
		transitions[i] = transitionData{
			From:      t.From.String(),
			To:        t.To.String(),
			Reason:    t.Reason,
			Timestamp: t.Timestamp,
		}
	}

	return &PartyRecord{
		ID:          snap.ID,
		WorkingDir:  snap.WorkingDir,
		State:       snap.State.String(),
		ResumeToken: snap.ResumeToken,
		Restarts:    snap.Restarts,
		LastError:   snap.LastError,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
		Transitions: transitions,
	}
}

// ParseSessionState is the inverse of domain.SessionState.String.
func ParseSessionState(s string) (domain.SessionState, error) {
	switch s {
	case "unstarted":
		return domain.SessionStateUnstarted, nil
	case "starting":
		return domain.SessionStateStarting, nil
	case "ready":
		return domain.SessionStateReady, nil
	case "busy":
		return domain.SessionStateBusy, nil
	case "crashed":
		return domain.SessionStateCrashed, nil
	case "terminated":
		return domain.SessionStateTerminated, nil
	default:
		return domain.SessionStateUnstarted, fmt.Errorf("%w: %s", ErrInvalidSessionState, s)
	}
}
