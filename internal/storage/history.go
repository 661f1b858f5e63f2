package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ricochet1k/concordia/internal/domain"
)

// HistoryStore records every accepted prompt and every batch in SQLite.
type HistoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// PromptRecord is one stored prompt.
type PromptRecord struct {
	ID        int64
	PartyID   string
	Author    string
	Text      string
	CreatedAt time.Time
}

// BatchRecord is one stored batch.
type BatchRecord struct {
	ID        string
	PartyID   string
	Status    domain.BatchStatus
	Merged    string
	Error     string
	Authors   []string
	Prompts   []domain.PromptItem
	CreatedAt time.Time
}

// BatchQuery filters ListBatches. Zero fields match everything; Limit
// defaults to 50.
type BatchQuery struct {
	PartyID string
	Status  domain.BatchStatus
	Limit   int
}

func HistoryPath(baseDir string) string {
	return filepath.Join(baseDir, "history.db")
}

// NewHistoryStore opens or creates the database at path.
func NewHistoryStore(path string, logger *slog.Logger) (*HistoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history")

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &HistoryStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("history store opened", "path", path)
	return s, nil
}

func (s *HistoryStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS prompts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			party_id TEXT NOT NULL,
			author TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_prompts_party_created
			ON prompts(party_id, created_at);

		CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			party_id TEXT NOT NULL,
			status TEXT NOT NULL,
			merged TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			authors_json TEXT NOT NULL DEFAULT '[]',
			prompts_json TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_batches_party_created
			ON batches(party_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// RecordPrompt stores an accepted prompt.
func (s *HistoryStore) RecordPrompt(ctx context.Context, partyID string, item domain.PromptItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (party_id, author, text, created_at) VALUES (?, ?, ?, ?)`,
		partyID, item.Author, item.Text, formatTime(item.Timestamp))
	if err != nil {
		return fmt.Errorf("recording prompt: %w", err)
	}
	return nil
}

// RecordBatch stores a batch outcome. Recording the same batch id again
// replaces the earlier row.
func (s *HistoryStore) RecordBatch(ctx context.Context, partyID string, batch domain.Batch) error {
	items := batch.Items
	if items == nil {
		items = []domain.PromptItem{}
	}
	promptsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshaling batch prompts: %w", err)
	}
	authorsJSON, err := json.Marshal(batch.Authors())
	if err != nil {
		return fmt.Errorf("marshaling batch authors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO batches (id, party_id, status, merged, error, authors_json, prompts_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, partyID, string(batch.Status), batch.Merged, batch.Error,
		string(authorsJSON), string(promptsJSON), formatTime(batch.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording batch: %w", err)
	}
	return nil
}

// ListPrompts returns up to limit prompts, newest first.
func (s *HistoryStore) ListPrompts(ctx context.Context, partyID string, limit int) ([]PromptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, party_id, author, text, created_at FROM prompts`
	var args []any
	if partyID != "" {
		query += ` WHERE party_id = ?`
		args = append(args, partyID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing prompts: %w", err)
	}
	defer rows.Close()

	var out []PromptRecord
	for rows.Next() {
		var (
			rec     PromptRecord
			created string
		)
		if err := rows.Scan(&rec.ID, &rec.PartyID, &rec.Author, &rec.Text, &created); err != nil {
			return nil, fmt.Errorf("scanning prompt: %w", err)
		}
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListBatches returns matching batches, newest first.
func (s *HistoryStore) ListBatches(ctx context.Context, q BatchQuery) ([]BatchRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	query := `SELECT id, party_id, status, merged, error, authors_json, prompts_json, created_at FROM batches`
	var (
		where []string
		args  []any
	)
	if q.PartyID != "" {
		where = append(where, "party_id = ?")
		args = append(args, q.PartyID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var (
			rec                      BatchRecord
			status, authors, prompts string
			created                  string
		)
		if err := rows.Scan(&rec.ID, &rec.PartyID, &status, &rec.Merged, &rec.Error, &authors, &prompts, &created); err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		rec.Status = domain.BatchStatus(status)
		if err := json.Unmarshal([]byte(authors), &rec.Authors); err != nil {
			s.logger.Warn("unreadable batch authors", "batch", rec.ID, "error", err)
		}
		if err := json.Unmarshal([]byte(prompts), &rec.Prompts); err != nil {
			s.logger.Warn("unreadable batch prompts", "batch", rec.ID, "error", err)
		}
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
