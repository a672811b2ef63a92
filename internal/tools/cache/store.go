// Package cache provides the SQLite-backed analysis store and the
// read-category tools that query it.
//
// Completed analyses (SWOT breakdowns, chart datasets, saved documents) are
// persisted so later turns can retrieve them without re-deriving the work.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when no analysis exists for the requested id.
var ErrNotFound = errors.New("cache: analysis not found")

// Analysis is one cached analysis artifact.
type Analysis struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Kind           string          `json:"kind"`
	Subject        string          `json:"subject"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Store persists analyses in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the analysis database at path. An empty path
// uses an in-memory database.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB wraps an existing database handle. The schema must already
// exist; used by tests and callers managing their own connections.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS analyses (
			id TEXT PRIMARY KEY,
			conversation_id TEXT,
			kind TEXT NOT NULL,
			subject TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("cache: failed to create analyses table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_analyses_conversation ON analyses(conversation_id)",
		"CREATE INDEX IF NOT EXISTS idx_analyses_kind ON analyses(kind)",
		"CREATE INDEX IF NOT EXISTS idx_analyses_created ON analyses(created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("cache: failed to create index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces an analysis. A missing id is assigned; timestamps
// are maintained automatically.
func (s *Store) Put(ctx context.Context, a *Analysis) error {
	if a.Kind == "" {
		return errors.New("cache: analysis kind is required")
	}
	if a.Subject == "" {
		return errors.New("cache: analysis subject is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO analyses (id, conversation_id, kind, subject, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.ConversationID,
		a.Kind,
		a.Subject,
		string(a.Payload),
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("cache: failed to store analysis: %w", err)
	}
	return nil
}

// Get returns the analysis with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, kind, subject, payload, created_at, updated_at
		FROM analyses WHERE id = ?
	`, id)

	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: failed to load analysis: %w", err)
	}
	return a, nil
}

// List returns the most recent analyses, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, kind, subject, payload, created_at, updated_at
		FROM analyses ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to list analyses: %w", err)
	}
	defer rows.Close()

	return collectAnalyses(rows)
}

// Search returns analyses whose subject or payload matches the query,
// newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, kind, subject, payload, created_at, updated_at
		FROM analyses
		WHERE subject LIKE ? OR payload LIKE ?
		ORDER BY created_at DESC LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to search analyses: %w", err)
	}
	defer rows.Close()

	return collectAnalyses(rows)
}

// Delete removes an analysis. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM analyses WHERE id = ?`, id); err != nil {
		return fmt.Errorf("cache: failed to delete analysis: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*Analysis, error) {
	var a Analysis
	var conversationID sql.NullString
	var payload sql.NullString

	err := row.Scan(&a.ID, &conversationID, &a.Kind, &a.Subject, &payload, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ConversationID = conversationID.String
	if payload.Valid && payload.String != "" {
		a.Payload = json.RawMessage(payload.String)
	}
	return &a, nil
}

func collectAnalyses(rows *sql.Rows) ([]*Analysis, error) {
	var result []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: failed to scan analysis: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: row iteration failed: %w", err)
	}
	return result, nil
}
