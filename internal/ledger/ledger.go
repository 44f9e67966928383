// Package ledger keeps an append-only history of upload session
// transitions in PostgreSQL. It is optional: the service runs without it
// when DATABASE_URL is unset.
package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"lan-file-drop/internal/upload"
)

// Store records session transitions.
type Store struct {
	db *sql.DB
}

// New wraps an open database. Call Migrate first.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Observe implements upload.Observer.
func (s *Store) Observe(ctx context.Context, t upload.Transition) error {
	return s.Record(ctx, t)
}

// Record inserts one transition.
func (s *Store) Record(ctx context.Context, t upload.Transition) error {
	query := `
		INSERT INTO session_events (
			upload_id, filename, from_state, to_state, fragments, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.Token,
		nullString(t.Filename),
		string(t.From),
		string(t.To),
		t.Fragments,
		nullString(t.Err),
		t.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// History returns the recorded transitions of a session, oldest first.
func (s *Store) History(ctx context.Context, token string) ([]upload.Transition, error) {
	query := `
		SELECT upload_id, filename, from_state, to_state, fragments, error_message, created_at
		FROM session_events
		WHERE upload_id = $1
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	history := []upload.Transition{}
	for rows.Next() {
		var (
			t              upload.Transition
			filename, emsg sql.NullString
			from, to       string
		)
		if err := rows.Scan(&t.Token, &filename, &from, &to, &t.Fragments, &emsg, &t.At); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		t.Filename = filename.String
		t.Err = emsg.String
		t.From = upload.State(from)
		t.To = upload.State(to)
		history = append(history, t)
	}
	return history, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
