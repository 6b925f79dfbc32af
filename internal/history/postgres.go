package history

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

const ddlTranscript = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  UUID         NOT NULL,
    role        TEXT         NOT NULL CHECK (role IN ('user', 'assistant')),
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_created
    ON transcript_entries (session_id, created_at);
`

// PostgresStore writes the transcript to a transcript_entries table. Each
// store instance is one session, identified by a random UUID.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool      *pgxpool.Pool
	sessionID uuid.UUID
}

// NewPostgresStore connects to dsn, runs [MigratePostgres] and starts a new
// session.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, sessionID: uuid.New()}, nil
}

// MigratePostgres creates the transcript table if it does not exist.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscript); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// SessionID returns the id stamped on every row written by this store.
func (s *PostgresStore) SessionID() string { return s.sessionID.String() }

// Record implements [Store].
func (s *PostgresStore) Record(ctx context.Context, role, content string) error {
	if !ValidRole(role) {
		return ErrInvalidRole
	}
	const q = `INSERT INTO transcript_entries (session_id, role, content) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, s.sessionID, role, content); err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent implements [Store]. Only entries of the current session are
// returned.
func (s *PostgresStore) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	const q = `
		SELECT session_id, role, content, created_at
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY created_at DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, s.sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e  Entry
			id uuid.UUID
		)
		if err := row.Scan(&id, &e.Role, &e.Content, &e.At); err != nil {
			return Entry{}, err
		}
		e.SessionID = id.String()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	slices.Reverse(entries)
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
