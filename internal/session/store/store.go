// Package store persists local session lifecycle records in SQLite, so a
// restarted process can resume or archive its previous sessions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/happyagents/happy/internal/common/errors"
)

// Record is one session row.
type Record struct {
	ID         string `db:"id"`
	Tag        string `db:"tag"`
	WorkingDir string `db:"working_dir"`
	MachineID  string `db:"machine_id"`
	Lifecycle  string `db:"lifecycle"` // initializing, running, archived
	StartedBy  string `db:"started_by"` // daemon, terminal
	Role       string `db:"role"`
	TeamID     string `db:"team_id"`
	CreatedAt  int64  `db:"created_at"` // unix ms
	UpdatedAt  int64  `db:"updated_at"` // unix ms
}

// Store wraps the sessions table.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the session database at path and initializes the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		tag         TEXT NOT NULL,
		working_dir TEXT NOT NULL,
		machine_id  TEXT NOT NULL,
		lifecycle   TEXT NOT NULL,
		started_by  TEXT NOT NULL,
		role        TEXT NOT NULL DEFAULT '',
		team_id     TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_tag ON sessions(tag)`)
	return err
}

// Save inserts or replaces a session record.
func (s *Store) Save(ctx context.Context, r *Record) error {
	now := time.Now().UnixMilli()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `INSERT OR REPLACE INTO sessions
		(id, tag, working_dir, machine_id, lifecycle, started_by, role, team_id, created_at, updated_at)
		VALUES (:id, :tag, :working_dir, :machine_id, :lifecycle, :started_by, :role, :team_id, :created_at, :updated_at)`, r)
	if err != nil {
		return apperrors.InternalError("saving session record", err)
	}
	return nil
}

// Get returns a session by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var r Record
	err := s.db.GetContext(ctx, &r, `SELECT * FROM sessions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, apperrors.InternalError("reading session record", err)
	}
	return &r, nil
}

// SetLifecycle updates the lifecycle column.
func (s *Store) SetLifecycle(ctx context.Context, id, lifecycle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET lifecycle = ?, updated_at = ? WHERE id = ?`,
		lifecycle, time.Now().UnixMilli(), id)
	if err != nil {
		return apperrors.InternalError("updating session lifecycle", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// SetTeam updates the role and team columns after a metadata change.
func (s *Store) SetTeam(ctx context.Context, id, role, teamID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET role = ?, team_id = ?, updated_at = ? WHERE id = ?`,
		role, teamID, time.Now().UnixMilli(), id)
	if err != nil {
		return apperrors.InternalError("updating session team", err)
	}
	return nil
}

// ListActive returns sessions that are not archived, newest first.
func (s *Store) ListActive(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM sessions WHERE lifecycle != 'archived' ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperrors.InternalError("listing sessions", err)
	}
	return out, nil
}
