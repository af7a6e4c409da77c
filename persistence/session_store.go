// Package persistence keeps the history of development sessions.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SessionStatus is the lifecycle of a recorded dev session.
type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusStopped SessionStatus = "stopped"
	StatusFailed  SessionStatus = "failed"
)

// ErrSessionNotFound is returned when no session has the requested ID.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is one row of dev session history.
type SessionRecord struct {
	ID        string
	Workspace string
	Host      string
	Port      int
	PublicURL string
	Status    SessionStatus
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration reports how long the session ran, or has been running.
func (r SessionRecord) Duration(now time.Time) time.Duration {
	end := r.EndedAt
	if end.IsZero() {
		end = now
	}
	if end.Before(r.StartedAt) {
		return 0
	}
	return end.Sub(r.StartedAt)
}

// SQLiteSessionStore persists session history in a SQLite database.
type SQLiteSessionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteSessionStore opens/creates the database at dbPath.
func NewSQLiteSessionStore(dbPath string) (*SQLiteSessionStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	store := &SQLiteSessionStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteSessionStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace TEXT NOT NULL,
		host TEXT,
		port INTEGER,
		public_url TEXT,
		status TEXT NOT NULL,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteSessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin records a new running session and returns its ID.
func (s *SQLiteSessionStore) Begin(ctx context.Context, record SessionRecord) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = s.now()
	}
	if record.Status == "" {
		record.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sessions (id, workspace, host, port, public_url, status, error, started_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Workspace,
		record.Host,
		record.Port,
		record.PublicURL,
		string(record.Status),
		record.Error,
		record.StartedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("record session: %w", err)
	}
	return record.ID, nil
}

// Finish stamps the end of a session with its final status.
func (s *SQLiteSessionStore) Finish(ctx context.Context, id string, status SessionStatus, sessionErr error) error {
	msg := ""
	if sessionErr != nil {
		msg = sessionErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, error = ?, ended_at = ? WHERE id = ?`,
		string(status), msg, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Get returns one session by ID.
func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, workspace, host, port, public_url, status, error,
		started_at, ended_at FROM sessions WHERE id = ?`, id)
	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return record, err
}

// List returns the most recent sessions first. A non-positive limit returns
// every session.
func (s *SQLiteSessionStore) List(ctx context.Context, limit int) ([]*SessionRecord, error) {
	query := `SELECT id, workspace, host, port, public_url, status, error,
		started_at, ended_at FROM sessions ORDER BY started_at DESC, id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := make([]*SessionRecord, 0)
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		record    SessionRecord
		status    string
		host      sql.NullString
		publicURL sql.NullString
		errMsg    sql.NullString
		port      sql.NullInt64
		endedAt   sql.NullTime
	)
	err := row.Scan(
		&record.ID,
		&record.Workspace,
		&host,
		&port,
		&publicURL,
		&status,
		&errMsg,
		&record.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Host = host.String
	record.Port = int(port.Int64)
	record.PublicURL = publicURL.String
	record.Status = SessionStatus(status)
	record.Error = errMsg.String
	if endedAt.Valid {
		record.EndedAt = endedAt.Time
	}
	return &record, nil
}
