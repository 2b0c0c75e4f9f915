// Package state persists the agent runtime's local, host-resident state —
// the EULA acceptance flag and the bounded local execution queue's
// bookkeeping — in a small SQLite database via the pure-Go driver, so the
// agent binary carries no cgo dependency.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the agent's local persistent state.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) and opens the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("agent/state: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time is simplest and enough here

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("agent/state: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS eula (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	accepted_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS local_queue (
	task_id INTEGER PRIMARY KEY,
	state TEXT NOT NULL,
	enqueued_at TEXT NOT NULL
);
`

// EULAAccepted reports whether this device has ever recorded acceptance.
// Until it returns true, the runtime must not perform any network I/O
// (spec §4.5) — including the register and heartbeat calls.
func (s *Store) EULAAccepted(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM eula WHERE id = 1`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("agent/state: check eula: %w", err)
	}
	return count > 0, nil
}

// AcceptEULA records acceptance, idempotently.
func (s *Store) AcceptEULA(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO eula (id, accepted_at) VALUES (1, ?) ON CONFLICT(id) DO NOTHING`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("agent/state: accept eula: %w", err)
	}
	return nil
}

// QueueDepth reports how many tasks are currently tracked in the local
// bounded queue, so the runtime knows when it has room to request more.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM local_queue WHERE state IN ('queued','running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("agent/state: queue depth: %w", err)
	}
	return n, nil
}

func (s *Store) TrackTask(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO local_queue (task_id, state, enqueued_at) VALUES (?, 'queued', ?)
		 ON CONFLICT(task_id) DO UPDATE SET state = 'queued'`,
		taskID, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *Store) MarkRunning(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE local_queue SET state = 'running' WHERE task_id = ?`, taskID)
	return err
}

func (s *Store) Untrack(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM local_queue WHERE task_id = ?`, taskID)
	return err
}
