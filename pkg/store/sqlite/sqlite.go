// Package sqlite implements store.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/sandboxd/pkg/model"
	"github.com/jxucoder/sandboxd/pkg/store"
)

// Store is a SQLite-backed audit ledger.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sandboxes (
			id              TEXT PRIMARY KEY,
			repo            TEXT NOT NULL DEFAULT '',
			tunnel_url      TEXT NOT NULL DEFAULT '',
			branch          TEXT NOT NULL DEFAULT '',
			state           TEXT NOT NULL,
			error           TEXT NOT NULL DEFAULT '',
			source_snapshot TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			id                TEXT PRIMARY KEY,
			source_sandbox_id TEXT NOT NULL,
			created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_source
			ON snapshots(source_sandbox_id);

		CREATE TABLE IF NOT EXISTS sandbox_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			sandbox_id TEXT NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			to_state   TEXT NOT NULL,
			op         TEXT NOT NULL DEFAULT '',
			op_id      TEXT NOT NULL DEFAULT '',
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_sandbox_id
			ON sandbox_events(sandbox_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutSandbox inserts or replaces a sandbox record.
func (s *Store) PutSandbox(ctx context.Context, sb *model.Sandbox) error {
	if sb.UpdatedAt.IsZero() {
		sb.UpdatedAt = time.Now().UTC()
	}
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = sb.UpdatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (id, repo, tunnel_url, branch, state, error, source_snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			repo = excluded.repo, tunnel_url = excluded.tunnel_url, branch = excluded.branch,
			state = excluded.state, error = excluded.error,
			source_snapshot = excluded.source_snapshot, updated_at = excluded.updated_at`,
		sb.ID, sb.Repo, sb.TunnelURL, sb.Branch, sb.State, sb.Error, sb.SourceSnapshot,
		sb.CreatedAt, sb.UpdatedAt,
	)
	return err
}

// GetSandbox retrieves a sandbox by ID.
func (s *Store) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, repo, tunnel_url, branch, state, error, source_snapshot, created_at, updated_at
		 FROM sandboxes WHERE id = ?`, id,
	)
	sb, err := scanSandbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sandbox %s: %w", id, store.ErrNotFound)
	}
	return sb, err
}

// ListSandboxes returns all sandboxes, newest first.
func (s *Store) ListSandboxes(ctx context.Context) ([]*model.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repo, tunnel_url, branch, state, error, source_snapshot, created_at, updated_at
		 FROM sandboxes ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// SetState updates the state and last error of a sandbox.
func (s *Store) SetState(ctx context.Context, id string, state model.State, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		state, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sandbox %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// AddSnapshot records a captured snapshot.
func (s *Store) AddSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, source_sandbox_id, created_at) VALUES (?, ?, ?)`,
		snap.ID, snap.SourceSandboxID, snap.CreatedAt,
	)
	return err
}

// GetSnapshot retrieves a snapshot by ID.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	snap := &model.Snapshot{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_sandbox_id, created_at FROM snapshots WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.SourceSandboxID, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSnapshots returns the snapshots captured from sandboxID, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, sandboxID string) ([]*model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_sandbox_id, created_at FROM snapshots
		 WHERE source_sandbox_id = ? ORDER BY created_at ASC, id ASC`, sandboxID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Snapshot
	for rows.Next() {
		snap := &model.Snapshot{}
		if err := rows.Scan(&snap.ID, &snap.SourceSandboxID, &snap.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(ctx context.Context, ev *model.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sandbox_events (sandbox_id, from_state, to_state, op, op_id, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SandboxID, ev.From, ev.To, ev.Op, ev.OpID, ev.Data, ev.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	ev.ID = id
	return nil
}

// GetEvents returns events for a sandbox after the given event ID.
func (s *Store) GetEvents(ctx context.Context, sandboxID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sandbox_id, from_state, to_state, op, op_id, data, created_at
		 FROM sandbox_events
		 WHERE sandbox_id = ? AND id > ?
		 ORDER BY id ASC`,
		sandboxID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.SandboxID, &e.From, &e.To, &e.Op, &e.OpID, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSandbox(row scannable) (*model.Sandbox, error) {
	sb := &model.Sandbox{}
	err := row.Scan(
		&sb.ID, &sb.Repo, &sb.TunnelURL, &sb.Branch, &sb.State, &sb.Error,
		&sb.SourceSnapshot, &sb.CreatedAt, &sb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sb, nil
}

var _ store.Store = (*Store)(nil)
