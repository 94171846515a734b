// Package db persists the tracked project set in an embedded SQLite database.
//
// The database is a plain state file, not a query cache: the store is the
// source of truth while the process runs, and the database is what the next
// process starts from.
//
// Architecture:
//   - Database file: <state dir>/state.db
//   - WAL mode: the CLI can read while the daemon writes
//   - Schema: projects (ordered, one JSON document per project), meta
//     (active project id), refresh_history (outcome of recent refreshes)
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/store"
)

// FileName is the database file name inside the state directory.
const FileName = "state.db"

const metaActiveProject = "active_project_id"

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path and makes
// sure the schema exists. Use ":memory:" for a throwaway database.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open(filepath.Join(stateDir, db.FileName))
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if memory {
		// Every pooled connection would get its own empty database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(4)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if !memory {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != ":memory:" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchemaContext creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		path TEXT NOT NULL UNIQUE,
		data TEXT NOT NULL,  -- JSON project snapshot
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS refresh_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		at TEXT NOT NULL,
		ok INTEGER NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_projects_position ON projects(position);
	CREATE INDEX IF NOT EXISTS idx_refresh_history_project
	    ON refresh_history(project_id, at);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the persisted state with snap in one transaction.
func (db *DB) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM projects"); err != nil {
		return fmt.Errorf("failed to clear projects: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	insert := `INSERT INTO projects (id, position, path, data, updated_at) VALUES (?, ?, ?, ?, ?)`
	for i, p := range snap.Projects {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal project %s: %w", p.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insert, p.ID, i, p.Path, string(data), now); err != nil {
			return fmt.Errorf("failed to save project %s: %w", p.ID, err)
		}
	}

	upsertMeta := `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := tx.ExecContext(ctx, upsertMeta, metaActiveProject, snap.ActiveID); err != nil {
		return fmt.Errorf("failed to save active project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSnapshot reads the persisted state, ordered by position. A fresh
// database yields an empty snapshot.
func (db *DB) LoadSnapshot(ctx context.Context) (store.Snapshot, error) {
	var snap store.Snapshot

	rows, err := db.conn.QueryContext(ctx, `SELECT id, data FROM projects ORDER BY position`)
	if err != nil {
		return snap, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return snap, fmt.Errorf("failed to scan project: %w", err)
		}
		var p schema.Project
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return snap, fmt.Errorf("failed to decode project %s: %w", id, err)
		}
		snap.Projects = append(snap.Projects, &p)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("error iterating projects: %w", err)
	}

	err = db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaActiveProject).
		Scan(&snap.ActiveID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("failed to read active project: %w", err)
	}

	return snap, nil
}

// ProjectCount returns the number of persisted projects.
func (db *DB) ProjectCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count projects: %w", err)
	}
	return count, nil
}

// RefreshRecord is one row of refresh history.
type RefreshRecord struct {
	ProjectID string    `json:"projectId"`
	At        time.Time `json:"at"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
}

// RecordRefresh appends a refresh outcome. A nil refreshErr records success.
func (db *DB) RecordRefresh(ctx context.Context, projectID string, at time.Time, refreshErr error) error {
	var msg sql.NullString
	if refreshErr != nil {
		msg = sql.NullString{String: refreshErr.Error(), Valid: true}
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO refresh_history (project_id, at, ok, error) VALUES (?, ?, ?, ?)`,
		projectID, at.UTC().Format(time.RFC3339Nano), refreshErr == nil, msg)
	if err != nil {
		return fmt.Errorf("failed to record refresh for %s: %w", projectID, err)
	}
	return nil
}

// RefreshHistory returns the most recent refresh outcomes, newest first.
// An empty projectID returns history for every project.
func (db *DB) RefreshHistory(ctx context.Context, projectID string, limit int) ([]RefreshRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT project_id, at, ok, error FROM refresh_history`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh history: %w", err)
	}
	defer rows.Close()

	var out []RefreshRecord
	for rows.Next() {
		var (
			r      RefreshRecord
			at     string
			errMsg sql.NullString
		)
		if err := rows.Scan(&r.ProjectID, &at, &r.OK, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan refresh record: %w", err)
		}
		if r.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("failed to parse refresh time %q: %w", at, err)
		}
		r.Error = errMsg.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating refresh history: %w", err)
	}
	return out, nil
}

// PruneHistory keeps only the newest keep records per project.
func (db *DB) PruneHistory(ctx context.Context, keep int) error {
	query := `
	DELETE FROM refresh_history WHERE id IN (
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY project_id ORDER BY at DESC, id DESC) AS rn
			FROM refresh_history
		) WHERE rn > ?
	)
	`
	if _, err := db.conn.ExecContext(ctx, query, keep); err != nil {
		return fmt.Errorf("failed to prune refresh history: %w", err)
	}
	return nil
}
