package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/bldx/internal/task"
)

// Store is a SQLite-backed persistence layer for archived tasks and the
// per-project file hash index.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection avoids SQLITE_BUSY between the cleanup loop and requests.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Archive records a terminal task snapshot. It satisfies task.Archiver.
func (s *Store) Archive(snap task.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO task_history
		(id, status, executable, work_dir, started_at, finished_at, exit_code, reason, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, string(snap.Status), snap.Command.Executable, snap.Command.WorkDir,
		snap.StartedAt.UnixNano(), snap.FinishedAt.UnixNano(), snap.ExitCode, snap.Reason, string(data))
	if err != nil {
		return fmt.Errorf("archive task %s: %w", snap.ID, err)
	}
	return nil
}

// History returns archived snapshots, most recently finished first.
func (s *Store) History(ctx context.Context, limit int) ([]task.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM task_history ORDER BY finished_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []task.Snapshot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var snap task.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("decode archived snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LoadHashes returns the last recorded path -> hash map for project.
func (s *Store) LoadHashes(project string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT path, hash FROM file_hashes WHERE project = ?`, project)
	if err != nil {
		return nil, fmt.Errorf("query file hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, err
		}
		out[path] = hash
	}
	return out, rows.Err()
}

// SaveHashes replaces the index for project with files.
func (s *Store) SaveHashes(project string, files map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM file_hashes WHERE project = ?`, project); err != nil {
		return fmt.Errorf("clear file hashes: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO file_hashes (project, path, hash, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for path, hash := range files {
		if _, err := stmt.Exec(project, path, hash, now); err != nil {
			return fmt.Errorf("save file hash %s: %w", path, err)
		}
	}
	return tx.Commit()
}
