package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var errEmptyLabels = errors.New("labels must not be empty")

// store is the sqlite-backed LabelStore.
type store struct {
	db *sql.DB
	mu sync.Mutex
}

func openStore(path string) (*store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return nil, fmt.Errorf("failed to open db file %s for read/write: %w", path, err)
	}
	_ = f.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql open failed for %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if _, err := db.Exec(`PRAGMA journal_mode=DELETE;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS labels (
			filename TEXT PRIMARY KEY,
			labels TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create labels table failed for %s: %w", path, err)
	}
	return &store{db: db}, nil
}

func isRetryableSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "unable to open database file")
}

func withSQLiteRetry(op func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isRetryableSQLiteError(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) SaveLabels(ctx context.Context, filename string, tags []string) error {
	if len(tags) == 0 {
		return errEmptyLabels
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO labels (filename, labels, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(filename) DO UPDATE SET labels = excluded.labels, updated_at = excluded.updated_at
		`, filename, string(encoded), time.Now().UTC().Format(time.RFC3339))
		return err
	})
}

func (s *store) ListLabeledFilenames(ctx context.Context) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	err := withSQLiteRetry(func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT filename FROM labels`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			result[name] = struct{}{}
		}
		return rows.Err()
	})
	return result, err
}

// LabelsFor returns the stored tags for filename, or nil when none exist.
func (s *store) LabelsFor(ctx context.Context, filename string) ([]string, error) {
	var raw string
	err := withSQLiteRetry(func() error {
		return s.db.QueryRowContext(ctx, `SELECT labels FROM labels WHERE filename = ?`, filename).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("decode labels for %s: %w", filename, err)
	}
	return tags, nil
}
