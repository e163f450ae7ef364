package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"autopilot/internal/db"
	"autopilot/internal/migrate"
)

// SQLiteStore keeps the key-value namespace in a local SQLite file. Each key
// carries a version counter, so Put is a true compare-and-set.
type SQLiteStore struct {
	DB  *sql.DB
	Now func() time.Time
}

// OpenSQLite opens (and migrates) the store database inside workspace.
func OpenSQLite(ctx context.Context, workspace string) (*SQLiteStore, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &SQLiteStore{DB: conn, Now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

func (s *SQLiteStore) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, error) {
	var value string
	var version int64
	err := s.DB.QueryRowContext(ctx, `SELECT value, version FROM kv WHERE key=?`, key).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return Entry{Key: key, Value: []byte(value), Revision: strconv.FormatInt(version, 10)}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, expected string) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := s.now()
	var next int64
	if expected == NoRevision {
		res, err := tx.ExecContext(ctx, `INSERT INTO kv(key, value, version, updated_at) VALUES (?,?,1,?) ON CONFLICT(key) DO NOTHING`,
			key, string(value), now)
		if err != nil {
			return "", fmt.Errorf("put %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", s.conflict(ctx, tx, key, expected)
		}
		next = 1
	} else {
		prev, err := strconv.ParseInt(expected, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid revision %q for %s", expected, key)
		}
		res, err := tx.ExecContext(ctx, `UPDATE kv SET value=?, version=version+1, updated_at=? WHERE key=? AND version=?`,
			string(value), now, key, prev)
		if err != nil {
			return "", fmt.Errorf("put %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", s.conflict(ctx, tx, key, expected)
		}
		next = prev + 1
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv_history(key, version, value, written_at) VALUES (?,?,?,?)`,
		key, next, string(value), now); err != nil {
		return "", fmt.Errorf("record history for %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return strconv.FormatInt(next, 10), nil
}

func (s *SQLiteStore) conflict(ctx context.Context, tx *sql.Tx, key, expected string) error {
	current := NoRevision
	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM kv WHERE key=?`, key).Scan(&version); err == nil {
		current = strconv.FormatInt(version, 10)
	}
	return &ConflictError{Key: key, ExpectedRevision: expected, CurrentRevision: current}
}

// Version is one historical write of a key.
type Version struct {
	Key       string `json:"key"`
	Version   int64  `json:"version"`
	Value     string `json:"value"`
	WrittenAt string `json:"written_at"`
}

// History returns the most recent writes of key, newest first.
func (s *SQLiteStore) History(ctx context.Context, key string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT key, version, value, written_at FROM kv_history WHERE key=? ORDER BY version DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Key, &v.Version, &v.Value, &v.WrittenAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
