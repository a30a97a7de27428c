package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"example.com/paywall-go/internal/sqliteutil"
)

// SQLite keeps entries in a single kv_entries table.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens the database file at path and creates the table.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sqliteutil.Open(path)
	if err != nil {
		return nil, err
	}
	s := NewSQLite(db)
	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an already opened database. Call Init before use.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) Init(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS kv_entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply storage schema: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var (
		value     string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_entries WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get entry %q: %w", key, err)
	}
	if expired(s.now(), expiresAt) {
		_ = s.Delete(ctx, key)
		return "", ErrNotFound
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiry(s.now(), ttl))
	if err != nil {
		return fmt.Errorf("set entry %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete entry %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
