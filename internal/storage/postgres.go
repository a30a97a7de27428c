package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Postgres keeps entries in a kv_entries table, for hosts that share state
// between several SDK processes.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects a pool using a postgres:// connection string and
// creates the table.
func OpenPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	pool, err := pgxpool.Connect(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS kv_entries (
		key VARCHAR(128) PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0
	)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create kv_entries table: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	var (
		value     string
		expiresAt int64
	)
	err := p.pool.QueryRow(ctx, `SELECT value, expires_at FROM kv_entries WHERE key = $1`, key).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get entry %q: %w", key, err)
	}
	if expired(p.now(), expiresAt) {
		_ = p.Delete(ctx, key)
		return "", ErrNotFound
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, expiry(p.now(), ttl))
	if err != nil {
		return fmt.Errorf("set entry %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete entry %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
