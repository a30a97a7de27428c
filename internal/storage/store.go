// Package storage persists the SDK's small key/value state: the visitor id,
// the durable event queue, the saved selection and the post-purchase deep link.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for missing and expired keys.
var ErrNotFound = errors.New("storage: key not found")

const (
	UserIDKey          = "w2w_uid"
	StartAppVersionKey = "w2w_start_app_version"
	EventsKey          = "w2w_events"
	SelectedBundleKey  = "w2w_selected_bundle"
	DeepLinkKey        = "w2w_deep_link"
)

const (
	UserTTL   = 2 * 365 * 24 * time.Hour
	EventsTTL = time.Minute
	// SelectionTTL is the default lifetime of the saved selection and deep link.
	SelectionTTL = 30 * 24 * time.Hour
)

// Store is a string key/value store with per-entry expiry. A ttl <= 0 keeps
// the entry until it is deleted.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Closer is implemented by drivers holding a connection or file lock.
type Closer interface {
	Close() error
}

// Open selects a driver by name. An empty driver means memory.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(dsn)
	case "bolt":
		return OpenBolt(dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("open storage: unknown driver %q", driver)
	}
}

// Close releases s when the driver holds resources.
func Close(s Store) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}

func expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

func expired(now time.Time, expiresAt int64) bool {
	return expiresAt > 0 && now.UnixMilli() >= expiresAt
}
