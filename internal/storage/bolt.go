package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const boltBucket = "kv"

type boltEntry struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// Bolt stores entries as JSON documents in a single bucket of a BoltDB file.
// The CLI uses it so state survives between invocations.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the database at path and ensures the bucket exists.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}
	return &Bolt{db: db, now: time.Now}, nil
}

func (b *Bolt) Get(_ context.Context, key string) (string, error) {
	var e boltEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(boltBucket)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return "", err
	}
	if expired(b.now(), e.ExpiresAt) {
		_ = b.Delete(context.Background(), key)
		return "", ErrNotFound
	}
	return e.Value, nil
}

func (b *Bolt) Set(_ context.Context, key, value string, ttl time.Duration) error {
	data, err := json.Marshal(boltEntry{Value: value, ExpiresAt: expiry(b.now(), ttl)})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), data)
	})
}

// Delete is a no-op for missing keys.
func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
}

// Close releases the database file lock.
func (b *Bolt) Close() error {
	return b.db.Close()
}
