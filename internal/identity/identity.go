// Package identity owns the anonymous visitor id and the attribution data
// collected from the host page.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"example.com/paywall-go/internal/storage"
)

// Provider reads and lazily creates the persisted visitor id.
type Provider struct {
	store   storage.Store
	version string
	salt    string
	newID   func() string
	logger  *slog.Logger
}

// NewProvider returns a Provider persisting to store. version is recorded as
// the start app version the first time an id is created.
func NewProvider(store storage.Store, version, salt string, logger *slog.Logger) *Provider {
	return &Provider{
		store:   store,
		version: version,
		salt:    salt,
		newID:   uuid.NewString,
		logger:  logger.With("component", "identity"),
	}
}

// Ensure returns the persisted user id, creating one on first use.
func (p *Provider) Ensure(ctx context.Context) (string, error) {
	id, err := p.store.Get(ctx, storage.UserIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("read user id: %w", err)
	}

	id = p.newID()
	if err := p.store.Set(ctx, storage.UserIDKey, id, storage.UserTTL); err != nil {
		return "", fmt.Errorf("persist user id: %w", err)
	}
	if _, err := p.store.Get(ctx, storage.StartAppVersionKey); errors.Is(err, storage.ErrNotFound) {
		if err := p.store.Set(ctx, storage.StartAppVersionKey, p.version, storage.UserTTL); err != nil {
			return "", fmt.Errorf("persist start app version: %w", err)
		}
	}
	p.logger.Debug("created user id", "user_id", id)
	return id, nil
}

// UserID returns the persisted id without creating one.
func (p *Provider) UserID(ctx context.Context) (string, bool) {
	id, err := p.store.Get(ctx, storage.UserIDKey)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// StartAppVersion is the website version seen when the id was first created.
func (p *Provider) StartAppVersion(ctx context.Context) string {
	v, err := p.store.Get(ctx, storage.StartAppVersionKey)
	if err != nil {
		return p.version
	}
	return v
}

// Hash returns the hex SHA-256 of the salted id.
func (p *Provider) Hash(id string) string {
	sum := sha256.Sum256([]byte(p.salt + id))
	return hex.EncodeToString(sum[:])
}

// Reset forgets the visitor. The next Ensure creates a new id.
func (p *Provider) Reset(ctx context.Context) error {
	for _, key := range []string{storage.UserIDKey, storage.StartAppVersionKey} {
		if err := p.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("reset identity: %w", err)
		}
	}
	return nil
}
