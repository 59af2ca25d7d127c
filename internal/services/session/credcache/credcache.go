// Package credcache persists the cache-origin session credential in the
// client local store.
package credcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/platform/storage/localstore"
	"github.com/louisbranch/commonroom/internal/services/session/domain"
)

const (
	// Bucket groups credential rows in the local store.
	Bucket = "credentials"
	// Key is the single credential row.
	Key = "commonroom.auth.credential"
)

// ErrMalformedEntry reports a stored credential that cannot be restored.
var ErrMalformedEntry = domain.ErrMalformedCredential

// Cache implements domain.CredentialCache.
type Cache struct {
	local *localstore.Store
}

// New wraps an open local store.
func New(local *localstore.Store) *Cache {
	return &Cache{local: local}
}

// Read returns the stored credential. Corrupt entries, entries without an
// identity id or email, and entries without a profile return
// ErrMalformedEntry.
func (c *Cache) Read(ctx context.Context) (domain.CredentialEntry, bool, error) {
	raw, err := c.local.Get(ctx, Bucket, Key)
	if errors.Is(err, localstore.ErrNotFound) {
		return domain.CredentialEntry{}, false, nil
	}
	if err != nil {
		return domain.CredentialEntry{}, false, fmt.Errorf("read credential: %w", err)
	}

	var entry domain.CredentialEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.CredentialEntry{}, false, apperrors.Wrap(apperrors.CodeSessionMalformedCache, "decode credential", err)
	}
	if strings.TrimSpace(entry.Identity.ID) == "" || strings.TrimSpace(entry.Identity.Email) == "" {
		return domain.CredentialEntry{}, false, apperrors.New(apperrors.CodeSessionMalformedCache, "credential identity is incomplete")
	}
	if entry.Profile == nil {
		return domain.CredentialEntry{}, false, apperrors.New(apperrors.CodeSessionMalformedCache, "credential profile is missing")
	}
	entry.Identity.Origin = domain.OriginCache
	return entry, true, nil
}

// Write replaces the stored credential.
func (c *Cache) Write(ctx context.Context, entry domain.CredentialEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := c.local.Put(ctx, Bucket, Key, raw); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// Remove deletes the stored credential. Removing a missing entry succeeds.
func (c *Cache) Remove(ctx context.Context) error {
	if err := c.local.Delete(ctx, Bucket, Key); err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}
