// Package localstore keeps bus channel snapshots in the client local store.
package localstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/louisbranch/commonroom/internal/platform/storage/localstore"
	"github.com/louisbranch/commonroom/internal/services/bus/storage"
)

// Store adapts the local store to the bus snapshot boundary.
type Store struct {
	local *localstore.Store
}

// New wraps an open local store.
func New(local *localstore.Store) *Store {
	return &Store{local: local}
}

// PutSnapshot replaces the snapshot of channel.
func (s *Store) PutSnapshot(ctx context.Context, channel string, payload json.RawMessage) error {
	return s.local.Put(ctx, storage.BucketChannels, channel, payload)
}

// GetSnapshot returns the snapshot of channel, if any.
func (s *Store) GetSnapshot(ctx context.Context, channel string) (json.RawMessage, bool, error) {
	value, err := s.local.Get(ctx, storage.BucketChannels, channel)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Channels lists every channel with a stored snapshot.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	return s.local.Keys(ctx, storage.BucketChannels)
}
