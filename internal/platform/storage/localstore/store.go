// Package localstore is the client-side durable key/value store. Values are
// JSON documents grouped into named buckets.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/commonroom/internal/platform/storage/localstore/migrations"
	"github.com/louisbranch/commonroom/internal/platform/storage/sqlitemigrate"
)

// ErrNotFound indicates no value is stored under the bucket and key.
var ErrNotFound = errors.New("local entry not found")

// Store provides SQLite-backed persistence for client-side state.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens the local store at path and applies its schema.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := sqlitemigrate.Open(ctx, path, migrations.FS, "")
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Get returns the raw JSON value stored under bucket and key.
func (s *Store) Get(ctx context.Context, bucket, key string) (json.RawMessage, error) {
	if err := s.check(bucket, key); err != nil {
		return nil, err
	}
	var value string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value_json FROM entries WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get local entry %s/%s: %w", bucket, key, err)
	}
	return json.RawMessage(value), nil
}

// Put replaces the value stored under bucket and key. The value must be
// valid JSON.
func (s *Store) Put(ctx context.Context, bucket, key string, value json.RawMessage) error {
	if err := s.check(bucket, key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("put local entry %s/%s: value is not valid json", bucket, key)
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO entries (bucket, key, value_json, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(bucket, key) DO UPDATE SET
    value_json = excluded.value_json,
    updated_at = excluded.updated_at`,
		bucket, key, string(value), s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put local entry %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes the value under bucket and key. Missing entries are not an error.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := s.check(bucket, key); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("delete local entry %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Keys lists the keys stored in bucket in ascending order.
func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	if err := s.check(bucket, "-"); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT key FROM entries WHERE bucket = ? ORDER BY key`, bucket)
	if err != nil {
		return nil, fmt.Errorf("list local keys %s: %w", bucket, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan local key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate local keys %s: %w", bucket, err)
	}
	return keys, nil
}

func (s *Store) check(bucket, key string) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("local store is not configured")
	}
	if strings.TrimSpace(bucket) == "" {
		return fmt.Errorf("bucket is required")
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}
