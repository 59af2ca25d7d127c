// Package sqlite implements identity persistence over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/commonroom/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/commonroom/internal/services/identity/storage"
	"github.com/louisbranch/commonroom/internal/services/identity/storage/sqlite/migrations"
	"github.com/louisbranch/commonroom/internal/services/identity/user"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements identity persistence over SQLite. Users, profiles, and
// revoked token ids share one database file.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an identity SQLite store and applies bundled migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := sqlitemigrate.Open(ctx, path, migrations.FS, "")
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutUser persists a user and its profile atomically.
func (s *Store) PutUser(ctx context.Context, u user.User, p user.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("email is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email = excluded.email, password_hash = excluded.password_hash`,
		u.ID, u.Email, u.PasswordHash, toMillis(u.CreatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrEmailTaken
		}
		return fmt.Errorf("put user: %w", err)
	}
	p.UserID = u.ID
	if err := putProfile(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user: %w", err)
	}
	return nil
}

// GetUserByEmail returns the user with the normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	var (
		u         user.User
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, storage.ErrNotFound
	}
	if err != nil {
		return user.User{}, fmt.Errorf("get user by email: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return u, nil
}

// GetProfile returns the profile of userID.
func (s *Store) GetProfile(ctx context.Context, userID string) (user.Profile, error) {
	if err := ctx.Err(); err != nil {
		return user.Profile{}, err
	}
	var (
		p         user.Profile
		rolesJSON string
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT user_id, display_name, roles_json, avatar_url, updated_at FROM profiles WHERE user_id = ?`,
		userID,
	).Scan(&p.UserID, &p.DisplayName, &rolesJSON, &p.AvatarURL, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return user.Profile{}, storage.ErrNotFound
	}
	if err != nil {
		return user.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if err := json.Unmarshal([]byte(rolesJSON), &p.Roles); err != nil {
		return user.Profile{}, fmt.Errorf("decode profile roles: %w", err)
	}
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

// PutProfile replaces the profile of an existing user.
func (s *Store) PutProfile(ctx context.Context, p user.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	return putProfile(ctx, s.sqlDB, p)
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putProfile(ctx context.Context, exec execContexter, p user.Profile) error {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("encode profile roles: %w", err)
	}
	if _, err := exec.ExecContext(ctx,
		`INSERT INTO profiles (user_id, display_name, roles_json, avatar_url, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   roles_json = excluded.roles_json,
		   avatar_url = excluded.avatar_url,
		   updated_at = excluded.updated_at`,
		p.UserID, p.DisplayName, string(rolesJSON), p.AvatarURL, toMillis(p.UpdatedAt),
	); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "foreign key") {
			return storage.ErrNotFound
		}
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

// RevokeToken records a token id as revoked until expiresAt.
func (s *Store) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if strings.TrimSpace(tokenID) == "" {
		return fmt.Errorf("token id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_id, expires_at) VALUES (?, ?)
		 ON CONFLICT(token_id) DO NOTHING`,
		tokenID, toMillis(expiresAt),
	); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether tokenID was revoked.
func (s *Store) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var one int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM revoked_tokens WHERE token_id = ?`, tokenID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return true, nil
}

// PruneRevokedTokens deletes revocations whose tokens expired before now.
func (s *Store) PruneRevokedTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at < ?`, toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("prune revoked tokens: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned tokens: %w", err)
	}
	return count, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
