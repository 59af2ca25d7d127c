// Package user defines identity service accounts and their profiles.
package user

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/platform/id"
)

// User is an account that can sign in.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Profile is the public record attached to a user.
type Profile struct {
	UserID      string
	DisplayName string
	Roles       []string
	AvatarURL   string
	UpdatedAt   time.Time
}

// CreateUserInput describes a new account.
type CreateUserInput struct {
	Email       string
	Password    string
	DisplayName string
	Roles       []string
}

// CreateUser validates input and returns a user with a hashed password and
// its initial profile.
func CreateUser(input CreateUserInput, now func() time.Time, idGenerator func() (string, error)) (User, Profile, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.Generator(id.PrefixUser)
	}

	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return User{}, Profile{}, err
	}
	if input.Password == "" {
		return User{}, Profile{}, apperrors.New(apperrors.CodeIdentityPasswordRequired, "password is required")
	}
	hash, err := HashPassword(input.Password)
	if err != nil {
		return User{}, Profile{}, err
	}
	userID, err := idGenerator()
	if err != nil {
		return User{}, Profile{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}
	return User{
			ID:           userID,
			Email:        email,
			PasswordHash: hash,
			CreatedAt:    createdAt,
		}, Profile{
			UserID:      userID,
			DisplayName: displayName,
			Roles:       append([]string(nil), input.Roles...),
			UpdatedAt:   createdAt,
		}, nil
}

// NormalizeEmail trims, lowercases, and validates an address.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", apperrors.New(apperrors.CodeIdentityEmailRequired, "email is required")
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return "", apperrors.WithMetadata(apperrors.CodeIdentityEmailRequired, "email is invalid", map[string]string{"Email": email})
	}
	return email, nil
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash. Mismatches return
// an invalid-credentials error.
func CheckPassword(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return apperrors.New(apperrors.CodeIdentityInvalidCredentials, "invalid credentials")
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeIdentityInvalidCredentials, "invalid credentials", err)
	}
	return nil
}
