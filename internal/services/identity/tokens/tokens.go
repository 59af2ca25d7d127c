// Package tokens issues and validates identity access tokens.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/platform/id"
)

const (
	// DefaultTTL is the access token lifetime when none is configured.
	DefaultTTL = 12 * time.Hour

	minSecretBytes = 32
)

// RevocationList tracks signed-out token ids.
type RevocationList interface {
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Claims are the validated contents of an access token.
type Claims struct {
	TokenID   string
	UserID    string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type accessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Config configures an Issuer.
type Config struct {
	Secret      string
	Issuer      string
	TTL         time.Duration
	Revocations RevocationList
	Now         func() time.Time
	IDGenerator func() (string, error)
}

// Issuer signs HS256 access tokens.
type Issuer struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	revocations RevocationList
	now         func() time.Time
	newID       func() (string, error)
}

// NewIssuer validates cfg and builds an issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretBytes)
	}
	if cfg.Revocations == nil {
		return nil, errors.New("revocation list is required")
	}
	issuer := &Issuer{
		secret:      []byte(secret),
		issuer:      strings.TrimSpace(cfg.Issuer),
		ttl:         cfg.TTL,
		revocations: cfg.Revocations,
		now:         cfg.Now,
		newID:       cfg.IDGenerator,
	}
	if issuer.issuer == "" {
		issuer.issuer = "commonroom-identity"
	}
	if issuer.ttl <= 0 {
		issuer.ttl = DefaultTTL
	}
	if issuer.now == nil {
		issuer.now = time.Now
	}
	if issuer.newID == nil {
		issuer.newID = id.Generator(id.PrefixToken)
	}
	return issuer, nil
}

// TTL reports the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token for userID.
func (i *Issuer) Issue(userID, email string) (string, Claims, error) {
	if strings.TrimSpace(userID) == "" {
		return "", Claims{}, errors.New("user id is required")
	}
	tokenID, err := i.newID()
	if err != nil {
		return "", Claims{}, fmt.Errorf("generate token id: %w", err)
	}
	issuedAt := i.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: email,
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, Claims{
		TokenID:   tokenID,
		UserID:    userID,
		Email:     email,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate verifies signature, issuer, expiry, and revocation.
func (i *Issuer) Validate(ctx context.Context, raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, apperrors.New(apperrors.CodeIdentityTokenInvalid, "access token is required")
	}

	var parsed accessClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if parsed.ID == "" || parsed.Subject == "" {
		return Claims{}, apperrors.New(apperrors.CodeIdentityTokenInvalid, "access token is missing jti or sub")
	}

	revoked, err := i.revocations.IsTokenRevoked(ctx, parsed.ID)
	if err != nil {
		return Claims{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Claims{}, apperrors.New(apperrors.CodeIdentityTokenRevoked, "access token was revoked")
	}

	claims := Claims{
		TokenID:   parsed.ID,
		UserID:    parsed.Subject,
		Email:     parsed.Email,
		ExpiresAt: parsed.ExpiresAt.Time.UTC(),
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// Revoke validates raw and adds its id to the revocation list.
func (i *Issuer) Revoke(ctx context.Context, raw string) (Claims, error) {
	claims, err := i.Validate(ctx, raw)
	if err != nil {
		return Claims{}, err
	}
	if err := i.revocations.RevokeToken(ctx, claims.TokenID, claims.ExpiresAt); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeIdentityTokenInvalid, "access token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeIdentityTokenInvalid, "access token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.Wrap(apperrors.CodeIdentityTokenInvalid, "access token alg is invalid", err)
	default:
		return apperrors.Wrap(apperrors.CodeIdentityTokenInvalid, "access token is malformed", err)
	}
}
