// Package demo provides local demo accounts that sign in without the
// identity service. Their identities are cache-origin, so a portal restores
// them from the credential cache on restart.
package demo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/services/session/domain"
)

// IDPrefix marks demo account user ids.
const IDPrefix = "demo-"

// Account is one demo login.
type Account struct {
	Email        string
	PasswordHash string
	Profile      domain.Profile
}

// Provider answers demo logins and delegates everything else to Fallback.
type Provider struct {
	accounts map[string]Account
	byID     map[string]Account
	fallback domain.IdentityProvider
}

// New builds a provider. fallback may be nil, in which case the provider
// reports a permanently signed-out change stream.
func New(accounts []Account, fallback domain.IdentityProvider) (*Provider, error) {
	p := &Provider{
		accounts: make(map[string]Account, len(accounts)),
		byID:     make(map[string]Account, len(accounts)),
		fallback: fallback,
	}
	for _, account := range accounts {
		email := strings.ToLower(strings.TrimSpace(account.Email))
		if email == "" || account.PasswordHash == "" {
			return nil, errors.New("demo account requires email and password hash")
		}
		if !strings.HasPrefix(account.Profile.UserID, IDPrefix) {
			return nil, fmt.Errorf("demo account %q user id must start with %q", email, IDPrefix)
		}
		if _, ok := p.accounts[email]; ok {
			return nil, fmt.Errorf("duplicate demo account %q", email)
		}
		account.Email = email
		p.accounts[email] = account
		p.byID[account.Profile.UserID] = account
	}
	return p, nil
}

// ParseAccounts builds accounts from "email:password:Display Name:role+role"
// entries. The display name and roles are optional.
func ParseAccounts(entries []string) ([]Account, error) {
	accounts := make([]Account, 0, len(entries))
	for i, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, ":", 4)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
			return nil, fmt.Errorf("demo account %d: want email:password[:name[:roles]]", i)
		}
		email := strings.ToLower(strings.TrimSpace(parts[0]))
		hash, err := bcrypt.GenerateFromPassword([]byte(parts[1]), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("demo account %q: hash password: %w", email, err)
		}
		profile := domain.Profile{
			UserID:      IDPrefix + strings.SplitN(email, "@", 2)[0],
			DisplayName: strings.SplitN(email, "@", 2)[0],
		}
		if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
			profile.DisplayName = strings.TrimSpace(parts[2])
		}
		if len(parts) > 3 {
			for _, role := range strings.Split(parts[3], "+") {
				if role = strings.TrimSpace(role); role != "" {
					profile.Roles = append(profile.Roles, role)
				}
			}
		}
		accounts = append(accounts, Account{Email: email, PasswordHash: string(hash), Profile: profile})
	}
	return accounts, nil
}

// SubscribeToIdentityChanges forwards to the fallback, or reports signed
// out when there is none.
func (p *Provider) SubscribeToIdentityChanges(cb func(domain.IdentityChange)) func() {
	if p.fallback != nil {
		return p.fallback.SubscribeToIdentityChanges(cb)
	}
	if cb != nil {
		cb(domain.IdentityChange{})
	}
	return func() {}
}

// SignIn checks demo credentials first. Unknown emails go to the fallback.
func (p *Provider) SignIn(ctx context.Context, email, password string) (domain.Identity, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	account, ok := p.accounts[key]
	if !ok {
		if p.fallback != nil {
			return p.fallback.SignIn(ctx, email, password)
		}
		return domain.Identity{}, apperrors.New(apperrors.CodeIdentityInvalidCredentials, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return domain.Identity{}, apperrors.Wrap(apperrors.CodeIdentityInvalidCredentials, "invalid credentials", err)
	}
	return domain.Identity{ID: account.Profile.UserID, Email: account.Email, Origin: domain.OriginCache}, nil
}

// FetchProfile serves demo profiles and delegates the rest.
func (p *Provider) FetchProfile(ctx context.Context, userID string) (domain.Profile, error) {
	if account, ok := p.byID[userID]; ok {
		profile := account.Profile
		profile.Roles = append([]string(nil), account.Profile.Roles...)
		return profile, nil
	}
	if p.fallback != nil {
		return p.fallback.FetchProfile(ctx, userID)
	}
	return domain.Profile{}, apperrors.New(apperrors.CodeNotFound, "profile not found")
}

// SignOut signs out of the fallback. Demo sessions hold no remote state.
func (p *Provider) SignOut(ctx context.Context) error {
	if p.fallback != nil {
		return p.fallback.SignOut(ctx)
	}
	return nil
}
