// Package domain resolves the signed-in user of a portal process and keeps
// the observable session consistent across cache hits, identity provider
// updates, timeouts, login, and logout.
package domain

import (
	"context"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
)

// Origin records where an identity came from.
type Origin string

const (
	// OriginProvider identities come from the live identity service.
	OriginProvider Origin = "provider"
	// OriginCache identities are local pseudo-identities, such as demo
	// accounts, that are restored from the credential cache.
	OriginCache Origin = "cache"
)

// Identity is an authenticated principal.
type Identity struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Origin Origin `json:"-"`
}

// Profile is the user record attached to an identity.
type Profile struct {
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles,omitempty"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
}

// Session is the observable resolution result. Profile is nil whenever
// Identity is nil, and IsAuthenticated implies both are set.
type Session struct {
	Identity        *Identity
	Profile         *Profile
	IsAuthenticated bool
	IsLoading       bool
}

func (s Session) clone() Session {
	out := s
	if s.Identity != nil {
		identity := *s.Identity
		out.Identity = &identity
	}
	if s.Profile != nil {
		profile := *s.Profile
		profile.Roles = append([]string(nil), s.Profile.Roles...)
		out.Profile = &profile
	}
	return out
}

// State is the coordinator's resolution state.
type State int

const (
	StateUninitialized State = iota
	StateResolving
	// StateResolvingIdle means the loading indicator was stopped by the
	// identity fallback timer while the provider has not answered yet.
	StateResolvingIdle
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResolving:
		return "resolving"
	case StateResolvingIdle:
		return "resolving_idle"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// CredentialEntry is the persisted form of a cache-origin session.
type CredentialEntry struct {
	Identity Identity `json:"identity"`
	Profile  *Profile `json:"profile,omitempty"`
}

// ErrMalformedCredential marks a credential entry that cannot be restored.
var ErrMalformedCredential = apperrors.New(apperrors.CodeSessionMalformedCache, "malformed credential entry")

// CredentialCache persists the cache-origin credential between runs.
type CredentialCache interface {
	// Read returns the stored entry. A missing entry is (zero, false, nil);
	// a corrupt one returns an error matching ErrMalformedCredential.
	Read(ctx context.Context) (CredentialEntry, bool, error)
	Write(ctx context.Context, entry CredentialEntry) error
	Remove(ctx context.Context) error
}

// IdentityChange is one emission of the provider's auth-state stream. A nil
// Identity with a nil Err means signed out.
type IdentityChange struct {
	Identity *Identity
	Err      error
}

// IdentityProvider is the external authentication service.
type IdentityProvider interface {
	// SubscribeToIdentityChanges registers cb for auth-state changes and
	// returns a function that releases the registration. cb may be called
	// from any goroutine, including synchronously during the call.
	SubscribeToIdentityChanges(cb func(IdentityChange)) (unsubscribe func())
	FetchProfile(ctx context.Context, userID string) (Profile, error)
	SignIn(ctx context.Context, email, password string) (Identity, error)
	SignOut(ctx context.Context) error
}

// Notification types raised for the user.
const (
	NoticeProfileTimeout = "session.profile_timeout"
	NoticeProviderError  = "session.provider_error"
	NoticeLogoutFailed   = "session.logout_failed"
)

// Notifier shows a fire-and-forget message to the user.
type Notifier interface {
	NotifyUser(ctx context.Context, notificationType string)
}

// Navigator moves the UI back to the public landing page.
type Navigator interface {
	ReturnToLanding(ctx context.Context) error
}
