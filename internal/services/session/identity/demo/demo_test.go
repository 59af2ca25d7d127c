package demo

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/services/session/domain"
)

func TestParseAccountsAndSignIn(t *testing.T) {
	t.Parallel()

	accounts, err := ParseAccounts([]string{"Student@Commonroom.test:pw:Sam Student:member+student", " ", "mentor@commonroom.test:pw2"})
	if err != nil {
		t.Fatalf("parse accounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(accounts))
	}
	provider, err := New(accounts, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()

	identity, err := provider.SignIn(ctx, "student@commonroom.test", "pw")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if identity.ID != "demo-student" || identity.Origin != domain.OriginCache {
		t.Fatalf("identity = %+v", identity)
	}
	profile, err := provider.FetchProfile(ctx, identity.ID)
	if err != nil {
		t.Fatalf("fetch profile: %v", err)
	}
	if profile.DisplayName != "Sam Student" || len(profile.Roles) != 2 || profile.Roles[1] != "student" {
		t.Fatalf("profile = %+v", profile)
	}

	mentor, err := provider.FetchProfile(ctx, "demo-mentor")
	if err != nil || mentor.DisplayName != "mentor" {
		t.Fatalf("mentor profile = %+v err=%v", mentor, err)
	}
}

func TestSignInRejectsBadPasswordAndUnknownEmail(t *testing.T) {
	t.Parallel()

	accounts, err := ParseAccounts([]string{"a@b.com:good"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	provider, err := New(accounts, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, tc := range []struct{ email, password string }{{"a@b.com", "bad"}, {"x@b.com", "good"}} {
		_, err := provider.SignIn(context.Background(), tc.email, tc.password)
		if apperrors.CodeOf(err) != apperrors.CodeIdentityInvalidCredentials {
			t.Fatalf("%s: err = %v, want invalid credentials", tc.email, err)
		}
	}
}

func TestFallbackDelegation(t *testing.T) {
	t.Parallel()

	fallback := &recordingProvider{}
	provider, err := New(nil, fallback)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	identity, err := provider.SignIn(ctx, "remote@example.com", "pw")
	if err != nil || identity.ID != "remote" {
		t.Fatalf("sign in identity=%+v err=%v", identity, err)
	}
	if _, err := provider.FetchProfile(ctx, "remote"); err != nil {
		t.Fatalf("fetch profile: %v", err)
	}
	provider.SubscribeToIdentityChanges(func(domain.IdentityChange) {})
	if err := provider.SignOut(ctx); !errors.Is(err, errSignOut) {
		t.Fatalf("sign out err = %v", err)
	}
	if fallback.calls != 4 {
		t.Fatalf("fallback calls = %d, want 4", fallback.calls)
	}
}

func TestWithoutFallbackReportsSignedOut(t *testing.T) {
	t.Parallel()

	provider, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var changes []domain.IdentityChange
	unsubscribe := provider.SubscribeToIdentityChanges(func(change domain.IdentityChange) {
		changes = append(changes, change)
	})
	unsubscribe()
	if len(changes) != 1 || changes[0].Identity != nil {
		t.Fatalf("changes = %+v", changes)
	}
	if err := provider.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if _, err := provider.FetchProfile(context.Background(), "nobody"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("fetch err = %v, want not found", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New([]Account{{Email: "a@b.com"}}, nil); err == nil {
		t.Fatal("expected error for missing hash")
	}
	if _, err := New([]Account{{Email: "a@b.com", PasswordHash: "x", Profile: domain.Profile{UserID: "u1"}}}, nil); err == nil {
		t.Fatal("expected error for non-demo user id")
	}
	dup := Account{Email: "a@b.com", PasswordHash: "x", Profile: domain.Profile{UserID: "demo-a"}}
	if _, err := New([]Account{dup, dup}, nil); err == nil {
		t.Fatal("expected error for duplicate email")
	}
	if _, err := ParseAccounts([]string{"missing-password"}); err == nil {
		t.Fatal("expected error for malformed account")
	}
}

var errSignOut = errors.New("sign out failed")

type recordingProvider struct {
	calls int
}

func (r *recordingProvider) SubscribeToIdentityChanges(func(domain.IdentityChange)) func() {
	r.calls++
	return func() {}
}

func (r *recordingProvider) FetchProfile(_ context.Context, userID string) (domain.Profile, error) {
	r.calls++
	return domain.Profile{UserID: userID}, nil
}

func (r *recordingProvider) SignIn(_ context.Context, email, _ string) (domain.Identity, error) {
	r.calls++
	return domain.Identity{ID: "remote", Email: email}, nil
}

func (r *recordingProvider) SignOut(context.Context) error {
	r.calls++
	return errSignOut
}
