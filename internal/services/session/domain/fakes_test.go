package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/commonroom/internal/testkit/fakeclock"
)

var errBoom = errors.New("boom")

type fakeCache struct {
	mu      sync.Mutex
	entry   *CredentialEntry
	readErr error
	writes  []CredentialEntry
	removes int
	rmErr   error
}

func (f *fakeCache) Read(context.Context) (CredentialEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return CredentialEntry{}, false, f.readErr
	}
	if f.entry == nil {
		return CredentialEntry{}, false, nil
	}
	return *f.entry, true, nil
}

func (f *fakeCache) Write(_ context.Context, entry CredentialEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, entry)
	f.entry = &entry
	return nil
}

func (f *fakeCache) Remove(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	f.entry = nil
	f.readErr = nil
	return f.rmErr
}

type fakeProvider struct {
	mu            sync.Mutex
	callbacks     []func(IdentityChange)
	subscribes    int
	unsubscribes  int
	fetch         func(ctx context.Context, userID string) (Profile, error)
	accounts      map[string]Identity
	signOut       func(ctx context.Context) error
	signOutCalled int
}

func (f *fakeProvider) SubscribeToIdentityChanges(cb func(IdentityChange)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.callbacks = append(f.callbacks, cb)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribes++
		f.callbacks = nil
	}
}

func (f *fakeProvider) emit(change IdentityChange) {
	f.mu.Lock()
	callbacks := make([]func(IdentityChange), len(f.callbacks))
	copy(callbacks, f.callbacks)
	f.mu.Unlock()
	for _, cb := range callbacks {
		cb(change)
	}
}

func (f *fakeProvider) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	if f.fetch == nil {
		return Profile{UserID: userID, DisplayName: "User " + userID}, nil
	}
	return f.fetch(ctx, userID)
}

func (f *fakeProvider) SignIn(_ context.Context, email, password string) (Identity, error) {
	identity, ok := f.accounts[email+":"+password]
	if !ok {
		return Identity{}, errors.New("invalid credentials")
	}
	return identity, nil
}

func (f *fakeProvider) SignOut(ctx context.Context) error {
	f.mu.Lock()
	f.signOutCalled++
	f.mu.Unlock()
	if f.signOut != nil {
		return f.signOut(ctx)
	}
	return nil
}

func (f *fakeProvider) counts() (subscribes, unsubscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.unsubscribes
}

type fakeNotifier struct {
	mu    sync.Mutex
	types []string
}

func (f *fakeNotifier) NotifyUser(_ context.Context, notificationType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, notificationType)
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.types...)
}

type fakeNavigator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeNavigator) ReturnToLanding(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type harness struct {
	coordinator *Coordinator
	cache       *fakeCache
	provider    *fakeProvider
	notifier    *fakeNotifier
	navigator   *fakeNavigator
	clock       *fakeclock.Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cache:     &fakeCache{},
		provider:  &fakeProvider{accounts: map[string]Identity{}},
		notifier:  &fakeNotifier{},
		navigator: &fakeNavigator{},
		clock:     fakeclock.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	coordinator, err := NewCoordinator(Config{
		Cache:     h.cache,
		Provider:  h.provider,
		Notifier:  h.notifier,
		Navigator: h.navigator,
		Clock:     h.clock,
		Logf:      t.Logf,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.coordinator = coordinator
	t.Cleanup(coordinator.Stop)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
