package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/commonroom/internal/platform/clock"
	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/platform/timeouts"
)

// Config wires the coordinator collaborators. Provider is required.
type Config struct {
	Cache     CredentialCache
	Provider  IdentityProvider
	Notifier  Notifier
	Navigator Navigator
	Clock     clock.Clock
	// IdentityFallback stops the loading indicator when the provider stays
	// silent. Defaults to timeouts.IdentityFallback.
	IdentityFallback time.Duration
	// ProfileFetch bounds one profile lookup. Defaults to timeouts.ProfileFetch.
	ProfileFetch time.Duration
	Logf         func(string, ...any)
}

// Coordinator owns the session value. Continuations from timers, provider
// callbacks, and profile fetches only apply while the coordinator is alive
// and their pass and attempt tokens are still current.
type Coordinator struct {
	cache     CredentialCache
	provider  IdentityProvider
	notifier  Notifier
	navigator Navigator
	clock     clock.Clock
	fallback  time.Duration
	fetchWait time.Duration
	logf      func(string, ...any)
	tracer    trace.Tracer

	mu      sync.Mutex
	session Session
	state   State
	alive   bool
	// pass increments on every Start; attempt on every provider emission,
	// Login, and Logout.
	pass         uint64
	attempt      uint64
	settled      uint64
	emissions    int
	notifiedPass uint64
	runCtx       context.Context
	runCancel    context.CancelFunc
	fallbackT    clock.Timer
	// fallbackGen changes whenever the fallback timer is armed or stopped,
	// so a callback that already fired cannot act on a later state.
	fallbackGen uint64
	fetchT      clock.Timer
	cancelFetch context.CancelFunc
	unsubscribe func()
	nextWatch   uint64
	watchers    map[uint64]func(Session)
	// dispatching is set while one goroutine delivers to watchers; dirty
	// asks it for another round.
	dispatching bool
	dirty       bool
}

// NewCoordinator builds an uninitialized coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Provider == nil {
		return nil, errors.New("identity provider is required")
	}
	c := &Coordinator{
		cache:     cfg.Cache,
		provider:  cfg.Provider,
		notifier:  cfg.Notifier,
		navigator: cfg.Navigator,
		clock:     clock.OrSystem(cfg.Clock),
		fallback:  cfg.IdentityFallback,
		fetchWait: cfg.ProfileFetch,
		logf:      cfg.Logf,
		tracer:    otel.Tracer("github.com/louisbranch/commonroom/internal/services/session"),
		watchers:  make(map[uint64]func(Session)),
	}
	if c.fallback <= 0 {
		c.fallback = timeouts.IdentityFallback
	}
	if c.fetchWait <= 0 {
		c.fetchWait = timeouts.ProfileFetch
	}
	if c.logf == nil {
		c.logf = log.Printf
	}
	return c, nil
}

// Session returns a copy of the current session.
func (c *Coordinator) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.clone()
}

// State returns the current resolution state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Watch registers fn for later session changes. fn runs outside the
// coordinator lock and may call Session or State. Deliveries never overlap;
// changes made while a delivery is running are coalesced, and the last value
// every watcher sees is the current session.
func (c *Coordinator) Watch(fn func(Session)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextWatch++
	id := c.nextWatch
	c.watchers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

// Start begins one resolution pass. A restored credential resolves the pass
// without consulting the provider; otherwise the coordinator listens to the
// provider until Stop. Calling Start on a running coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "session.Start")
	defer span.End()

	c.mu.Lock()
	if c.alive {
		c.mu.Unlock()
		return
	}
	c.alive = true
	c.pass++
	pass := c.pass
	c.emissions = 0
	c.runCtx, c.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.session = Session{IsLoading: true}
	c.state = StateResolving
	c.mu.Unlock()
	c.publish()

	if entry, ok := c.readCache(ctx); ok {
		identity := entry.Identity
		identity.Origin = OriginCache
		applied := c.apply(pass, func() bool {
			c.session = Session{Identity: &identity, Profile: entry.Profile, IsAuthenticated: true}
			c.state = StateAuthenticated
			return true
		})
		if applied {
			span.SetAttributes(attribute.String("session.source", "cache"))
			c.logf("session: restored from credential cache user_id=%q", identity.ID)
		}
		return
	}
	span.SetAttributes(attribute.String("session.source", "provider"))

	c.mu.Lock()
	if !c.current(pass) {
		c.mu.Unlock()
		return
	}
	c.fallbackGen++
	gen := c.fallbackGen
	c.fallbackT = c.clock.AfterFunc(c.fallback, func() { c.onIdentityFallback(pass, gen) })
	c.mu.Unlock()

	unsubscribe := c.provider.SubscribeToIdentityChanges(func(change IdentityChange) {
		c.onIdentityChange(pass, change)
	})
	if unsubscribe == nil {
		unsubscribe = func() {}
	}
	release := sync.OnceFunc(unsubscribe)

	c.mu.Lock()
	if !c.current(pass) {
		c.mu.Unlock()
		release()
		return
	}
	c.unsubscribe = release
	c.mu.Unlock()
}

// Stop invalidates every pending continuation, stops both timers, cancels an
// in-flight profile fetch, and releases the provider subscription. It is safe
// to call more than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	c.alive = false
	c.stopPendingLocked()
	if c.runCancel != nil {
		c.runCancel()
	}
	release := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if release != nil {
		release()
	}
}

// Login signs in with the provider and loads the profile. It reports whether
// the session ended authenticated. Cache-origin identities are written to the
// credential cache.
func (c *Coordinator) Login(ctx context.Context, email, password string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "session.Login")
	defer span.End()

	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.stopPendingLocked()
	c.session.IsLoading = true
	c.state = StateResolving
	c.mu.Unlock()
	c.publish()

	identity, profile, err := c.signIn(ctx, email, password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logf("session: login failed email=%q: %v", email, err)
		c.applyAttempt(attempt, func() {
			c.session = Session{}
			c.state = StateAnonymous
		})
		return false
	}

	c.applyAttempt(attempt, func() {
		c.session = Session{Identity: &identity, Profile: &profile, IsAuthenticated: true}
		c.state = StateAuthenticated
	})
	if identity.Origin == OriginCache && c.cache != nil {
		entry := CredentialEntry{Identity: identity, Profile: &profile}
		if err := c.cache.Write(ctx, entry); err != nil {
			c.logf("session: write credential cache user_id=%q: %v", identity.ID, err)
		}
	}
	return true
}

func (c *Coordinator) signIn(ctx context.Context, email, password string) (Identity, Profile, error) {
	identity, err := c.provider.SignIn(ctx, email, password)
	if err != nil {
		return Identity{}, Profile{}, apperrors.Wrap(apperrors.CodeSessionSignInFailed, "sign in", err)
	}
	if identity.ID == "" {
		return Identity{}, Profile{}, apperrors.New(apperrors.CodeSessionSignInFailed, "provider returned an empty identity")
	}
	if identity.Origin == "" {
		identity.Origin = OriginProvider
	}
	fetchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := c.clock.AfterFunc(c.fetchWait, func() {
		cancel(apperrors.New(apperrors.CodeSessionProfileTimeout, "profile fetch timed out"))
	})
	defer timer.Stop()
	profile, err := c.provider.FetchProfile(fetchCtx, identity.ID)
	if err != nil {
		if fetchCtx.Err() != nil {
			err = context.Cause(fetchCtx)
		}
		return Identity{}, Profile{}, apperrors.Wrap(apperrors.CodeSessionSignInFailed, "fetch profile", err)
	}
	return identity, profile, nil
}

// Logout clears the session before any remote call, removes the cached
// credential, signs out of the provider, and returns to the landing page.
// Provider sign-out failures are logged only. Local failures are returned
// joined and raise one logout notification.
func (c *Coordinator) Logout(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "session.Logout")
	defer span.End()

	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.stopPendingLocked()
	c.session = Session{IsLoading: true}
	c.state = StateAnonymous
	c.mu.Unlock()
	c.publish()

	var errs []error
	if c.cache != nil {
		if err := c.cache.Remove(ctx); err != nil {
			errs = append(errs, fmt.Errorf("remove credential cache: %w", err))
		}
	}
	if err := c.provider.SignOut(ctx); err != nil {
		c.logf("session: %v", apperrors.Wrap(apperrors.CodeSessionSignOutFailed, "provider sign out", err))
	}
	if c.navigator != nil {
		if err := c.navigator.ReturnToLanding(ctx); err != nil {
			errs = append(errs, apperrors.Wrap(apperrors.CodeSessionRedirectFailed, "return to landing", err))
		}
	}

	joined := errors.Join(errs...)
	if joined != nil {
		span.RecordError(joined)
		span.SetStatus(codes.Error, joined.Error())
		c.logf("session: logout failed: %v", joined)
		c.notify(ctx, NoticeLogoutFailed)
	}

	c.applyAttempt(attempt, func() {
		c.session.IsLoading = false
	})
	return joined
}

func (c *Coordinator) readCache(ctx context.Context) (CredentialEntry, bool) {
	if c.cache == nil {
		return CredentialEntry{}, false
	}
	entry, ok, err := c.cache.Read(ctx)
	switch {
	case errors.Is(err, ErrMalformedCredential):
		c.logf("session: discarding credential cache: %v", err)
		if err := c.cache.Remove(ctx); err != nil {
			c.logf("session: remove credential cache: %v", err)
		}
		return CredentialEntry{}, false
	case err != nil:
		c.logf("session: read credential cache: %v", err)
		return CredentialEntry{}, false
	case !ok || entry.Identity.ID == "":
		return CredentialEntry{}, false
	case entry.Profile == nil:
		c.logf("session: discarding credential cache: profile is missing")
		if err := c.cache.Remove(ctx); err != nil {
			c.logf("session: remove credential cache: %v", err)
		}
		return CredentialEntry{}, false
	}
	return entry, true
}

func (c *Coordinator) onIdentityFallback(pass, gen uint64) {
	c.apply(pass, func() bool {
		if c.fallbackGen != gen || c.emissions > 0 || c.state != StateResolving {
			return false
		}
		c.fallbackT = nil
		c.session.IsLoading = false
		c.state = StateResolvingIdle
		return true
	})
}

func (c *Coordinator) onIdentityChange(pass uint64, change IdentityChange) {
	c.mu.Lock()
	if !c.current(pass) {
		c.mu.Unlock()
		return
	}
	c.emissions++
	c.stopFallbackLocked()

	switch {
	case change.Err != nil:
		c.attempt++
		c.stopFetchLocked()
		c.settled = c.attempt
		c.session = Session{}
		c.state = StateAnonymous
		notify := c.claimNoticeLocked(pass)
		ctx := c.runCtx
		c.mu.Unlock()
		c.logf("session: identity provider error: %v", change.Err)
		c.publish()
		if notify {
			c.notify(ctx, NoticeProviderError)
		}
		return

	case change.Identity == nil:
		c.attempt++
		c.stopFetchLocked()
		c.settled = c.attempt
		c.session = Session{}
		c.state = StateAnonymous
		c.mu.Unlock()
		c.publish()
		return

	case c.state == StateAuthenticated && c.session.Identity != nil && c.session.Identity.ID == change.Identity.ID:
		c.mu.Unlock()
		return
	}

	identity := *change.Identity
	if identity.Origin == "" {
		identity.Origin = OriginProvider
	}
	c.attempt++
	attempt := c.attempt
	c.stopFetchLocked()
	fetchCtx, cancel := context.WithCancel(c.runCtx)
	c.cancelFetch = cancel
	c.fetchT = c.clock.AfterFunc(c.fetchWait, func() { c.onProfileTimeout(pass, attempt) })
	c.session = Session{Identity: &identity, IsLoading: true}
	c.state = StateResolving
	c.mu.Unlock()
	c.publish()

	go c.fetchProfile(fetchCtx, pass, attempt, identity)
}

func (c *Coordinator) fetchProfile(ctx context.Context, pass, attempt uint64, identity Identity) {
	ctx, span := c.tracer.Start(ctx, "session.FetchProfile", trace.WithAttributes(attribute.String("session.user_id", identity.ID)))
	defer span.End()

	profile, err := c.provider.FetchProfile(ctx, identity.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	c.mu.Lock()
	if !c.current(pass) || c.attempt != attempt || c.settled == attempt {
		c.mu.Unlock()
		return
	}
	c.settled = attempt
	c.stopFetchLocked()
	if err != nil {
		c.session = Session{}
		c.state = StateAnonymous
		notify := c.claimNoticeLocked(pass)
		runCtx := c.runCtx
		c.mu.Unlock()
		c.logf("session: %v", apperrors.Wrap(apperrors.CodeSessionProviderError, "fetch profile user_id="+identity.ID, err))
		c.publish()
		if notify {
			c.notify(runCtx, NoticeProviderError)
		}
		return
	}
	c.session = Session{Identity: &identity, Profile: &profile, IsAuthenticated: true}
	c.state = StateAuthenticated
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) onProfileTimeout(pass, attempt uint64) {
	c.mu.Lock()
	if !c.current(pass) || c.attempt != attempt || c.settled == attempt {
		c.mu.Unlock()
		return
	}
	c.settled = attempt
	c.fetchT = nil
	c.stopFetchLocked()
	c.session = Session{}
	c.state = StateAnonymous
	notify := c.claimNoticeLocked(pass)
	ctx := c.runCtx
	c.mu.Unlock()

	c.logf("session: %v", apperrors.New(apperrors.CodeSessionProfileTimeout, "profile fetch timed out"))
	c.publish()
	if notify {
		c.notify(ctx, NoticeProfileTimeout)
	}
}

// apply runs mutate under the lock when pass is current and publishes when
// mutate reports a change.
func (c *Coordinator) apply(pass uint64, mutate func() bool) bool {
	c.mu.Lock()
	if !c.current(pass) {
		c.mu.Unlock()
		return false
	}
	changed := mutate()
	c.mu.Unlock()
	if changed {
		c.publish()
	}
	return changed
}

// applyAttempt is apply for direct user actions, which do not require a
// running pass.
func (c *Coordinator) applyAttempt(attempt uint64, mutate func()) {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	c.settled = attempt
	mutate()
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) current(pass uint64) bool {
	return c.alive && c.pass == pass
}

func (c *Coordinator) claimNoticeLocked(pass uint64) bool {
	if c.notifiedPass == pass {
		return false
	}
	c.notifiedPass = pass
	return true
}

func (c *Coordinator) stopPendingLocked() {
	c.stopFallbackLocked()
	c.stopFetchLocked()
}

func (c *Coordinator) stopFallbackLocked() {
	c.fallbackGen++
	if c.fallbackT != nil {
		c.fallbackT.Stop()
		c.fallbackT = nil
	}
}

func (c *Coordinator) stopFetchLocked() {
	if c.fetchT != nil {
		c.fetchT.Stop()
		c.fetchT = nil
	}
	if c.cancelFetch != nil {
		c.cancelFetch()
		c.cancelFetch = nil
	}
}

func (c *Coordinator) notify(ctx context.Context, notificationType string) {
	if c.notifier == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.notifier.NotifyUser(ctx, notificationType)
}

// publish delivers the current session to the watchers. A call made while
// another goroutine (or a watcher) is delivering hands its change to that
// delivery and returns.
func (c *Coordinator) publish() {
	c.mu.Lock()
	c.dirty = true
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for c.dirty {
		c.dirty = false
		current := c.session.clone()
		watchers := c.sortedWatchersLocked()
		c.mu.Unlock()

		for _, fn := range watchers {
			c.deliver(fn, current.clone())
		}
		c.mu.Lock()
	}
	c.dispatching = false
	c.mu.Unlock()
}

func (c *Coordinator) deliver(fn func(Session), session Session) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logf("session: watcher panic: %v\n%s", recovered, debug.Stack())
		}
	}()
	fn(session)
}

func (c *Coordinator) sortedWatchersLocked() []func(Session) {
	ids := make([]uint64, 0, len(c.watchers))
	for id := range c.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	watchers := make([]func(Session), 0, len(ids))
	for _, id := range ids {
		watchers = append(watchers, c.watchers[id])
	}
	return watchers
}
