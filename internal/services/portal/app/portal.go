// Package portal composes a headless commonroom portal: the local store, the
// event bus and its relay transport, the identity provider chain, and the
// session coordinator.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/commonroom/internal/platform/grpc"
	"github.com/louisbranch/commonroom/internal/platform/storage/localstore"
	"github.com/louisbranch/commonroom/internal/platform/timeouts"
	busdomain "github.com/louisbranch/commonroom/internal/services/bus/domain"
	buslocal "github.com/louisbranch/commonroom/internal/services/bus/storage/localstore"
	"github.com/louisbranch/commonroom/internal/services/bus/transport/ws"
	"github.com/louisbranch/commonroom/internal/services/notifications/render"
	"github.com/louisbranch/commonroom/internal/services/session/credcache"
	"github.com/louisbranch/commonroom/internal/services/session/domain"
	"github.com/louisbranch/commonroom/internal/services/session/identity/demo"
	"github.com/louisbranch/commonroom/internal/services/session/identity/httpclient"
	"github.com/louisbranch/commonroom/internal/services/session/notify"
)

// Config defines the inputs for one portal process.
type Config struct {
	// DataPath is the local store file.
	DataPath string
	// RelayURL enables the relay transport. The bus stays local when empty.
	RelayURL   string
	RelaySpace string
	// IdentityURL enables the identity service client.
	IdentityURL string
	// IdentityGRPCAddr, when set, is checked for health before the identity
	// client is used.
	IdentityGRPCAddr string
	// DemoAccounts are "email:password[:name[:roles]]" specs.
	DemoAccounts []string
	// LoginEmail and LoginPassword sign in once the session stops loading,
	// or after IdentityFallback plus ProfileFetch if it never does.
	LoginEmail    string
	LoginPassword string
	// Locale picks notification copy, e.g. "pt-BR".
	Locale string

	IdentityFallback time.Duration
	ProfileFetch     time.Duration
	Logf             func(string, ...any)
}

// Portal owns the composed collaborators of one process.
type Portal struct {
	cfg         Config
	logf        func(string, ...any)
	local       *localstore.Store
	bus         *busdomain.Bus
	identity    *httpclient.Client
	coordinator *domain.Coordinator
	unwatch     []func()
}

// New opens the local store and wires every collaborator. Nothing runs
// until Start.
func New(ctx context.Context, cfg Config) (*Portal, error) {
	if strings.TrimSpace(cfg.DataPath) == "" {
		return nil, errors.New("data path is required")
	}
	p := &Portal{cfg: cfg, logf: cfg.Logf}
	if p.logf == nil {
		p.logf = log.Printf
	}

	local, err := localstore.Open(ctx, cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	p.local = local

	var fallback domain.IdentityProvider
	if strings.TrimSpace(cfg.IdentityURL) != "" {
		if addr := strings.TrimSpace(cfg.IdentityGRPCAddr); addr != "" {
			if err := platformgrpc.CheckHealth(ctx, addr, timeouts.GRPCDial, p.logf); err != nil {
				p.logf("portal: identity health check failed addr=%q: %v", addr, err)
			}
		}
		client, err := httpclient.New(httpclient.Config{BaseURL: cfg.IdentityURL, Logf: p.logf})
		if err != nil {
			_ = local.Close()
			return nil, fmt.Errorf("init identity client: %w", err)
		}
		p.identity = client
		fallback = client
	}

	accounts, err := demo.ParseAccounts(cfg.DemoAccounts)
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("parse demo accounts: %w", err)
	}
	provider, err := demo.New(accounts, fallback)
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("init demo provider: %w", err)
	}

	var transport busdomain.Transport
	if strings.TrimSpace(cfg.RelayURL) != "" {
		wsConfig := ws.Config{URL: cfg.RelayURL, Space: cfg.RelaySpace, Logf: p.logf}
		if p.identity != nil {
			wsConfig.TokenSource = p.identity.AccessToken
		}
		transport = ws.New(wsConfig)
	}

	printer := render.NewPrinter(cfg.Locale)
	p.bus = busdomain.New(busdomain.Config{
		Store:     buslocal.New(local),
		Transport: transport,
		Titles:    render.Titles{Localizer: printer},
		Logf:      p.logf,
	})

	coordinator, err := domain.NewCoordinator(domain.Config{
		Cache:            credcache.New(local),
		Provider:         provider,
		Notifier:         notify.NewBusNotifier(p.bus, printer),
		Navigator:        notify.NewBusNavigator(p.bus),
		IdentityFallback: cfg.IdentityFallback,
		ProfileFetch:     cfg.ProfileFetch,
		Logf:             p.logf,
	})
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("init session coordinator: %w", err)
	}
	p.coordinator = coordinator
	return p, nil
}

// Bus returns the portal event bus.
func (p *Portal) Bus() *busdomain.Bus {
	return p.bus
}

// Sessions returns the session coordinator.
func (p *Portal) Sessions() *domain.Coordinator {
	return p.coordinator
}

// Start connects the bus, starts session resolution, and performs the
// configured login once resolution settles. A relay that cannot be reached
// leaves the bus local.
func (p *Portal) Start(ctx context.Context) {
	if err := p.bus.Connect(ctx); err != nil {
		p.logf("portal: relay unavailable, continuing locally: %v", err)
	}

	p.unwatch = append(p.unwatch,
		p.bus.Subscribe(busdomain.ChannelNotification, func(event busdomain.Event) {
			var n busdomain.Notification
			if err := event.Decode(&n); err != nil {
				p.logf("portal: notification dropped: %v", err)
				return
			}
			p.logf("portal: notification type=%q title=%q message=%q", n.Type, n.Title, n.Message)
		}),
		p.bus.Subscribe(busdomain.ChannelNavigation, func(event busdomain.Event) {
			var nav notify.Navigation
			if err := event.Decode(&nav); err != nil {
				p.logf("portal: navigation dropped: %v", err)
				return
			}
			p.logf("portal: navigate path=%q", nav.Path)
		}),
		p.coordinator.Watch(p.logSession),
	)

	p.coordinator.Start(ctx)

	if p.cfg.LoginEmail != "" {
		p.login(ctx)
	}

	if session := p.coordinator.Session(); session.IsAuthenticated {
		p.bus.UpdateUserStatus(session.Identity.ID, busdomain.StatusOnline)
	}
}

func (p *Portal) login(ctx context.Context) {
	if !p.awaitSettled(ctx, p.settleLimit()) {
		if ctx.Err() != nil {
			return
		}
		p.logf("portal: session still loading, signing in anyway")
	}
	if p.coordinator.Session().IsAuthenticated {
		return
	}
	if p.coordinator.Login(ctx, p.cfg.LoginEmail, p.cfg.LoginPassword) {
		p.logf("portal: signed in email=%q", p.cfg.LoginEmail)
	} else {
		p.logf("portal: sign in failed email=%q", p.cfg.LoginEmail)
	}
}

// awaitSettled blocks until the session stops loading. It reports false when
// ctx ends or limit passes first.
func (p *Portal) awaitSettled(ctx context.Context, limit time.Duration) bool {
	settled := make(chan struct{}, 1)
	check := func(session domain.Session) {
		if session.IsLoading {
			return
		}
		select {
		case settled <- struct{}{}:
		default:
		}
	}
	unwatch := p.coordinator.Watch(check)
	defer unwatch()
	check(p.coordinator.Session())

	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-settled:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

func (p *Portal) settleLimit() time.Duration {
	fallback, fetch := p.cfg.IdentityFallback, p.cfg.ProfileFetch
	if fallback <= 0 {
		fallback = timeouts.IdentityFallback
	}
	if fetch <= 0 {
		fetch = timeouts.ProfileFetch
	}
	return fallback + fetch
}

// Close tears the portal down in reverse order of construction.
func (p *Portal) Close() error {
	if session := p.coordinator.Session(); session.IsAuthenticated {
		p.bus.UpdateUserStatus(session.Identity.ID, busdomain.StatusOffline)
	}
	for _, release := range p.unwatch {
		release()
	}
	p.unwatch = nil
	p.coordinator.Stop()

	var errs []error
	if err := p.bus.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect bus: %w", err))
	}
	if p.identity != nil {
		if err := p.identity.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close identity client: %w", err))
		}
	}
	if err := p.local.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close local store: %w", err))
	}
	return errors.Join(errs...)
}

func (p *Portal) logSession(session domain.Session) {
	state := p.coordinator.State()
	if session.Identity == nil {
		p.logf("portal: session state=%s loading=%t", state, session.IsLoading)
		return
	}
	p.logf("portal: session state=%s loading=%t user_id=%q origin=%s authenticated=%t",
		state, session.IsLoading, session.Identity.ID, session.Identity.Origin, session.IsAuthenticated)
}

// Run builds a portal, starts it, and tears it down when ctx ends.
func Run(ctx context.Context, cfg Config) error {
	p, err := New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init portal: %w", err)
	}
	p.Start(ctx)
	<-ctx.Done()
	if err := p.Close(); err != nil {
		return fmt.Errorf("close portal: %w", err)
	}
	return nil
}
