// Package server hosts the identity service: password sign-in, access token
// introspection, profile lookup, and the auth-change stream consumed by
// portals.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/commonroom/internal/platform/grpc"
	"github.com/louisbranch/commonroom/internal/platform/timeouts"
	"github.com/louisbranch/commonroom/internal/services/identity/storage"
	"github.com/louisbranch/commonroom/internal/services/identity/storage/sqlite"
	"github.com/louisbranch/commonroom/internal/services/identity/tokens"
	"github.com/louisbranch/commonroom/internal/services/identity/user"
)

// HealthService is the gRPC health service name reported by the identity
// process.
const HealthService = "commonroom.identity"

// Config defines the inputs for the identity process.
type Config struct {
	HTTPAddr string
	// GRPCAddr serves the standard gRPC health service. Disabled when empty.
	GRPCAddr    string
	DBPath      string
	TokenSecret string
	TokenTTL    time.Duration
	// ResourceSecret guards /introspect. Introspection is refused when empty.
	ResourceSecret string

	SeedEmail       string
	SeedPassword    string
	SeedDisplayName string
	SeedRoles       []string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the identity HTTP process and its gRPC health endpoint.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	health          *platformgrpc.HealthServer
	store           *sqlite.Store
}

// NewServer opens the store, applies the optional seed account, and builds
// the HTTP and health servers.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("db path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(ctx, config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	issuer, err := tokens.NewIssuer(tokens.Config{
		Secret:      config.TokenSecret,
		TTL:         config.TokenTTL,
		Revocations: store,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init token issuer: %w", err)
	}
	if strings.TrimSpace(config.SeedEmail) != "" {
		if err := SeedUser(ctx, store, user.CreateUserInput{
			Email:       config.SeedEmail,
			Password:    config.SeedPassword,
			DisplayName: config.SeedDisplayName,
			Roles:       config.SeedRoles,
		}); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed user: %w", err)
		}
	}
	if pruned, err := store.PruneRevokedTokens(ctx, time.Now()); err != nil {
		log.Printf("identity: prune revoked tokens: %v", err)
	} else if pruned > 0 {
		log.Printf("identity: pruned revoked tokens count=%d", pruned)
	}
	if strings.TrimSpace(config.ResourceSecret) == "" {
		log.Printf("identity: resource secret not set, introspection disabled")
	}

	var health *platformgrpc.HealthServer
	if strings.TrimSpace(config.GRPCAddr) != "" {
		health = platformgrpc.NewHealthServer(config.GRPCAddr)
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           NewHandler(store, issuer, config.ResourceSecret),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		health: health,
		store:  store,
	}, nil
}

// SeedUser creates the account described by input unless its email is
// already registered.
func SeedUser(ctx context.Context, store *sqlite.Store, input user.CreateUserInput) error {
	email, err := user.NormalizeEmail(input.Email)
	if err != nil {
		return err
	}
	_, err = store.GetUserByEmail(ctx, email)
	if err == nil {
		log.Printf("identity: seed account already present email=%q", email)
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	u, profile, err := user.CreateUser(input, time.Now, nil)
	if err != nil {
		return err
	}
	if err := store.PutUser(ctx, u, profile); err != nil {
		return err
	}
	log.Printf("identity: seeded account email=%q user_id=%q", u.Email, u.ID)
	return nil
}

// Run creates and serves an identity server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init identity server: %w", err)
	}
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve identity: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("identity server is nil")
	}
	listener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("listen %s: %w", s.httpAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve runs the HTTP server on listener, and the health server when
// configured, until the context ends. The store is closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s == nil {
		return errors.New("identity server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Printf("identity: close store: %v", err)
		}
	}()

	serveErr := make(chan error, 2)
	log.Printf("identity server listening on %s", listener.Addr())
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()
	if s.health != nil {
		go func() {
			if err := s.health.Serve(ctx); err != nil {
				serveErr <- fmt.Errorf("health server: %w", err)
			}
		}()
		s.health.SetServing(HealthService, true)
		s.health.SetServing("", true)
	}

	select {
	case <-ctx.Done():
		s.health.SetServing(HealthService, false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases the identity store.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.store.Close()
}
