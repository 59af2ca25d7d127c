// Package identity parses identity command flags and composes the identity
// server.
package identity

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/commonroom/internal/platform/cmd"
	server "github.com/louisbranch/commonroom/internal/services/identity/app"
)

// Config holds identity command configuration.
type Config struct {
	HTTPAddr        string        `env:"COMMONROOM_IDENTITY_HTTP_ADDR"       envDefault:":8091"`
	GRPCAddr        string        `env:"COMMONROOM_IDENTITY_GRPC_ADDR"       envDefault:":8092"`
	DBPath          string        `env:"COMMONROOM_IDENTITY_DB_PATH"         envDefault:"data/identity.db"`
	TokenSecret     string        `env:"COMMONROOM_IDENTITY_TOKEN_SECRET"`
	TokenTTL        time.Duration `env:"COMMONROOM_IDENTITY_TOKEN_TTL"       envDefault:"12h"`
	ResourceSecret  string        `env:"COMMONROOM_IDENTITY_RESOURCE_SECRET"`
	SeedEmail       string        `env:"COMMONROOM_IDENTITY_SEED_EMAIL"`
	SeedPassword    string        `env:"COMMONROOM_IDENTITY_SEED_PASSWORD"`
	SeedDisplayName string        `env:"COMMONROOM_IDENTITY_SEED_DISPLAY_NAME"`
	SeedRoles       []string      `env:"COMMONROOM_IDENTITY_SEED_ROLES"      envSeparator:","`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	roles := strings.Join(cfg.SeedRoles, ",")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "identity HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "identity gRPC health listen address, empty to disable")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "identity SQLite database path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HMAC secret for access tokens (at least 32 bytes)")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "access token lifetime")
	fs.StringVar(&cfg.ResourceSecret, "resource-secret", cfg.ResourceSecret, "secret required by token introspection callers")
	fs.StringVar(&cfg.SeedEmail, "seed-email", cfg.SeedEmail, "email of a user created at startup")
	fs.StringVar(&cfg.SeedPassword, "seed-password", cfg.SeedPassword, "password of the seeded user")
	fs.StringVar(&cfg.SeedDisplayName, "seed-display-name", cfg.SeedDisplayName, "display name of the seeded user")
	fs.StringVar(&roles, "seed-roles", roles, "comma separated roles of the seeded user")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.SeedRoles = splitList(roles)
	return cfg, nil
}

// Run builds the identity server and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceIdentity, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:        cfg.HTTPAddr,
			GRPCAddr:        cfg.GRPCAddr,
			DBPath:          cfg.DBPath,
			TokenSecret:     cfg.TokenSecret,
			TokenTTL:        cfg.TokenTTL,
			ResourceSecret:  cfg.ResourceSecret,
			SeedEmail:       cfg.SeedEmail,
			SeedPassword:    cfg.SeedPassword,
			SeedDisplayName: cfg.SeedDisplayName,
			SeedRoles:       cfg.SeedRoles,
		}); err != nil {
			return fmt.Errorf("serve identity: %w", err)
		}
		return nil
	})
}

func splitList(raw string) []string {
	var values []string
	for _, value := range strings.Split(raw, ",") {
		if value = strings.TrimSpace(value); value != "" {
			values = append(values, value)
		}
	}
	return values
}
