// Package portal parses portal command flags and composes a headless portal.
package portal

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/commonroom/internal/platform/cmd"
	app "github.com/louisbranch/commonroom/internal/services/portal/app"
)

// Config holds portal command configuration.
type Config struct {
	DataPath         string        `env:"COMMONROOM_PORTAL_DATA_PATH"          envDefault:"data/portal.db"`
	RelayURL         string        `env:"COMMONROOM_PORTAL_RELAY_URL"`
	RelaySpace       string        `env:"COMMONROOM_PORTAL_RELAY_SPACE"`
	IdentityURL      string        `env:"COMMONROOM_PORTAL_IDENTITY_URL"`
	IdentityGRPCAddr string        `env:"COMMONROOM_PORTAL_IDENTITY_GRPC_ADDR"`
	DemoAccounts     []string      `env:"COMMONROOM_PORTAL_DEMO_ACCOUNTS"      envSeparator:","`
	LoginEmail       string        `env:"COMMONROOM_PORTAL_LOGIN_EMAIL"`
	LoginPassword    string        `env:"COMMONROOM_PORTAL_LOGIN_PASSWORD"`
	Locale           string        `env:"COMMONROOM_PORTAL_LOCALE"             envDefault:"en"`
	IdentityFallback time.Duration `env:"COMMONROOM_PORTAL_IDENTITY_FALLBACK"  envDefault:"3s"`
	ProfileFetch     time.Duration `env:"COMMONROOM_PORTAL_PROFILE_FETCH"      envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	accounts := strings.Join(cfg.DemoAccounts, ",")
	fs.StringVar(&cfg.DataPath, "data-path", cfg.DataPath, "local store path")
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "relay base URL, empty to stay local")
	fs.StringVar(&cfg.RelaySpace, "relay-space", cfg.RelaySpace, "relay space to join")
	fs.StringVar(&cfg.IdentityURL, "identity-url", cfg.IdentityURL, "identity service base URL")
	fs.StringVar(&cfg.IdentityGRPCAddr, "identity-grpc-addr", cfg.IdentityGRPCAddr, "identity gRPC health address checked at startup")
	fs.StringVar(&accounts, "demo-accounts", accounts, "comma separated email:password[:name[:roles]] demo accounts")
	fs.StringVar(&cfg.LoginEmail, "login-email", cfg.LoginEmail, "email to sign in with at startup")
	fs.StringVar(&cfg.LoginPassword, "login-password", cfg.LoginPassword, "password to sign in with at startup")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "notification locale")
	fs.DurationVar(&cfg.IdentityFallback, "identity-fallback", cfg.IdentityFallback, "wait for the identity provider before settling anonymous")
	fs.DurationVar(&cfg.ProfileFetch, "profile-fetch", cfg.ProfileFetch, "profile fetch deadline")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.DemoAccounts = splitList(accounts)
	return cfg, nil
}

// Run builds the portal and keeps it running until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePortal, func(context.Context) error {
		if err := app.Run(ctx, app.Config{
			DataPath:         cfg.DataPath,
			RelayURL:         cfg.RelayURL,
			RelaySpace:       cfg.RelaySpace,
			IdentityURL:      cfg.IdentityURL,
			IdentityGRPCAddr: cfg.IdentityGRPCAddr,
			DemoAccounts:     cfg.DemoAccounts,
			LoginEmail:       cfg.LoginEmail,
			LoginPassword:    cfg.LoginPassword,
			Locale:           cfg.Locale,
			IdentityFallback: cfg.IdentityFallback,
			ProfileFetch:     cfg.ProfileFetch,
		}); err != nil {
			return fmt.Errorf("run portal: %w", err)
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
