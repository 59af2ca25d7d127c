// Package relay parses relay command flags and composes the relay server.
package relay

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/louisbranch/commonroom/internal/platform/cmd"
	server "github.com/louisbranch/commonroom/internal/services/relay/app"
)

// Config holds relay command configuration.
type Config struct {
	HTTPAddr        string `env:"COMMONROOM_RELAY_HTTP_ADDR"         envDefault:":8090"`
	IdentityBaseURL string `env:"COMMONROOM_RELAY_IDENTITY_BASE_URL"`
	ResourceSecret  string `env:"COMMONROOM_IDENTITY_RESOURCE_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.IdentityBaseURL, "identity-base-url", cfg.IdentityBaseURL, "identity service base URL used for token introspection")
	fs.StringVar(&cfg.ResourceSecret, "resource-secret", cfg.ResourceSecret, "identity introspection resource secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the relay server and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:        cfg.HTTPAddr,
			IdentityBaseURL: cfg.IdentityBaseURL,
			ResourceSecret:  cfg.ResourceSecret,
		}); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}
