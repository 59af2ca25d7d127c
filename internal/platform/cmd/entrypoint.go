// Package cmd holds the startup plumbing shared by every commonroom process.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/louisbranch/commonroom/internal/platform/config"
	"github.com/louisbranch/commonroom/internal/platform/otel"
	"github.com/louisbranch/commonroom/internal/platform/timeouts"
)

// Service names used for telemetry resources and log lines.
const (
	ServiceIdentity = "identity"
	ServicePortal   = "portal"
	ServiceRelay    = "relay"
)

// ParseConfig loads environment defaults into cfg. Flags bound afterwards
// override them.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetry installs tracing for service, runs it, and flushes spans
// once run returns.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return errors.New("service name is required")
	}
	if run == nil {
		return errors.New("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	otelConfig, err := otel.LoadConfig()
	if err != nil {
		return err
	}
	shutdown, err := otel.Setup(ctx, service, otelConfig)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s: otel shutdown: %v", service, err)
		}
	}()

	log.Printf("%s: starting", service)
	if err := run(ctx); err != nil {
		return err
	}
	log.Printf("%s: stopped", service)
	return nil
}
