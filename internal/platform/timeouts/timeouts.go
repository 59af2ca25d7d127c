// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// IdentityFallback stops the session loading indicator when the identity
// provider has not reported any auth state yet.
const IdentityFallback = 3 * time.Second

// ProfileFetch caps how long a profile lookup may race before the session is
// forced anonymous.
const ProfileFetch = 5 * time.Second

// GRPCDial caps the wait time when dialing a gRPC peer for health checks.
const GRPCDial = 2 * time.Second

// HTTPRequest caps one outbound HTTP call to a peer service.
const HTTPRequest = 5 * time.Second

// Introspect caps a token introspection round trip.
const Introspect = 3 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
