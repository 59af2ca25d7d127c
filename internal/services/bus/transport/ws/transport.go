// Package ws connects the event bus to the relay over a websocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/platform/timeouts"
	"github.com/louisbranch/commonroom/internal/services/bus/domain"
)

const frameTypeError = "relay.error"

// ErrClosed indicates a send on a transport that is not open.
var ErrClosed = apperrors.New(apperrors.CodeBusTransportClosed, "bus transport is closed")

// Config describes how to reach the relay.
type Config struct {
	// URL is the relay base URL, http(s) or ws(s).
	URL string
	// Space selects the relay space. The relay default is used when empty.
	Space string
	// TokenSource returns the bearer token sent on dial. Optional.
	TokenSource func() string
	DialTimeout time.Duration
	Logf        func(string, ...any)
}

// Transport is a domain.Transport backed by one websocket connection.
type Transport struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn
	enc  *json.Encoder
}

// New builds a closed transport.
func New(cfg Config) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = timeouts.HTTPRequest
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Transport{cfg: cfg}
}

// Open dials the relay and starts delivering remote frames. If the relay
// drops the connection, the transport closes and lost is called once.
func (t *Transport) Open(ctx context.Context, deliver func(domain.Frame), lost func(error)) error {
	if deliver == nil {
		return errors.New("deliver func is required")
	}
	if lost == nil {
		lost = func(error) {}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return errors.New("bus transport is already open")
	}

	wsConfig, err := t.dialConfig()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, err := wsConfig.DialContext(dialCtx)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", wsConfig.Location, err)
	}

	t.conn = conn
	t.enc = json.NewEncoder(conn)
	go t.readLoop(conn, deliver, lost)
	return nil
}

// Send writes frame to the relay.
func (t *Transport) Send(ctx context.Context, frame domain.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrClosed
	}
	deadline := time.Now().Add(t.cfg.DialTimeout)
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.enc.Encode(frame); err != nil {
		return fmt.Errorf("send %s frame: %w", frame.Type, err)
	}
	return nil
}

// Close closes the connection, which also ends the read loop. Closing a
// closed transport is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.enc = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close relay connection: %w", err)
	}
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn, deliver func(domain.Frame), lost func(error)) {
	decoder := json.NewDecoder(conn)
	for {
		var frame domain.Frame
		if err := decoder.Decode(&frame); err != nil {
			if t.release(conn) {
				t.cfg.Logf("bus transport: relay read ended: %v", err)
				_ = conn.Close()
				lost(fmt.Errorf("relay read: %w", err))
			}
			return
		}
		switch frame.Type {
		case domain.FrameEmit, domain.FramePublish:
			deliver(frame)
		case frameTypeError:
			t.cfg.Logf("bus transport: relay error: %s", frame.Payload)
		default:
			t.cfg.Logf("bus transport: unknown frame type %q", frame.Type)
		}
	}
}

// release detaches conn if it is still the open connection. It reports false
// when Close already did.
func (t *Transport) release(conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return false
	}
	t.conn = nil
	t.enc = nil
	return true
}

func (t *Transport) dialConfig() (*websocket.Config, error) {
	location, origin, err := relayURLs(t.cfg.URL, t.cfg.Space)
	if err != nil {
		return nil, err
	}
	wsConfig, err := websocket.NewConfig(location, origin)
	if err != nil {
		return nil, fmt.Errorf("relay websocket config: %w", err)
	}
	wsConfig.Dialer = &net.Dialer{Timeout: t.cfg.DialTimeout}
	if t.cfg.TokenSource != nil {
		if token := strings.TrimSpace(t.cfg.TokenSource()); token != "" {
			wsConfig.Header = make(http.Header)
			wsConfig.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return wsConfig, nil
}

// relayURLs derives the websocket location and the origin header value from
// the relay base URL.
func relayURLs(base string, space string) (string, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", "", fmt.Errorf("parse relay url: %w", err)
	}
	if parsed.Host == "" {
		return "", "", fmt.Errorf("relay url %q has no host", base)
	}

	origin := *parsed
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
		origin.Scheme = "http"
	case "https", "wss":
		parsed.Scheme = "wss"
		origin.Scheme = "https"
	default:
		return "", "", fmt.Errorf("relay url scheme %q is not supported", parsed.Scheme)
	}

	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	query := url.Values{}
	if space = strings.TrimSpace(space); space != "" {
		query.Set("space", space)
	}
	parsed.RawQuery = query.Encode()
	origin.Path = ""
	origin.RawQuery = ""
	return parsed.String(), origin.String(), nil
}
