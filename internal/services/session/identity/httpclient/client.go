// Package httpclient implements the session identity provider against the
// identity service HTTP API.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/platform/timeouts"
	"github.com/louisbranch/commonroom/internal/services/session/domain"
)

// ErrNotSignedIn indicates a call that needs an access token was made
// without one.
var ErrNotSignedIn = apperrors.New(apperrors.CodeIdentityTokenInvalid, "not signed in")

// Config configures a Client.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	DialTimeout time.Duration
	Logf        func(string, ...any)
}

// Client talks to the identity service and holds the current access token.
// Sign-ins made through the client are reported by SignIn itself; the
// change stream only reports sign-outs that happen elsewhere.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	dialTimeout time.Duration
	logf        func(string, ...any)

	mu          sync.Mutex
	token       string
	identity    *domain.Identity
	stream      *websocket.Conn
	nextSub     uint64
	subscribers map[uint64]func(domain.IdentityChange)
}

type signInResponse struct {
	AccessToken string `json:"access_token"`
	Identity    struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"identity"`
}

type changeFrame struct {
	Identity *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"identity"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("identity base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse identity base url: %w", err)
	}
	client := &Client{
		baseURL:     baseURL,
		httpClient:  cfg.HTTPClient,
		dialTimeout: cfg.DialTimeout,
		logf:        cfg.Logf,
		subscribers: make(map[uint64]func(domain.IdentityChange)),
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: timeouts.HTTPRequest}
	}
	if client.dialTimeout <= 0 {
		client.dialTimeout = timeouts.HTTPRequest
	}
	if client.logf == nil {
		client.logf = log.Printf
	}
	return client, nil
}

// AccessToken returns the current access token, or "" when signed out.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SubscribeToIdentityChanges registers cb and immediately reports the
// current state to it.
func (c *Client) SubscribeToIdentityChanges(cb func(domain.IdentityChange)) func() {
	if cb == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subscribers[id] = cb
	var current *domain.Identity
	if c.identity != nil {
		identity := *c.identity
		current = &identity
	}
	c.mu.Unlock()

	cb(domain.IdentityChange{Identity: current})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

// SignIn exchanges credentials for an access token and opens the change
// stream for it.
func (c *Client) SignIn(ctx context.Context, email, password string) (domain.Identity, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("encode sign in: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signin", strings.NewReader(string(body)))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("build sign in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var payload signInResponse
	if err := c.doJSON(req, http.StatusOK, &payload); err != nil {
		return domain.Identity{}, err
	}
	if payload.AccessToken == "" || payload.Identity.ID == "" {
		return domain.Identity{}, errors.New("identity service returned an incomplete sign in")
	}

	identity := domain.Identity{ID: payload.Identity.ID, Email: payload.Identity.Email, Origin: domain.OriginProvider}
	c.mu.Lock()
	previous := c.stream
	c.stream = nil
	c.token = payload.AccessToken
	c.identity = &identity
	c.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	if err := c.openStream(ctx, payload.AccessToken); err != nil {
		c.logf("identity client: change stream unavailable: %v", err)
	}
	return identity, nil
}

// FetchProfile loads the profile of userID with the current token.
func (c *Client) FetchProfile(ctx context.Context, userID string) (domain.Profile, error) {
	token := c.AccessToken()
	if token == "" {
		return domain.Profile{}, ErrNotSignedIn
	}
	endpoint := c.baseURL + "/profile?user_id=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var profile domain.Profile
	if err := c.doJSON(req, http.StatusOK, &profile); err != nil {
		return domain.Profile{}, err
	}
	return profile, nil
}

// SignOut forgets the token locally first, then revokes it remotely.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	stream := c.stream
	c.token = ""
	c.identity = nil
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if token == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signout", nil)
	if err != nil {
		return fmt.Errorf("build sign out request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.doJSON(req, http.StatusNoContent, nil)
}

// Close ends the change stream.
func (c *Client) Close() error {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Close()
}

func (c *Client) openStream(ctx context.Context, token string) error {
	location, origin, err := changesURLs(c.baseURL)
	if err != nil {
		return err
	}
	config, err := websocket.NewConfig(location, origin)
	if err != nil {
		return fmt.Errorf("build change stream config: %w", err)
	}
	config.Header.Set("Authorization", "Bearer "+token)

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, err := config.DialContext(dialCtx)
	if err != nil {
		return fmt.Errorf("dial change stream: %w", err)
	}

	// The first frame confirms the service registered the stream for token.
	_ = conn.SetReadDeadline(time.Now().Add(c.dialTimeout))
	var first changeFrame
	if err := websocket.JSON.Receive(conn, &first); err != nil {
		_ = conn.Close()
		return fmt.Errorf("read change stream greeting: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if first.Identity == nil {
		_ = conn.Close()
		return errors.New("change stream rejected the access token")
	}

	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.stream = conn
	c.mu.Unlock()

	go c.readStream(conn, token)
	return nil
}

func (c *Client) readStream(conn *websocket.Conn, token string) {
	for {
		var frame changeFrame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			if !errors.Is(err, io.EOF) && c.AccessToken() == token {
				c.logf("identity client: change stream closed: %v", err)
			}
			return
		}
		if frame.Identity != nil {
			continue
		}

		c.mu.Lock()
		if c.token != token {
			c.mu.Unlock()
			return
		}
		c.token = ""
		c.identity = nil
		if c.stream == conn {
			c.stream = nil
		}
		subscribers := make([]func(domain.IdentityChange), 0, len(c.subscribers))
		for _, cb := range c.subscribers {
			subscribers = append(subscribers, cb)
		}
		c.mu.Unlock()

		c.logf("identity client: signed out by identity service")
		for _, cb := range subscribers {
			cb(domain.IdentityChange{})
		}
		_ = conn.Close()
		return
	}
}

func (c *Client) doJSON(req *http.Request, wantStatus int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call identity %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var envelope errorEnvelope
		if err := json.NewDecoder(io.LimitReader(resp.Body, 16*1024)).Decode(&envelope); err == nil && envelope.Error.Code != "" {
			return apperrors.WithMetadata(apperrors.Code(envelope.Error.Code), envelope.Error.Message, map[string]string{"Status": fmt.Sprint(resp.StatusCode)})
		}
		return fmt.Errorf("identity %s status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode identity %s response: %w", req.URL.Path, err)
	}
	return nil
}

// changesURLs maps the identity base URL to the websocket location and the
// origin presented during the handshake.
func changesURLs(base string) (string, string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", "", fmt.Errorf("parse identity base url: %w", err)
	}
	origin := url.URL{Host: parsed.Host}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
		origin.Scheme = "http"
	case "https", "wss":
		parsed.Scheme = "wss"
		origin.Scheme = "https"
	default:
		return "", "", fmt.Errorf("unsupported identity url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/changes"
	parsed.RawQuery = ""
	return parsed.String(), origin.String(), nil
}
