package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/platform/timeouts"
)

var (
	errTokenMissing  = apperrors.New(apperrors.CodeIdentityTokenInvalid, "access token is required")
	errTokenInactive = apperrors.New(apperrors.CodeIdentityTokenInvalid, "access token is not active")
)

// wsAuthorizer resolves a peer's bearer token to a user id.
type wsAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// introspectAuthorizer asks the identity service whether a token is live.
type introspectAuthorizer struct {
	endpoint       string
	resourceSecret string
	httpClient     *http.Client
	now            func() time.Time
}

type introspectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id"`
	Exp    int64  `json:"exp,omitempty"`
}

func newIntrospectAuthorizer(config Config) *introspectAuthorizer {
	baseURL := strings.TrimRight(strings.TrimSpace(config.IdentityBaseURL), "/")
	secret := strings.TrimSpace(config.ResourceSecret)
	if baseURL == "" || secret == "" {
		return nil
	}
	return &introspectAuthorizer{
		endpoint:       baseURL + "/introspect",
		resourceSecret: secret,
		httpClient:     &http.Client{Timeout: timeouts.HTTPRequest},
		now:            time.Now,
	}
}

func (a *introspectAuthorizer) Authenticate(ctx context.Context, accessToken string) (string, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", errTokenMissing
	}

	authCtx, cancel := context.WithTimeout(ctx, timeouts.Introspect)
	defer cancel()
	req, err := http.NewRequestWithContext(authCtx, http.MethodPost, a.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Resource-Secret", a.resourceSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeSessionProviderError, "call identity introspection", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.WithMetadata(apperrors.CodeSessionProviderError, "identity introspection refused", map[string]string{"Status": fmt.Sprint(resp.StatusCode)})
	}

	var payload introspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode introspection response: %w", err)
	}
	// exp is checked locally too so a lagging identity clock cannot admit an
	// expired token.
	if !payload.Active || (payload.Exp > 0 && !a.now().Before(time.Unix(payload.Exp, 0))) {
		return "", errTokenInactive
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		return "", apperrors.New(apperrors.CodeSessionProviderError, "introspection returned empty user id")
	}
	return userID, nil
}
