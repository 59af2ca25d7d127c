package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/platform/id"
	"github.com/louisbranch/commonroom/internal/services/identity/storage"
	"github.com/louisbranch/commonroom/internal/services/identity/tokens"
	"github.com/louisbranch/commonroom/internal/services/identity/user"
)

const maxRequestBodyBytes = 16 * 1024

// UserStore is the persistence surface used by the HTTP handlers.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	GetProfile(ctx context.Context, userID string) (user.Profile, error)
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type identityResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type signInResponse struct {
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	ExpiresIn   int64            `json:"expires_in"`
	Identity    identityResponse `json:"identity"`
}

type profileResponse struct {
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles,omitempty"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
}

type introspectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Exp    int64  `json:"exp,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type handler struct {
	store          UserStore
	issuer         *tokens.Issuer
	resourceSecret string
	changes        *changeHub
}

// NewHandler creates identity routes.
func NewHandler(store UserStore, issuer *tokens.Issuer, resourceSecret string) http.Handler {
	h := &handler{
		store:          store,
		issuer:         issuer,
		resourceSecret: strings.TrimSpace(resourceSecret),
		changes:        newChangeHub(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/signin", h.handleSignIn)
	mux.HandleFunc("/signout", h.handleSignOut)
	mux.HandleFunc("/profile", h.handleProfile)
	mux.HandleFunc("/introspect", h.handleIntrospect)
	mux.Handle("/changes", h.changesHandler())
	return mux
}

func (h *handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req signInRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body")
		return
	}
	email, err := user.NormalizeEmail(req.Email)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if req.Password == "" {
		writeAppError(w, apperrors.New(apperrors.CodeIdentityPasswordRequired, "password is required"))
		return
	}

	account, err := h.store.GetUserByEmail(r.Context(), email)
	if errors.Is(err, storage.ErrNotFound) {
		log.Printf("identity: sign in rejected: unknown email=%q", email)
		writeAppError(w, apperrors.New(apperrors.CodeIdentityInvalidCredentials, "invalid credentials"))
		return
	}
	if err != nil {
		log.Printf("identity: sign in lookup email=%q: %v", email, err)
		writeError(w, http.StatusInternalServerError, string(apperrors.CodeUnknown), "sign in failed")
		return
	}
	if err := user.CheckPassword(account.PasswordHash, req.Password); err != nil {
		log.Printf("identity: sign in rejected: bad password email=%q", email)
		writeAppError(w, err)
		return
	}

	raw, claims, err := h.issuer.Issue(account.ID, account.Email)
	if err != nil {
		log.Printf("identity: issue token user_id=%q: %v", account.ID, err)
		writeError(w, http.StatusInternalServerError, string(apperrors.CodeUnknown), "sign in failed")
		return
	}
	writeJSON(w, http.StatusOK, signInResponse{
		AccessToken: raw,
		TokenType:   "Bearer",
		ExpiresIn:   int64(h.issuer.TTL().Seconds()),
		Identity:    identityResponse{ID: claims.UserID, Email: claims.Email},
	})
}

func (h *handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accessToken := bearerToken(r)
	if accessToken == "" {
		writeAppError(w, apperrors.New(apperrors.CodeIdentityTokenInvalid, "missing bearer token"))
		return
	}
	claims, err := h.issuer.Revoke(r.Context(), accessToken)
	if err != nil {
		writeAppError(w, err)
		return
	}
	h.changes.signedOut(claims.TokenID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := h.issuer.Validate(r.Context(), bearerToken(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = claims.UserID
	}
	if !id.HasPrefix(userID, id.PrefixUser) {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "user_id is malformed")
		return
	}
	if userID != claims.UserID {
		writeError(w, http.StatusForbidden, "PERMISSION_DENIED", "profile belongs to another user")
		return
	}

	profile, err := h.store.GetProfile(r.Context(), userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("identity: get profile user_id=%q: %v", userID, err)
		}
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		UserID:      profile.UserID,
		DisplayName: profile.DisplayName,
		Roles:       profile.Roles,
		AvatarURL:   profile.AvatarURL,
	})
}

func (h *handler) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.resourceSecret == "" {
		http.Error(w, "missing shared secret", http.StatusInternalServerError)
		return
	}
	if r.Header.Get("X-Resource-Secret") != h.resourceSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	accessToken := bearerToken(r)
	if accessToken == "" {
		http.Error(w, "missing bearer token", http.StatusBadRequest)
		return
	}
	claims, err := h.issuer.Validate(r.Context(), accessToken)
	if err != nil {
		writeJSON(w, http.StatusOK, introspectResponse{Active: false})
		return
	}

	writeJSON(w, http.StatusOK, introspectResponse{
		Active: true,
		UserID: claims.UserID,
		Email:  claims.Email,
		Exp:    claims.ExpiresAt.Unix(),
	})
}

func (h *handler) changesHandler() http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		h.changes.serve(conn)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var subscriber changeSubscriber
		if accessToken := bearerToken(r); accessToken != "" {
			claims, err := h.issuer.Validate(r.Context(), accessToken)
			if err != nil {
				log.Printf("identity: change stream token rejected remote=%s: %v", r.RemoteAddr, err)
			} else {
				subscriber = changeSubscriber{tokenID: claims.TokenID, identity: &identityResponse{ID: claims.UserID, Email: claims.Email}}
			}
		}
		r = r.WithContext(context.WithValue(r.Context(), changeSubscriberKey{}, subscriber))
		wsHandler.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeAppError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err, http.StatusInternalServerError)
	message := "request failed"
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		message = domainErr.Message
	}
	writeError(w, status, string(apperrors.CodeOf(err)), message)
}
