package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"
)

const (
	frameTypeEmit    = "bus.emit"
	frameTypePublish = "bus.publish"
	frameTypeError   = "relay.error"
)

type wsFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type wsUserIDContextKey struct{}

// NewHandler creates relay routes without token checks, for tests and
// local development.
func NewHandler() http.Handler {
	return newHandler(nil)
}

// NewHandlerWithAuthorizer creates relay routes that require a bearer token
// accepted by authorizer.
func NewHandlerWithAuthorizer(authorizer wsAuthorizer) http.Handler {
	return newHandler(authorizer)
}

func newHandler(authorizer wsAuthorizer) http.Handler {
	hub := newSpaceHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, ok := spaceFromRequest(r); !ok {
			http.Error(w, "invalid space", http.StatusBadRequest)
			return
		}

		if authorizer != nil {
			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				log.Printf("relay: websocket unauthorized: missing bearer token remote=%s", r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			userID, err := authorizer.Authenticate(r.Context(), accessToken)
			if err != nil || strings.TrimSpace(userID) == "" {
				log.Printf("relay: websocket unauthorized: introspection rejected remote=%s err=%v", r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), wsUserIDContextKey{}, strings.TrimSpace(userID)))
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

func spaceFromRequest(r *http.Request) (string, bool) {
	space := strings.TrimSpace(r.URL.Query().Get("space"))
	if space == "" {
		return defaultSpace, true
	}
	if utf8.RuneCountInString(space) > maxSpaceNameRunes {
		return "", false
	}
	return space, true
}

func handleWSConn(conn *websocket.Conn, hub *spaceHub) {
	defer func() {
		_ = conn.Close()
	}()

	request := conn.Request()
	userID := "anonymous"
	if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok && resolved != "" {
		userID = resolved
	}
	space, _ := spaceFromRequest(request)

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(userID, json.NewEncoder(conn))
	room := hub.join(space, peer)
	defer hub.leave(room, peer)

	for _, frame := range room.replay() {
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("relay: replay failed space=%q user=%q: %v", space, userID, err)
			return
		}
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		channel := strings.TrimSpace(frame.Channel)
		if channel == "" {
			_ = writeWSError(peer, "INVALID_ARGUMENT", "channel is required")
			continue
		}
		if len(frame.Payload) == 0 {
			frame.Payload = json.RawMessage("null")
		}

		switch frame.Type {
		case frameTypePublish:
			room.remember(channel, frame.Payload)
		case frameTypeEmit:
		default:
			_ = writeWSError(peer, "INVALID_ARGUMENT", "unsupported frame type")
			continue
		}
		relay(room, peer, wsFrame{Type: frame.Type, Channel: channel, Payload: frame.Payload})
	}
}

func relay(room *spaceRoom, sender *wsPeer, frame wsFrame) {
	for _, peer := range room.others(sender) {
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("relay: forward failed space=%q channel=%q user=%q: %v", room.name, frame.Channel, peer.userID, err)
		}
	}
}

func writeWSError(peer *wsPeer, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type: frameTypeError,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: code == "RESOURCE_EXHAUSTED",
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
