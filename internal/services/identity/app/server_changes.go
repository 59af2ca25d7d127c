package server

import (
	"encoding/json"
	"io"
	"log"
	"sync"

	"golang.org/x/net/websocket"
)

// changeFrame is one auth-state update. A nil Identity means signed out.
type changeFrame struct {
	Identity *identityResponse `json:"identity"`
}

type changeSubscriberKey struct{}

type changeSubscriber struct {
	tokenID  string
	identity *identityResponse
}

type changePeer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
	closed  bool
}

func (p *changePeer) write(frame changeFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	return p.encoder.Encode(frame)
}

func (p *changePeer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.conn.Close()
}

// changeHub tracks change-stream peers by the access token they presented.
type changeHub struct {
	mu    sync.Mutex
	peers map[string]map[*changePeer]struct{}
}

func newChangeHub() *changeHub {
	return &changeHub{peers: make(map[string]map[*changePeer]struct{})}
}

func (h *changeHub) add(tokenID string, peer *changePeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.peers[tokenID]
	if !ok {
		set = make(map[*changePeer]struct{})
		h.peers[tokenID] = set
	}
	set[peer] = struct{}{}
}

func (h *changeHub) remove(tokenID string, peer *changePeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.peers[tokenID]
	delete(set, peer)
	if len(set) == 0 {
		delete(h.peers, tokenID)
	}
}

// signedOut tells every peer of tokenID that the identity is gone and ends
// their streams.
func (h *changeHub) signedOut(tokenID string) {
	h.mu.Lock()
	set := h.peers[tokenID]
	delete(h.peers, tokenID)
	peers := make([]*changePeer, 0, len(set))
	for peer := range set {
		peers = append(peers, peer)
	}
	h.mu.Unlock()

	for _, peer := range peers {
		if err := peer.write(changeFrame{}); err != nil {
			log.Printf("identity: change stream sign-out write failed: %v", err)
		}
		peer.close()
	}
}

func (h *changeHub) serve(conn *websocket.Conn) {
	peer := &changePeer{conn: conn, encoder: json.NewEncoder(conn)}
	defer peer.close()

	subscriber, _ := conn.Request().Context().Value(changeSubscriberKey{}).(changeSubscriber)
	if subscriber.identity == nil {
		_ = peer.write(changeFrame{})
		return
	}

	h.add(subscriber.tokenID, peer)
	defer h.remove(subscriber.tokenID, peer)
	if err := peer.write(changeFrame{Identity: subscriber.identity}); err != nil {
		return
	}

	// Drain until the client goes away or sign-out closes the stream.
	_, _ = io.Copy(io.Discard, conn)
}
