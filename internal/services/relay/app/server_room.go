package server

import (
	"encoding/json"
	"sort"
	"sync"
)

type wsPeer struct {
	mu      sync.Mutex
	userID  string
	encoder *json.Encoder
}

func newWSPeer(userID string, encoder *json.Encoder) *wsPeer {
	return &wsPeer{userID: userID, encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type spaceHub struct {
	mu     sync.Mutex
	spaces map[string]*spaceRoom
}

func newSpaceHub() *spaceHub {
	return &spaceHub{spaces: make(map[string]*spaceRoom)}
}

// join adds peer to the named space, creating it on first use.
func (h *spaceHub) join(name string, peer *wsPeer) *spaceRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.spaces[name]
	if !ok {
		room = newSpaceRoom(name)
		h.spaces[name] = room
	}
	room.join(peer)
	return room
}

// leave removes peer and forgets the space once it has neither peers nor
// snapshots.
func (h *spaceHub) leave(room *spaceRoom, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room.leave(peer) && room.snapshotCount() == 0 {
		delete(h.spaces, room.name)
	}
}

type spaceRoom struct {
	mu            sync.Mutex
	name          string
	peers         map[*wsPeer]struct{}
	snapshots     map[string]json.RawMessage
	snapshotOrder []string
}

func newSpaceRoom(name string) *spaceRoom {
	return &spaceRoom{
		name:      name,
		peers:     make(map[*wsPeer]struct{}),
		snapshots: make(map[string]json.RawMessage),
	}
}

func (r *spaceRoom) join(peer *wsPeer) {
	r.mu.Lock()
	r.peers[peer] = struct{}{}
	r.mu.Unlock()
}

func (r *spaceRoom) leave(peer *wsPeer) bool {
	r.mu.Lock()
	delete(r.peers, peer)
	empty := len(r.peers) == 0
	r.mu.Unlock()
	return empty
}

// others returns every peer except sender.
func (r *spaceRoom) others(sender *wsPeer) []*wsPeer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]*wsPeer, 0, len(r.peers))
	for peer := range r.peers {
		if peer != sender {
			peers = append(peers, peer)
		}
	}
	return peers
}

// remember stores the last published payload of channel, evicting the
// oldest channel once the space holds maxSpaceSnapshots.
func (r *spaceRoom) remember(channel string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.snapshots[channel]; !ok {
		r.snapshotOrder = append(r.snapshotOrder, channel)
		if len(r.snapshotOrder) > maxSpaceSnapshots {
			evict := r.snapshotOrder[0]
			r.snapshotOrder = r.snapshotOrder[1:]
			delete(r.snapshots, evict)
		}
	}
	r.snapshots[channel] = append(json.RawMessage(nil), payload...)
}

// replay lists stored snapshots as publish frames ordered by channel name.
func (r *spaceRoom) replay() []wsFrame {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]string, 0, len(r.snapshots))
	for channel := range r.snapshots {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	frames := make([]wsFrame, 0, len(channels))
	for _, channel := range channels {
		frames = append(frames, wsFrame{Type: frameTypePublish, Channel: channel, Payload: r.snapshots[channel]})
	}
	return frames
}

func (r *spaceRoom) snapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}
