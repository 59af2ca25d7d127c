// Package domain implements the commonroom event bus: channel subscriptions,
// synchronous fan-out, and durable per-channel snapshots.
package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Channel names used by the domain broadcasters.
const (
	ChannelAnnouncement  = "announcement"
	ChannelAssignment    = "assignment"
	ChannelChatMessage   = "chat_message"
	ChannelUserStatus    = "user_status"
	ChannelTyping        = "typing"
	ChannelFileUpload    = "file_upload_progress"
	ChannelProjectUpdate = "project_update"
	ChannelNotification  = "notification"
	ChannelNavigation    = "navigation"
)

// Notification types raised by the domain broadcasters.
const (
	NotificationTypeAnnouncement = "announcement"
	NotificationTypeAssignment   = "assignment"
)

// Event is one delivery to a subscriber. Payload is the value passed to
// Emit or Publish for local events, and a json.RawMessage for events that
// arrived from the relay.
type Event struct {
	Channel string
	Payload any
}

// Decode unmarshals the payload into v regardless of where the event came from.
func (e Event) Decode(v any) error {
	raw, ok := e.Payload.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", e.Channel, err)
		}
		raw = encoded
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Channel, err)
	}
	return nil
}

// Handler receives events for one subscription.
type Handler func(Event)

// SnapshotStore persists the last published payload of each channel.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, channel string, payload json.RawMessage) error
	GetSnapshot(ctx context.Context, channel string) (json.RawMessage, bool, error)
}

// FrameType identifies a relay frame.
type FrameType string

const (
	// FrameEmit carries an in-memory emission.
	FrameEmit FrameType = "bus.emit"
	// FramePublish carries a publish that updates the channel snapshot.
	FramePublish FrameType = "bus.publish"
)

// Frame is the wire envelope exchanged with the relay.
type Frame struct {
	Type    FrameType       `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Transport carries frames between this bus and the relay. Open starts
// delivering remote frames to deliver until Close is called. When the
// connection ends without Close, lost is called once with the cause.
type Transport interface {
	Open(ctx context.Context, deliver func(Frame), lost func(error)) error
	Send(ctx context.Context, frame Frame) error
	Close() error
}
