package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/commonroom/internal/platform/clock"
	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
)

// ErrChannelRequired indicates a publish without a channel name.
var ErrChannelRequired = apperrors.New(apperrors.CodeBusChannelRequired, "channel is required")

// TitleRenderer localizes notification titles for the domain broadcasters.
type TitleRenderer interface {
	NotificationTitle(notificationType string) string
}

// Config wires the bus collaborators. Every field is optional.
type Config struct {
	// Store keeps channel snapshots. An in-process map is used when nil.
	Store SnapshotStore
	// Transport connects the bus to the relay. The bus stays local when nil.
	Transport Transport
	// Titles localizes notification titles. English is used when nil.
	Titles TitleRenderer
	// Clock stamps presence updates.
	Clock clock.Clock
	// Logf receives diagnostics. Defaults to log.Printf.
	Logf func(string, ...any)
}

// Bus fans events out to channel subscribers. Emissions are synchronous and
// deliver to the subscribers registered when the emission started.
type Bus struct {
	store     SnapshotStore
	transport Transport
	titles    TitleRenderer
	clock     clock.Clock
	logf      func(string, ...any)
	tracer    trace.Tracer

	// connMu serializes Connect and Disconnect so the transport is opened
	// and closed at most once per cycle.
	connMu sync.Mutex

	mu        sync.Mutex
	connected bool
	// link numbers transport sessions so a late loss report from an old
	// connection cannot mark a newer one inactive.
	link     uint64
	nextGen  uint64
	channels map[string][]*subscription
}

type subscription struct {
	gen     uint64
	handler Handler
}

// New builds a disconnected bus.
func New(cfg Config) *Bus {
	bus := &Bus{
		store:     cfg.Store,
		transport: cfg.Transport,
		titles:    cfg.Titles,
		clock:     clock.OrSystem(cfg.Clock),
		logf:      cfg.Logf,
		tracer:    otel.Tracer("github.com/louisbranch/commonroom/internal/services/bus"),
		channels:  make(map[string][]*subscription),
	}
	if bus.store == nil {
		bus.store = newMemorySnapshots()
	}
	if bus.titles == nil {
		bus.titles = englishTitles{}
	}
	if bus.logf == nil {
		bus.logf = log.Printf
	}
	return bus
}

// Connect marks the bus active, opening the transport first when one is
// configured. Connecting an active bus is a no-op.
func (b *Bus) Connect(ctx context.Context) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if connected {
		return nil
	}

	b.mu.Lock()
	link := b.link + 1
	b.mu.Unlock()

	if b.transport != nil {
		lost := func(err error) { b.connectionLost(link, err) }
		if err := b.transport.Open(ctx, b.receive, lost); err != nil {
			return apperrors.Wrap(apperrors.CodeBusTransportClosed, "open bus transport", err)
		}
	}

	b.mu.Lock()
	b.link = link
	b.connected = true
	b.mu.Unlock()
	return nil
}

// connectionLost marks the bus inactive after the relay connection ends on
// its own. Subscriptions survive so a later Connect resumes delivery.
func (b *Bus) connectionLost(link uint64, err error) {
	// Waiting on connMu lets a Connect still inside Open commit its link
	// first.
	b.connMu.Lock()
	defer b.connMu.Unlock()

	b.mu.Lock()
	current := b.connected && b.link == link
	if current {
		b.connected = false
	}
	b.mu.Unlock()
	if current {
		b.logf("bus: relay connection lost: %v", err)
	}
}

// Disconnect closes the transport, drops every subscription, and marks the
// bus inactive. Snapshots are kept. Disconnecting an inactive bus only
// clears subscriptions.
func (b *Bus) Disconnect() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	b.mu.Lock()
	wasConnected := b.connected
	b.connected = false
	b.channels = make(map[string][]*subscription)
	b.mu.Unlock()

	if wasConnected && b.transport != nil {
		if err := b.transport.Close(); err != nil {
			return fmt.Errorf("close bus transport: %w", err)
		}
	}
	return nil
}

// IsConnectedToServer reports whether Connect has succeeded since the last
// Disconnect and the relay connection is still up.
func (b *Bus) IsConnectedToServer() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Subscribe registers handler on channel. The returned function removes this
// registration only and may be called any number of times.
func (b *Bus) Subscribe(channel string, handler Handler) func() {
	if channel == "" || handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextGen++
	entry := &subscription{gen: b.nextGen, handler: handler}
	b.channels[channel] = append(b.channels[channel], entry)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(channel, entry.gen)
		})
	}
}

func (b *Bus) remove(channel string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.channels[channel]
	for i, entry := range current {
		if entry.gen != gen {
			continue
		}
		// Build a new slice so snapshots taken by in-flight emissions keep
		// their view.
		next := make([]*subscription, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(b.channels, channel)
		} else {
			b.channels[channel] = next
		}
		return
	}
}

// Emit delivers payload to the current subscribers of channel and forwards
// it to the relay when connected. Emit does not touch the snapshot.
func (b *Bus) Emit(channel string, payload any) {
	if channel == "" {
		b.logf("bus: emit dropped: channel is required")
		return
	}
	b.fanOut(channel, payload)
	b.forward(FrameEmit, channel, payload, nil)
}

// Publish stores payload as the channel snapshot, delivers it like Emit, and
// forwards it to the relay when connected. A snapshot failure is returned
// after delivery.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if channel == "" {
		return ErrChannelRequired
	}
	ctx, span := b.tracer.Start(ctx, "bus.Publish", trace.WithAttributes(attribute.String("bus.channel", channel)))
	defer span.End()

	var storeErr error
	raw, err := json.Marshal(payload)
	if err != nil {
		storeErr = apperrors.Wrap(apperrors.CodeBusPayloadMalformed, "encode snapshot", err)
	} else if err := b.store.PutSnapshot(ctx, channel, raw); err != nil {
		storeErr = fmt.Errorf("store %s snapshot: %w", channel, err)
	}

	b.fanOut(channel, payload)
	if raw != nil {
		b.forward(FramePublish, channel, payload, raw)
	}

	if storeErr != nil {
		span.RecordError(storeErr)
		span.SetStatus(codes.Error, storeErr.Error())
	}
	return storeErr
}

// GetStoredData returns the last published payload of channel. It works
// whether or not the bus is connected.
func (b *Bus) GetStoredData(ctx context.Context, channel string) (json.RawMessage, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if channel == "" {
		return nil, false, nil
	}
	raw, ok, err := b.store.GetSnapshot(ctx, channel)
	if err != nil {
		return nil, false, fmt.Errorf("read %s snapshot: %w", channel, err)
	}
	return raw, ok, nil
}

// StoredData decodes the snapshot of channel into T.
func StoredData[T any](ctx context.Context, b *Bus, channel string) (T, bool, error) {
	var value T
	raw, ok, err := b.GetStoredData(ctx, channel)
	if err != nil || !ok {
		return value, ok, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, apperrors.Wrap(apperrors.CodeBusPayloadMalformed, "decode "+channel+" snapshot", err)
	}
	return value, true, nil
}

// receive handles frames from the relay. They reach local subscribers and
// are never forwarded back.
func (b *Bus) receive(frame Frame) {
	channel := strings.TrimSpace(frame.Channel)
	if channel == "" {
		b.logf("bus: remote frame dropped: channel is required")
		return
	}
	payload := frame.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	switch frame.Type {
	case FramePublish:
		if err := b.store.PutSnapshot(context.Background(), channel, payload); err != nil {
			b.logf("bus: store remote snapshot channel=%q: %v", channel, err)
		}
	case FrameEmit:
	default:
		b.logf("bus: remote frame dropped: unknown type %q", frame.Type)
		return
	}
	b.fanOut(channel, payload)
}

func (b *Bus) fanOut(channel string, payload any) {
	b.mu.Lock()
	// Removal always replaces the slice, so holding the current one is a
	// stable snapshot.
	snapshot := b.channels[channel]
	b.mu.Unlock()

	event := Event{Channel: channel, Payload: payload}
	for _, entry := range snapshot {
		b.invoke(entry, event)
	}
}

func (b *Bus) invoke(entry *subscription, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logf("bus: handler panic channel=%q subscription=%d: %v\n%s", event.Channel, entry.gen, recovered, debug.Stack())
		}
	}()
	entry.handler(event)
}

func (b *Bus) forward(frameType FrameType, channel string, payload any, raw json.RawMessage) {
	if b.transport == nil || !b.IsConnectedToServer() {
		return
	}
	if raw == nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			b.logf("bus: forward dropped channel=%q: %v", channel, err)
			return
		}
		raw = encoded
	}
	if err := b.transport.Send(context.Background(), Frame{Type: frameType, Channel: channel, Payload: raw}); err != nil {
		b.logf("bus: forward failed channel=%q: %v", channel, err)
	}
}

type memorySnapshots struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{values: make(map[string]json.RawMessage)}
}

func (m *memorySnapshots) PutSnapshot(_ context.Context, channel string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[channel] = append(json.RawMessage(nil), payload...)
	return nil
}

func (m *memorySnapshots) GetSnapshot(_ context.Context, channel string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[channel]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), value...), true, nil
}
