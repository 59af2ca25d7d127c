package domain

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/commonroom/internal/platform/errors"
	"github.com/louisbranch/commonroom/internal/testkit/fakeclock"
)

func TestUnsubscribeBeforeEmitIsNeverInvoked(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	var removedCalls, keptCalls int
	unsubscribe := bus.Subscribe("chat_message", func(Event) { removedCalls++ })
	bus.Subscribe("chat_message", func(Event) { keptCalls++ })

	unsubscribe()
	bus.Emit("chat_message", "hello")

	if removedCalls != 0 {
		t.Fatalf("removed handler calls = %d, want 0", removedCalls)
	}
	if keptCalls != 1 {
		t.Fatalf("kept handler calls = %d, want 1", keptCalls)
	}
}

func TestPublishSnapshotSurvivesReconnect(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	ctx := context.Background()
	if err := bus.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := bus.Publish(ctx, "project_update", map[string]any{"projectId": "p1", "stage": "review"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := bus.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	got, ok, err := StoredData[map[string]string](ctx, bus, "project_update")
	if err != nil {
		t.Fatalf("stored data: %v", err)
	}
	if !ok {
		t.Fatal("expected stored snapshot")
	}
	want := map[string]string{"projectId": "p1", "stage": "review"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
}

func TestGetStoredDataWithoutConnect(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	ctx := context.Background()
	if _, ok, err := bus.GetStoredData(ctx, "announcement"); err != nil || ok {
		t.Fatalf("unpublished channel: ok=%v err=%v", ok, err)
	}
	if err := bus.Publish(ctx, "announcement", Announcement{Title: "Open house"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	raw, ok, err := bus.GetStoredData(ctx, "announcement")
	if err != nil || !ok {
		t.Fatalf("get stored data: ok=%v err=%v", ok, err)
	}
	if string(raw) != `{"title":"Open house"}` {
		t.Fatalf("snapshot = %s", raw)
	}
	if bus.IsConnectedToServer() {
		t.Fatal("reading snapshots must not connect the bus")
	}
}

func TestEmitDoesNotStoreSnapshot(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	bus.Emit("typing", TypingIndicator{ChatID: "c1"})
	if _, ok, err := bus.GetStoredData(context.Background(), "typing"); err != nil || ok {
		t.Fatalf("emit stored snapshot: ok=%v err=%v", ok, err)
	}
}

func TestDoubleUnsubscribeAndDoubleDisconnect(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	bus := newTestBus(t, Config{Transport: transport})
	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var first, second int
	unsubscribeFirst := bus.Subscribe("user_status", func(Event) { first++ })
	bus.Subscribe("user_status", func(Event) { second++ })

	unsubscribeFirst()
	unsubscribeFirst()
	bus.Emit("user_status", nil)
	if first != 0 || second != 1 {
		t.Fatalf("calls first=%d second=%d", first, second)
	}

	if err := bus.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := bus.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if transport.closes != 1 {
		t.Fatalf("transport closes = %d, want 1", transport.closes)
	}
	bus.Emit("user_status", nil)
	if second != 1 {
		t.Fatalf("disconnect kept subscriptions: calls=%d", second)
	}
	unsubscribeFirst()
}

func TestSubscriberAddedDuringEmitMissesThatEmit(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	var lateCalls int
	added := false
	bus.Subscribe("announcement", func(Event) {
		if added {
			return
		}
		added = true
		bus.Subscribe("announcement", func(Event) { lateCalls++ })
	})

	bus.Emit("announcement", "first")
	if lateCalls != 0 {
		t.Fatalf("late subscriber saw in-flight emit: %d", lateCalls)
	}
	bus.Emit("announcement", "second")
	if lateCalls != 1 {
		t.Fatalf("late subscriber calls = %d, want 1", lateCalls)
	}
}

func TestUnsubscribeDuringEmitKeepsSnapshot(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	var order []string
	var unsubscribeSecond func()
	bus.Subscribe("chat_message", func(Event) {
		order = append(order, "first")
		unsubscribeSecond()
	})
	unsubscribeSecond = bus.Subscribe("chat_message", func(Event) { order = append(order, "second") })
	bus.Subscribe("chat_message", func(Event) { order = append(order, "third") })

	bus.Emit("chat_message", "hi")
	if want := []string{"first", "second", "third"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}

	order = nil
	bus.Emit("chat_message", "again")
	if want := []string{"first", "third"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order after unsubscribe = %v, want %v", order, want)
	}
}

func TestHandlerPanicDoesNotStopFanOut(t *testing.T) {
	t.Parallel()

	var logged []string
	bus := newTestBus(t, Config{Logf: func(format string, args ...any) { logged = append(logged, format) }})
	var after int
	bus.Subscribe("file_upload_progress", func(Event) { panic("boom") })
	bus.Subscribe("file_upload_progress", func(Event) { after++ })

	bus.UpdateFileUploadProgress("f1", 0.5)
	if after != 1 {
		t.Fatalf("handler after panic calls = %d, want 1", after)
	}
	if len(logged) != 1 {
		t.Fatalf("logged = %v, want one panic line", logged)
	}
}

func TestUnknownChannelIsValid(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	calls := 0
	bus.Subscribe("never-published", func(Event) { calls++ })
	bus.Emit("someone-else", 1)
	if calls != 0 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestEmptyChannel(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	calls := 0
	unsubscribe := bus.Subscribe("", func(Event) { calls++ })
	unsubscribe()
	bus.Emit("", 1)
	if calls != 0 {
		t.Fatalf("calls = %d", calls)
	}
	if err := bus.Publish(context.Background(), "", 1); !errors.Is(err, ErrChannelRequired) {
		t.Fatalf("expected ErrChannelRequired, got %v", err)
	}
	if apperrors.CodeOf(ErrChannelRequired) != apperrors.CodeBusChannelRequired {
		t.Fatal("expected bus channel code")
	}
}

func TestPublishStoreFailureStillFansOut(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("disk full")
	bus := newTestBus(t, Config{Store: failingStore{err: storeErr}})
	calls := 0
	bus.Subscribe("announcement", func(Event) { calls++ })

	err := bus.Publish(context.Background(), "announcement", Announcement{Title: "x"})
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPublishUnencodablePayload(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	calls := 0
	bus.Subscribe("announcement", func(Event) { calls++ })

	err := bus.Publish(context.Background(), "announcement", make(chan int))
	if apperrors.CodeOf(err) != apperrors.CodeBusPayloadMalformed {
		t.Fatalf("expected malformed payload code, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	bus := newTestBus(t, Config{Transport: transport})
	calls := 0
	bus.Subscribe("assignment", func(Event) { calls++ })

	for i := 0; i < 2; i++ {
		if err := bus.Connect(context.Background()); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if transport.opens != 1 {
		t.Fatalf("transport opens = %d, want 1", transport.opens)
	}
	bus.Emit("assignment", 1)
	if calls != 1 {
		t.Fatalf("second connect reset subscriptions: calls=%d", calls)
	}
}

func TestLostConnectionKeepsSubscriptions(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	bus := newTestBus(t, Config{Transport: transport})
	calls := 0
	bus.Subscribe(ChannelAssignment, func(Event) { calls++ })
	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	transport.drop(0, errors.New("relay went away"))
	if bus.IsConnectedToServer() {
		t.Fatal("bus still connected after losing the relay")
	}
	bus.Emit(ChannelAssignment, 1)
	if calls != 1 {
		t.Fatalf("local delivery after loss: calls=%d", calls)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("forwarded %d frames while disconnected", len(transport.sent))
	}

	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if transport.opens != 2 {
		t.Fatalf("transport opens = %d, want 2", transport.opens)
	}
	transport.drop(0, errors.New("stale report"))
	if !bus.IsConnectedToServer() {
		t.Fatal("stale loss report from the first connection disconnected the bus")
	}
	bus.Emit(ChannelAssignment, 2)
	if calls != 2 || len(transport.sent) != 1 {
		t.Fatalf("after reconnect calls=%d sent=%d", calls, len(transport.sent))
	}
}

func TestConnectFailureLeavesBusInactive(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("relay down")
	bus := newTestBus(t, Config{Transport: &fakeTransport{openErr: dialErr}})

	err := bus.Connect(context.Background())
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if bus.IsConnectedToServer() {
		t.Fatal("bus connected after failed dial")
	}
}

func TestLocalEmissionsForwardOnlyWhenConnected(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	bus := newTestBus(t, Config{Transport: transport})

	bus.Emit("chat_message", ChatMessage{ChatID: "c1", Body: "offline"})
	if len(transport.sent) != 0 {
		t.Fatalf("forwarded while disconnected: %v", transport.sent)
	}

	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	bus.Emit("chat_message", ChatMessage{ChatID: "c1", Body: "online"})
	if err := bus.Publish(context.Background(), "announcement", Announcement{Title: "t"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(transport.sent) != 2 {
		t.Fatalf("sent = %d frames, want 2", len(transport.sent))
	}
	if transport.sent[0].Type != FrameEmit || transport.sent[0].Channel != "chat_message" {
		t.Fatalf("first frame = %+v", transport.sent[0])
	}
	if transport.sent[1].Type != FramePublish || string(transport.sent[1].Payload) != `{"title":"t"}` {
		t.Fatalf("second frame = %+v", transport.sent[1])
	}
}

func TestRemoteFramesFanOutWithoutEcho(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	bus := newTestBus(t, Config{Transport: transport})
	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var received []Announcement
	bus.Subscribe("announcement", func(event Event) {
		var a Announcement
		if err := event.Decode(&a); err != nil {
			t.Fatalf("decode: %v", err)
		}
		received = append(received, a)
	})

	transport.deliver(Frame{Type: FramePublish, Channel: "announcement", Payload: json.RawMessage(`{"title":"remote"}`)})
	transport.deliver(Frame{Type: FrameEmit, Channel: "announcement", Payload: json.RawMessage(`{"title":"ephemeral"}`)})
	transport.deliver(Frame{Type: "bus.unknown", Channel: "announcement", Payload: json.RawMessage(`{}`)})

	if len(received) != 2 || received[0].Title != "remote" || received[1].Title != "ephemeral" {
		t.Fatalf("received = %+v", received)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("remote frames echoed: %v", transport.sent)
	}
	raw, ok, err := bus.GetStoredData(context.Background(), "announcement")
	if err != nil || !ok || string(raw) != `{"title":"remote"}` {
		t.Fatalf("snapshot = %s ok=%v err=%v", raw, ok, err)
	}
}

func TestConcurrentSubscribeEmitUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				unsubscribe := bus.Subscribe("user_status", func(Event) {})
				bus.UpdateUserStatus("u1", StatusOnline)
				unsubscribe()
			}
		}()
	}
	wg.Wait()
}

func TestEventDecodeLocalPayload(t *testing.T) {
	t.Parallel()

	event := Event{Channel: "typing", Payload: TypingIndicator{ChatID: "c1", UserID: "u1", IsTyping: true}}
	var got TypingIndicator
	if err := event.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.IsTyping || got.ChatID != "c1" {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestUserStatusUsesClock(t *testing.T) {
	t.Parallel()

	clk := fakeclock.New(time.UnixMilli(1_700_000_000_000))
	bus := newTestBus(t, Config{Clock: clk})
	var got UserStatusUpdate
	bus.Subscribe(ChannelUserStatus, func(event Event) {
		got = event.Payload.(UserStatusUpdate)
	})

	bus.UpdateUserStatus("u1", StatusAway)
	want := UserStatusUpdate{UserID: "u1", Status: StatusAway, Timestamp: 1_700_000_000_000}
	if got != want {
		t.Fatalf("status = %+v, want %+v", got, want)
	}
}

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	if cfg.Logf == nil {
		cfg.Logf = t.Logf
	}
	return New(cfg)
}

type fakeTransport struct {
	mu      sync.Mutex
	openErr error
	opens   int
	closes  int
	sent    []Frame
	deliver func(Frame)
	lost    []func(error)
}

func (f *fakeTransport) Open(_ context.Context, deliver func(Frame), lost func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opens++
	f.deliver = deliver
	f.lost = append(f.lost, lost)
	return nil
}

// drop reports the loss of the connection opened by the n-th Open.
func (f *fakeTransport) drop(n int, err error) {
	f.mu.Lock()
	lost := f.lost[n]
	f.mu.Unlock()
	lost(err)
}

func (f *fakeTransport) Send(_ context.Context, frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

type failingStore struct {
	err error
}

func (s failingStore) PutSnapshot(context.Context, string, json.RawMessage) error {
	return s.err
}

func (s failingStore) GetSnapshot(context.Context, string) (json.RawMessage, bool, error) {
	return nil, false, s.err
}
