package domain

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestBroadcastAssignmentRaisesNotification(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	var assignments []Assignment
	var notifications []map[string]any
	bus.Subscribe("assignment", func(event Event) {
		var a Assignment
		if err := event.Decode(&a); err != nil {
			t.Fatalf("decode assignment: %v", err)
		}
		assignments = append(assignments, a)
	})
	bus.Subscribe("notification", func(event Event) {
		var n map[string]any
		if err := event.Decode(&n); err != nil {
			t.Fatalf("decode notification: %v", err)
		}
		notifications = append(notifications, n)
	})

	bus.BroadcastAssignment(Assignment{Title: "HW1"})

	if len(assignments) != 1 || assignments[0] != (Assignment{Title: "HW1"}) {
		t.Fatalf("assignments = %+v", assignments)
	}
	want := map[string]any{
		"type":    "assignment",
		"title":   "New Assignment",
		"message": "HW1",
		"data":    map[string]any{"title": "HW1"},
	}
	if len(notifications) != 1 || !reflect.DeepEqual(notifications[0], want) {
		t.Fatalf("notifications = %#v, want %#v", notifications, want)
	}
}

func TestBroadcastAnnouncementUsesTitleRenderer(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{Titles: fixedTitles{"announcement": "Novo Aviso"}})
	var got Notification
	bus.Subscribe("notification", func(event Event) {
		got = event.Payload.(Notification)
	})

	bus.BroadcastAnnouncement(Announcement{Title: "Open house"})

	if got.Type != NotificationTypeAnnouncement || got.Title != "Novo Aviso" || got.Message != "Open house" {
		t.Fatalf("notification = %+v", got)
	}
	if data, ok := got.Data.(Announcement); !ok || data.Title != "Open house" {
		t.Fatalf("notification data = %#v", got.Data)
	}
}

func TestThinBroadcastersUseDedicatedChannels(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	seen := map[string]string{}
	for _, channel := range []string{ChannelChatMessage, ChannelTyping, ChannelFileUpload, ChannelProjectUpdate, ChannelUserStatus} {
		channel := channel
		bus.Subscribe(channel, func(event Event) {
			raw, err := json.Marshal(event.Payload)
			if err != nil {
				t.Fatalf("encode %s: %v", channel, err)
			}
			seen[channel] = string(raw)
		})
	}
	notified := 0
	bus.Subscribe(ChannelNotification, func(Event) { notified++ })

	bus.SendChatMessage(ChatMessage{ChatID: "c1", SenderID: "u1", Body: "hi"})
	bus.SendTypingIndicator("c1", "u1", true)
	bus.UpdateFileUploadProgress("f1", 0.25)
	bus.BroadcastProjectUpdate("p1", map[string]any{"stage": "done"})

	wants := map[string]string{
		ChannelChatMessage:   `{"chatId":"c1","senderId":"u1","body":"hi"}`,
		ChannelTyping:        `{"chatId":"c1","userId":"u1","isTyping":true}`,
		ChannelFileUpload:    `{"fileId":"f1","progress":0.25}`,
		ChannelProjectUpdate: `{"projectId":"p1","stage":"done"}`,
	}
	for channel, want := range wants {
		if seen[channel] != want {
			t.Fatalf("%s payload = %s, want %s", channel, seen[channel], want)
		}
	}
	if notified != 0 {
		t.Fatalf("thin broadcasters raised %d notifications", notified)
	}
}

func TestBroadcastProjectUpdateKeysOverrideProjectID(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, Config{})
	var got map[string]any
	bus.Subscribe(ChannelProjectUpdate, func(event Event) {
		got = event.Payload.(map[string]any)
	})

	update := map[string]any{"projectId": "override"}
	bus.BroadcastProjectUpdate("p1", update)
	if got["projectId"] != "override" {
		t.Fatalf("projectId = %v", got["projectId"])
	}
	if len(update) != 1 {
		t.Fatalf("caller map was mutated: %v", update)
	}
}

func TestProjectUpdateFrom(t *testing.T) {
	t.Parallel()

	fields, err := ProjectUpdateFrom(struct {
		Stage string `json:"stage"`
	}{Stage: "review"})
	if err != nil {
		t.Fatalf("project update from: %v", err)
	}
	if fields["stage"] != "review" {
		t.Fatalf("fields = %v", fields)
	}
	if _, err := ProjectUpdateFrom([]int{1}); err == nil {
		t.Fatal("expected error for non-object update")
	}
}

type fixedTitles map[string]string

func (f fixedTitles) NotificationTitle(notificationType string) string {
	return f[notificationType]
}
