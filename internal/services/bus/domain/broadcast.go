package domain

import (
	"encoding/json"
	"fmt"
)

// Announcement is an organization-wide notice.
type Announcement struct {
	ID       string `json:"id,omitempty"`
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	AuthorID string `json:"authorId,omitempty"`
}

// Assignment is a task handed out to members.
type Assignment struct {
	ID        string `json:"id,omitempty"`
	Title     string `json:"title"`
	Details   string `json:"details,omitempty"`
	DueAt     string `json:"dueAt,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

// ChatMessage is one message posted to a chat.
type ChatMessage struct {
	ID       string `json:"id,omitempty"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
	SentAt   int64  `json:"sentAt,omitempty"`
}

// Notification is the generic event raised alongside domain broadcasts.
type Notification struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// UserStatus values accepted by UpdateUserStatus.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
)

// UserStatusUpdate is the payload of the user_status channel.
type UserStatusUpdate struct {
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// TypingIndicator is the payload of the typing channel.
type TypingIndicator struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// FileUploadProgress is the payload of the file_upload_progress channel.
type FileUploadProgress struct {
	FileID   string  `json:"fileId"`
	Progress float64 `json:"progress"`
}

// BroadcastAnnouncement emits a on the announcement channel and raises a
// matching notification.
func (b *Bus) BroadcastAnnouncement(a Announcement) {
	b.Emit(ChannelAnnouncement, a)
	b.Emit(ChannelNotification, Notification{
		Type:    NotificationTypeAnnouncement,
		Title:   b.titles.NotificationTitle(NotificationTypeAnnouncement),
		Message: a.Title,
		Data:    a,
	})
}

// BroadcastAssignment emits a on the assignment channel and raises a
// matching notification.
func (b *Bus) BroadcastAssignment(a Assignment) {
	b.Emit(ChannelAssignment, a)
	b.Emit(ChannelNotification, Notification{
		Type:    NotificationTypeAssignment,
		Title:   b.titles.NotificationTitle(NotificationTypeAssignment),
		Message: a.Title,
		Data:    a,
	})
}

// SendChatMessage emits m on the chat_message channel.
func (b *Bus) SendChatMessage(m ChatMessage) {
	b.Emit(ChannelChatMessage, m)
}

// UpdateUserStatus emits a presence change stamped with the current time in
// Unix milliseconds.
func (b *Bus) UpdateUserStatus(userID, status string) {
	b.Emit(ChannelUserStatus, UserStatusUpdate{
		UserID:    userID,
		Status:    status,
		Timestamp: b.clock.Now().UnixMilli(),
	})
}

// SendTypingIndicator emits a typing state change for one chat member.
func (b *Bus) SendTypingIndicator(chatID, userID string, isTyping bool) {
	b.Emit(ChannelTyping, TypingIndicator{ChatID: chatID, UserID: userID, IsTyping: isTyping})
}

// UpdateFileUploadProgress emits upload progress for one file.
func (b *Bus) UpdateFileUploadProgress(fileID string, progress float64) {
	b.Emit(ChannelFileUpload, FileUploadProgress{FileID: fileID, Progress: progress})
}

// BroadcastProjectUpdate emits update merged with projectId on the
// project_update channel. Keys in update win over projectID.
func (b *Bus) BroadcastProjectUpdate(projectID string, update map[string]any) {
	payload := make(map[string]any, len(update)+1)
	payload["projectId"] = projectID
	for key, value := range update {
		payload[key] = value
	}
	b.Emit(ChannelProjectUpdate, payload)
}

// ProjectUpdateFrom flattens a struct update into the map form accepted by
// BroadcastProjectUpdate.
func ProjectUpdateFrom(update any) (map[string]any, error) {
	raw, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encode project update: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("project update must be an object: %w", err)
	}
	return fields, nil
}

type englishTitles struct{}

func (englishTitles) NotificationTitle(notificationType string) string {
	switch notificationType {
	case NotificationTypeAnnouncement:
		return "New Announcement"
	case NotificationTypeAssignment:
		return "New Assignment"
	default:
		return "Notification"
	}
}
