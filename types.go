package chatsync

import (
	"encoding/json"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-2xx response from the chat backend.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "HTTP " + strconv.Itoa(e.Status)
	}
	return "HTTP " + strconv.Itoa(e.Status) + ": " + e.Message
}

// ============================================================================
// Chat Types
// ============================================================================

// Dialog summarizes the 1:1 conversation with one counterpart.
type Dialog struct {
	UserID        int64     `json:"user_id"`
	FullName      string    `json:"full_name,omitempty"`
	AvatarURL     string    `json:"avatar_url"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UnreadCount   int       `json:"unread_count"`
}

// activity is the timestamp dialogs are ordered by.
func (d Dialog) activity() time.Time {
	if !d.LastMessageAt.IsZero() {
		return d.LastMessageAt
	}
	return d.CreatedAt
}

// Message is a single chat message. ID is assigned by the server; an
// optimistic local copy has ID 0 and a ClientID instead.
type Message struct {
	ID         int64      `json:"id"`
	SenderID   int64      `json:"sender_id"`
	ReceiverID int64      `json:"receiver_id"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	ClientID   string     `json:"-"`
}

// Pending reports whether the message is a local copy not yet confirmed.
func (m Message) Pending() bool {
	return m.ID == 0
}

// Counterpart returns the other participant from self's point of view.
func (m Message) Counterpart(self int64) int64 {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// AvatarUpdate is the payload of an avatar_updated frame.
type AvatarUpdate struct {
	UserID    int64  `json:"user_id"`
	AvatarURL string `json:"avatar_url"`
}

// ChatStarted is the payload of a chat:started frame.
type ChatStarted struct {
	ReceiverID int64 `json:"receiver_id"`
}

// Notification is the payload of a notification frame.
type Notification struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Type      string     `json:"type"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// ============================================================================
// Wire Types
// ============================================================================

// EventType names an inbound realtime frame.
type EventType string

const (
	EventMessage       EventType = "message"
	EventNotification  EventType = "notification"
	EventChatStarted   EventType = "chat:started"
	EventAvatarUpdated EventType = "avatar_updated"
)

// Known reports whether t is one of the frame types the router accepts.
func (t EventType) Known() bool {
	switch t {
	case EventMessage, EventNotification, EventChatStarted, EventAvatarUpdated:
		return true
	}
	return false
}

// Event is the wire format for all realtime frames.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the Data field into the provided type.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type sendMessageRequest struct {
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

type markReadRequest struct {
	ReceiverID int64 `json:"receiver_id"`
}
