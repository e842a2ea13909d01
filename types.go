package roomchat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Identifiers
// ============================================================================

// ID is an opaque identifier for rooms, messages and users.
//
// The backend emits numeric ids; ID accepts both JSON numbers and strings and
// always compares by its textual form.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the id is empty.
func (id ID) IsZero() bool { return id == "" }

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// ============================================================================
// Session
// ============================================================================

// Session carries the authenticated identity. Token storage and the login flow
// live outside this package.
type Session struct {
	UserID   ID
	Username string
	Token    string
}

// ============================================================================
// Chat rooms
// ============================================================================

// MessageSummary is the latest-message preview shown in the directory.
type MessageSummary struct {
	SenderID   ID        `json:"senderId"`
	SenderName string    `json:"senderUsername"`
	Content    string    `json:"content"`
	IsGif      bool      `json:"isGif"`
	SentAt     time.Time `json:"sentAt"`
}

// ChatRoom is a directory entry.
type ChatRoom struct {
	ID            ID              `json:"chatRoomId"`
	Name          string          `json:"name"`
	IsPrivate     bool            `json:"isPrivate"`
	CreatedAt     time.Time       `json:"createdAt"`
	LatestMessage *MessageSummary `json:"latestMessage,omitempty"`
}

func (r ChatRoom) clone() ChatRoom {
	if r.LatestMessage != nil {
		lm := *r.LatestMessage
		r.LatestMessage = &lm
	}
	return r
}

// CreateRoomRequest is the body of POST /api/chatrooms.
type CreateRoomRequest struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"isPrivate"`
	Members   []ID   `json:"membersToAdd,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// Message is a timeline entry.
type Message struct {
	ID         ID        `json:"messageId"`
	ClientID   string    `json:"clientId,omitempty"`
	RoomID     ID        `json:"chatRoomId"`
	SenderID   ID        `json:"senderId"`
	SenderName string    `json:"senderUsername"`
	Content    string    `json:"content"`
	IsGif      bool      `json:"isGif"`
	SentAt     time.Time `json:"sentAt"`

	// Pending is set on optimistic entries until the push echo confirms them.
	Pending bool `json:"-"`
}

func (m Message) summary() *MessageSummary {
	return &MessageSummary{
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		IsGif:      m.IsGif,
		SentAt:     m.SentAt,
	}
}

// AvatarEntry maps a room participant to an avatar URL.
type AvatarEntry struct {
	UserID    ID     `json:"userId"`
	AvatarURL string `json:"avatarUrl"`
}

// RoomMessages is the response of the bulk message fetch.
type RoomMessages struct {
	Messages []Message     `json:"messages"`
	Avatars  []AvatarEntry `json:"avatars"`
}

// SendRequest is the body of POST /api/messages.
type SendRequest struct {
	RoomID   ID     `json:"chatRoomId"`
	SenderID ID     `json:"senderId"`
	Content  string `json:"content"`
	IsGif    bool   `json:"isGif"`
	ClientID string `json:"clientId,omitempty"`
}

// ============================================================================
// Push events
// ============================================================================

// MessageEvent is delivered by the push channel for every new message.
type MessageEvent struct {
	RoomID     ID        `json:"roomId"`
	MessageID  ID        `json:"messageId"`
	ClientID   string    `json:"clientId,omitempty"`
	SenderID   ID        `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	IsGif      bool      `json:"isGif"`
	SentAt     time.Time `json:"sentAt"`
}

func (ev MessageEvent) message() Message {
	sent := ev.SentAt
	if sent.IsZero() {
		sent = time.Now().UTC()
	}
	return Message{
		ID:         ev.MessageID,
		ClientID:   ev.ClientID,
		RoomID:     ev.RoomID,
		SenderID:   ev.SenderID,
		SenderName: ev.SenderName,
		Content:    ev.Content,
		IsGif:      ev.IsGif,
		SentAt:     sent,
	}
}

// RoomCreatedEvent announces a new room visible to the user.
type RoomCreatedEvent struct {
	Room ChatRoom `json:"room"`
}
