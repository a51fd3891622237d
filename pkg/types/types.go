package types

import (
	"encoding/json"
	"time"
)

// Client -> server event names
const (
	EventJoinPrivateChat    = "join_private_chat"
	EventPrivateMessage     = "private_message"
	EventMarkMessagesAsRead = "mark_messages_as_read"
	EventNewMessage         = "new_message"
	EventTypingStart        = "typing_start"
	EventTypingStop         = "typing_stop"
)

// Server -> client event names
const (
	EventUpdateOnlineUsers         = "update_online_users"
	EventPrivateMessageHistory     = "private_message_history"
	EventNewPrivateMessage         = "new_private_message"
	EventUnreadMessageNotification = "unread_message_notification"
	EventChatMessage               = "chat_message"
	EventUserTypingStart           = "user_typing_start"
	EventUserTypingStop            = "user_typing_stop"
)

// Identity is an authenticated user as seen by the chat core.
// The identity provider owns these records; the core only reads them.
type Identity struct {
	ID             int64      `json:"id" db:"id"`
	Username       string     `json:"username" db:"username"`
	DisplayName    string     `json:"display_name" db:"display_name"`
	ProfilePicture string     `json:"profile_picture" db:"profile_picture"`
	LastSeen       *time.Time `json:"last_seen,omitempty" db:"last_seen"`
}

// ChatMessage is a persisted private message.
// RecipientID is nil for global messages, which the core does not persist today.
type ChatMessage struct {
	ID          int64     `json:"id" db:"id"`
	SenderID    int64     `json:"sender_id" db:"sender_id"`
	RecipientID *int64    `json:"recipient_id,omitempty" db:"recipient_id"`
	Body        string    `json:"body" db:"body"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	Read        bool      `json:"read" db:"is_read"`
}

// Envelope is the frame shape used in both directions on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEnvelope carries an already-typed payload to a connection.
type OutboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// NewEnvelope wraps a payload for delivery.
func NewEnvelope(event string, data any) OutboundEnvelope {
	return OutboundEnvelope{Event: event, Data: data}
}

// Inbound payloads

type JoinPrivateChatRequest struct {
	RecipientUsername string `json:"recipient_username" validate:"required,max=80"`
}

type PrivateMessageRequest struct {
	RecipientUsername string `json:"recipient_username" validate:"required,max=80"`
	Message           string `json:"message" validate:"required"`
}

type MarkMessagesAsReadRequest struct {
	SenderUsername string `json:"sender_username" validate:"required,max=80"`
}

type NewMessageRequest struct {
	Message string `json:"message" validate:"required"`
}

type TypingRequest struct {
	Room string `json:"room,omitempty" validate:"omitempty,max=64"`
}

// Outbound payloads

// PrivateMessagePayload is used both for live delivery and for history items.
type PrivateMessagePayload struct {
	Username       string    `json:"username"`
	ProfilePicture string    `json:"profile_picture"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

type PrivateMessageHistoryPayload struct {
	History []PrivateMessagePayload `json:"history"`
	Room    string                  `json:"room"`
}

type UnreadNotificationPayload struct {
	Sender string `json:"sender"`
}

type ChatMessagePayload struct {
	Username       string `json:"username"`
	ProfilePicture string `json:"profile_picture"`
	Text           string `json:"text"`
}

type TypingPayload struct {
	Username string `json:"username"`
}
