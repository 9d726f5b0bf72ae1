package chat

import (
	"encoding/json"
	"time"

	"github.com/sphereapp/sphere/backend/internal/store"
)

// Inbound event types. The set is closed; unknown types get an error event
// back without closing the connection.
const (
	EvChatMessage = "chat_message"
	EvTyping      = "typing"
	EvMarkRead    = "mark_read"
	EvPing        = "ping"
	EvOrbUpdate   = "orb_update"
	EvEmoteBurst  = "emote_burst"
)

// Outbound event types.
const (
	EvConnectionEstablished = "connection_established"
	EvNewMessage            = "new_message"
	EvMessageSent           = "message_sent"
	EvTypingIndicator       = "typing"
	EvMessagesRead          = "messages_read"
	EvStreamMessage         = "stream_message"
	EvSignal                = "signal"
	EvUserJoined            = "user_joined"
	EvUserLeft              = "user_left"
	EvPong                  = "pong"
	EvError                 = "error"
)

type inboundEvent struct {
	Type           string          `json:"type"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	MessageType    string          `json:"message_type,omitempty"`
	IsTyping       bool            `json:"is_typing,omitempty"`
	IsEncrypted    bool            `json:"is_encrypted,omitempty"`
	Orb            json.RawMessage `json:"orb,omitempty"`
	Emote          string          `json:"emote,omitempty"`
}

type messagePayload struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	CreatedAt      string `json:"created_at"`
	IsUnsent       bool   `json:"is_unsent"`
}

func toPayload(m *store.Message) messagePayload {
	return messagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		MessageType:    m.Type,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339),
		IsUnsent:       m.IsUnsent,
	}
}

type messageEvent struct {
	Type    string         `json:"type"`
	Message messagePayload `json:"message"`
}

type typingEvent struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"is_typing"`
}

type messagesReadEvent struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	ReaderID       int64  `json:"reader_id"`
	Count          int64  `json:"count"`
}

type streamMessageEvent struct {
	Type    string               `json:"type"`
	Message streamMessagePayload `json:"message"`
}

type streamMessagePayload struct {
	ID             int64  `json:"id"`
	StreamID       int64  `json:"stream_id"`
	AuthorID       int64  `json:"author_id"`
	AuthorUsername string `json:"author_username"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
}

func toStreamPayload(m *store.StreamMessage) streamMessagePayload {
	return streamMessagePayload{
		ID:             m.ID,
		StreamID:       m.StreamID,
		AuthorID:       m.AuthorID,
		AuthorUsername: m.AuthorUsername,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339),
	}
}

type signalEvent struct {
	Type      string          `json:"type"`
	StreamID  int64           `json:"stream_id"`
	Role      string          `json:"role"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

type spaceUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type userJoinedEvent struct {
	Type string    `json:"type"`
	User spaceUser `json:"user"`
}

type userLeftEvent struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

type orbUpdateEvent struct {
	Type string          `json:"type"`
	Orb  json.RawMessage `json:"orb"`
}

type emoteBurstEvent struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Emote  string `json:"emote"`
}

type simpleEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// event structs above marshal unconditionally
		panic(err)
	}
	return b
}
