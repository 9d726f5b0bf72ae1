package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sphereapp/sphere/backend/internal/store"
)

// FanOutMessage delivers a persisted message: new_message to the recipient's
// room and message_sent to the sender's own room, so the sender's other tabs
// stay in sync. Delivery to an offline recipient is dropped here; durability
// comes from the store alone.
func (h *Hub) FanOutMessage(ctx context.Context, msg *store.Message) {
	payload := toPayload(msg)

	recipient, err := h.store.OtherParticipant(ctx, msg.ConversationID, msg.SenderID)
	if err != nil {
		slog.Error("resolve recipient failed", "conversation_id", msg.ConversationID, "err", err)
	} else if recipient != 0 {
		h.BroadcastUser(recipient, mustJSON(messageEvent{Type: EvNewMessage, Message: payload}))
	}

	h.BroadcastUser(msg.SenderID, mustJSON(messageEvent{Type: EvMessageSent, Message: payload}))
}

// NotifyTyping relays an ephemeral typing state to the other participant's
// room. Nothing is persisted and the sender gets no acknowledgment.
func (h *Hub) NotifyTyping(ctx context.Context, convID, userID int64, username string, isTyping bool) {
	recipient, err := h.store.OtherParticipant(ctx, convID, userID)
	if err != nil || recipient == 0 {
		return
	}
	h.BroadcastUser(recipient, mustJSON(typingEvent{
		Type:           EvTypingIndicator,
		ConversationID: convID,
		UserID:         userID,
		Username:       username,
		IsTyping:       isTyping,
	}))
}

// NotifyRead tells the other participant how many of their messages were
// just read, so read-receipt indicators update without a refetch.
func (h *Hub) NotifyRead(ctx context.Context, convID, readerID, count int64) {
	recipient, err := h.store.OtherParticipant(ctx, convID, readerID)
	if err != nil || recipient == 0 {
		return
	}
	h.BroadcastUser(recipient, mustJSON(messagesReadEvent{
		Type:           EvMessagesRead,
		ConversationID: convID,
		ReaderID:       readerID,
		Count:          count,
	}))
}

// FanOutStreamMessage pushes a livestream chat message to the stream room.
func (h *Hub) FanOutStreamMessage(msg *store.StreamMessage) {
	h.BroadcastStream(msg.StreamID, mustJSON(streamMessageEvent{Type: EvStreamMessage, Message: toStreamPayload(msg)}))
}

// FanOutSignal pushes a signaling record to the stream room for clients on
// the push transport; polling clients pick it up from the REST surface.
func (h *Hub) FanOutSignal(sig *store.Signal) {
	h.BroadcastStream(sig.StreamID, mustJSON(signalEvent{
		Type:      EvSignal,
		StreamID:  sig.StreamID,
		Role:      sig.Role,
		Kind:      sig.Kind,
		Payload:   sig.Payload,
		CreatedAt: sig.CreatedAt.Format(time.RFC3339),
	}))
}

// handleFrame routes one inbound frame. Activity on the channel counts as
// liveness, so presence is touched before anything else.
func (c *Client) handleFrame(raw []byte) {
	c.hub.presence.Touch(c.UserID)

	var ev inboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.sendError("invalid JSON")
		return
	}

	ctx := context.Background()
	if c.SpaceSlug != "" {
		c.handleSpaceFrame(ev)
		return
	}
	if c.StreamID != 0 {
		c.handleStreamFrame(ctx, ev)
		return
	}

	switch ev.Type {
	case EvChatMessage:
		c.handleChatMessage(ctx, ev)
	case EvTyping:
		c.handleTyping(ctx, ev)
	case EvMarkRead:
		c.handleMarkRead(ctx, ev)
	case EvPing:
		c.enqueue(mustJSON(simpleEvent{Type: EvPong}))
	default:
		c.sendError("unknown event type")
	}
}

func (c *Client) handleChatMessage(ctx context.Context, ev inboundEvent) {
	if ev.ConversationID == 0 {
		c.sendError("missing conversation_id or content")
		return
	}

	conv, err := c.hub.store.ConversationByID(ctx, ev.ConversationID)
	if err != nil {
		c.sendStoreError(err)
		return
	}

	// The live socket is conservative about pending requests: only the
	// requester may keep sending. The recipient's reply arrives over the
	// request path, which accepts the request as a side effect.
	if conv.IsRequest && conv.RequestStatus == store.RequestPending {
		initiator, err := c.hub.store.InitiatorID(ctx, conv.ID)
		if err != nil {
			c.sendStoreError(err)
			return
		}
		if initiator != 0 && initiator != c.UserID {
			c.sendStoreError(store.ErrPendingRequest)
			return
		}
	}

	msg, err := c.hub.store.CreateMessage(ctx, store.NewMessage{
		ConversationID: ev.ConversationID,
		SenderID:       c.UserID,
		Content:        ev.Content,
		Type:           ev.MessageType,
		Encrypted:      ev.IsEncrypted,
	})
	if err != nil {
		c.sendStoreError(err)
		return
	}

	c.hub.FanOutMessage(ctx, msg)
}

func (c *Client) handleTyping(ctx context.Context, ev inboundEvent) {
	if ev.ConversationID == 0 {
		return
	}
	c.hub.NotifyTyping(ctx, ev.ConversationID, c.UserID, c.Username, ev.IsTyping)
}

func (c *Client) handleMarkRead(ctx context.Context, ev inboundEvent) {
	if ev.ConversationID == 0 {
		return
	}
	count, err := c.hub.store.MarkRead(ctx, ev.ConversationID, c.UserID)
	if err != nil {
		c.sendStoreError(err)
		return
	}
	c.hub.NotifyRead(ctx, ev.ConversationID, c.UserID, count)
}

// handleSpaceFrame relays audio-space state. Nothing here touches the store:
// orb positions and emotes are transient and die with the room. Orb updates
// skip the sender; emote bursts echo to everyone.
func (c *Client) handleSpaceFrame(ev inboundEvent) {
	switch ev.Type {
	case EvOrbUpdate:
		c.hub.BroadcastSpace(c.SpaceSlug, mustJSON(orbUpdateEvent{Type: EvOrbUpdate, Orb: ev.Orb}), c)
	case EvEmoteBurst:
		emote := ev.Emote
		if emote == "" {
			emote = "❤️"
		}
		c.hub.BroadcastSpace(c.SpaceSlug, mustJSON(emoteBurstEvent{
			Type:   EvEmoteBurst,
			UserID: c.UserID,
			Emote:  emote,
		}), nil)
	case EvPing:
		c.enqueue(mustJSON(simpleEvent{Type: EvPong}))
	default:
		c.sendError("unknown event type")
	}
}

func (c *Client) handleStreamFrame(ctx context.Context, ev inboundEvent) {
	switch ev.Type {
	case EvChatMessage:
		msg, err := c.hub.store.CreateStreamMessage(ctx, c.StreamID, c.UserID, ev.Content)
		if err != nil {
			c.sendStoreError(err)
			return
		}
		c.hub.FanOutStreamMessage(msg)
	case EvPing:
		c.enqueue(mustJSON(simpleEvent{Type: EvPong}))
	default:
		c.sendError("unknown event type")
	}
}

// sendStoreError reports a store failure back on the originating connection.
// Validation errors carry their own message; anything else is a store fault
// the client shouldn't guess about.
func (c *Client) sendStoreError(err error) {
	switch {
	case errors.Is(err, store.ErrConversationNotFound),
		errors.Is(err, store.ErrNotParticipant),
		errors.Is(err, store.ErrEmptyMessage),
		errors.Is(err, store.ErrMessageTooLong),
		errors.Is(err, store.ErrPendingRequest),
		errors.Is(err, store.ErrStreamNotFound),
		errors.Is(err, store.ErrStreamNotLive):
		c.sendError(err.Error())
	default:
		slog.Error("store operation failed", "user_id", c.UserID, "err", err)
		c.sendError("operation failed")
	}
}

func (c *Client) sendError(msg string) {
	c.enqueue(mustJSON(simpleEvent{Type: EvError, Message: msg}))
}
