// Package chat is the real-time hub: it tracks which live connections belong
// to which user room (and which stream or space room), and fans chat events
// out to them. It holds no durable state; the store remains the system of
// record.
package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sphereapp/sphere/backend/internal/presence"
	"github.com/sphereapp/sphere/backend/internal/store"
)

type Hub struct {
	store    *store.Store
	presence *presence.Tracker

	mu sync.Mutex
	// userID -> set of connections. One room per user, so every open tab
	// and device receives the same fan-out.
	users map[int64]map[*Client]bool
	// streamID -> set of livestream connections.
	streams map[int64]map[*Client]bool
	// space slug -> set of audio-space connections. Spaces are ephemeral;
	// the room exists exactly as long as someone is in it.
	spaces map[string]map[*Client]bool
}

func NewHub(st *store.Store, tracker *presence.Tracker) *Hub {
	return &Hub{
		store:    st,
		presence: tracker,
		users:    make(map[int64]map[*Client]bool),
		streams:  make(map[int64]map[*Client]bool),
		spaces:   make(map[string]map[*Client]bool),
	}
}

// Register adds a connection to its room and marks the user active. Joining
// a space announces the user to everyone in it, the new connection included.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if c.SpaceSlug != "" {
		if h.spaces[c.SpaceSlug] == nil {
			h.spaces[c.SpaceSlug] = make(map[*Client]bool)
		}
		h.spaces[c.SpaceSlug][c] = true
	} else {
		rooms, key := h.roomsFor(c)
		if rooms[key] == nil {
			rooms[key] = make(map[*Client]bool)
		}
		rooms[key][c] = true
	}
	h.mu.Unlock()

	h.presence.Touch(c.UserID)
	if err := h.store.TouchUser(context.Background(), c.UserID); err != nil {
		slog.Warn("touch user failed", "user_id", c.UserID, "err", err)
	}

	if c.SpaceSlug != "" {
		h.BroadcastSpace(c.SpaceSlug, mustJSON(userJoinedEvent{
			Type: EvUserJoined,
			User: spaceUser{ID: c.UserID, Username: c.Username},
		}), nil)
	}
}

// Unregister removes a connection from its room. Removing a connection that
// is already gone is a no-op. Leaving a space announces the departure to the
// remaining members.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := false
	if c.SpaceSlug != "" {
		set := h.spaces[c.SpaceSlug]
		if set != nil && set[c] {
			delete(set, c)
			close(c.Send)
			removed = true
			if len(set) == 0 {
				delete(h.spaces, c.SpaceSlug)
			}
		}
	} else {
		rooms, key := h.roomsFor(c)
		set := rooms[key]
		if set != nil && set[c] {
			delete(set, c)
			close(c.Send)
			removed = true
			if len(set) == 0 {
				delete(rooms, key)
			}
		}
	}
	h.mu.Unlock()

	if removed && c.SpaceSlug != "" {
		h.BroadcastSpace(c.SpaceSlug, mustJSON(userLeftEvent{
			Type:   EvUserLeft,
			UserID: c.UserID,
		}), nil)
	}
}

// BroadcastUser pushes a serialized event to every live connection of one
// user. An empty or absent room is a safe no-op.
func (h *Hub) BroadcastUser(userID int64, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fanOut(h.users, userID, payload, nil)
}

// BroadcastStream pushes an event to everyone watching a stream.
func (h *Hub) BroadcastStream(streamID int64, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fanOut(h.streams, streamID, payload, nil)
}

// BroadcastSpace pushes an event to everyone in an audio space, skipping
// exclude when non-nil. High-frequency relays skip their own sender so a
// client never fights its locally predicted state.
func (h *Hub) BroadcastSpace(slug string, payload []byte, exclude *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fanOut(h.spaces, slug, payload, exclude)
}

// fanOut delivers to one room. Callers hold h.mu.
func fanOut[K comparable](rooms map[K]map[*Client]bool, key K, payload []byte, exclude *Client) {
	set := rooms[key]
	for c := range set {
		if c == exclude {
			continue
		}
		select {
		case c.Send <- payload:
		default:
			// A connection that cannot accept the write is treated as
			// disconnected so siblings keep receiving.
			delete(set, c)
			close(c.Send)
			slog.Info("dropped slow client", "user_id", c.UserID)
		}
	}
	if set != nil && len(set) == 0 {
		delete(rooms, key)
	}
}

func (h *Hub) roomsFor(c *Client) (map[int64]map[*Client]bool, int64) {
	if c.StreamID != 0 {
		return h.streams, c.StreamID
	}
	return h.users, c.UserID
}
