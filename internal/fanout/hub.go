// Package fanout delivers events to per-user rooms and, for presence changes
// only, to every live connection. Message fan-out cost is independent of total
// connection count: content goes only to the two rooms in a conversation.
package fanout

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

const defaultSendBuffer = 32

// Connection is the hub's view of one websocket connection: an id and a
// buffered outbound frame channel drained by the gateway's write pump.
type Connection struct {
	ID   string
	send chan []byte
}

// NewConnection creates a hub connection with the default outbound buffer.
func NewConnection(id string) *Connection {
	return &Connection{
		ID:   id,
		send: make(chan []byte, defaultSendBuffer),
	}
}

// Outbound returns the channel the write pump drains.
func (c *Connection) Outbound() <-chan []byte { return c.send }

// trySend enqueues payload without blocking. A slow consumer drops frames
// rather than stalling the hub.
func (c *Connection) trySend(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Enqueue marshals a frame onto this connection's outbound buffer without
// blocking. Used for direct replies that target one connection rather than a
// room. Returns false if the frame could not be marshalled or was dropped.
func (c *Connection) Enqueue(frame presence.Frame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	return c.trySend(payload)
}

// Hub tracks all registered connections, their user rooms, and local presence
// watchers (the SSE stream). All methods are safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	conns    map[*Connection]struct{}
	rooms    map[string]map[*Connection]struct{}
	member   map[*Connection]string
	watchers map[chan presence.Event]struct{}
	logger   zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		conns:    make(map[*Connection]struct{}),
		rooms:    make(map[string]map[*Connection]struct{}),
		member:   make(map[*Connection]string),
		watchers: make(map[chan presence.Event]struct{}),
		logger:   logger.With().Str("component", "Hub").Logger(),
	}
}

// Add registers a connection. Unauthenticated connections still receive
// presence broadcasts; they join no room until Join.
func (h *Hub) Add(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

// Join places the connection in the room scoped to userID. Multiple devices
// for the same user share one room.
func (h *Hub) Join(c *Connection, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[userID]
	if !ok {
		room = make(map[*Connection]struct{})
		h.rooms[userID] = room
	}
	room[c] = struct{}{}
	h.member[c] = userID
}

// Remove unregisters the connection and returns the number of connections
// remaining in the user's room (0 when this was the user's last device, -1
// when the connection never authenticated).
func (h *Hub) Remove(c *Connection) (userID string, remaining int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)

	userID, ok := h.member[c]
	if !ok {
		return "", -1
	}
	delete(h.member, c)

	room := h.rooms[userID]
	delete(room, c)
	remaining = len(room)
	if remaining == 0 {
		delete(h.rooms, userID)
	}
	return userID, remaining
}

// RoomSize returns the number of live connections in a user's room.
func (h *Hub) RoomSize(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// ToUser delivers a frame to every connection in the user's room. Returns the
// number of connections the frame was enqueued to.
func (h *Hub) ToUser(userID string, frame presence.Frame) int {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("event", frame.Event).Msg("Failed to marshal frame.")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.rooms[userID] {
		if c.trySend(payload) {
			delivered++
		} else {
			h.logger.Warn().Str("conn", c.ID).Str("event", frame.Event).Msg("Dropping frame for slow consumer.")
		}
	}
	return delivered
}

// BroadcastPresence sends a presence event to every registered connection and
// to all local watchers. Presence is the only category broadcast globally; its
// payloads are small and infrequent relative to message volume.
func (h *Hub) BroadcastPresence(event presence.Event) {
	frame, err := presence.NewFrame(presence.EventPresenceUpdate, event)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to build presence frame.")
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal presence frame.")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if !c.trySend(payload) {
			h.logger.Warn().Str("conn", c.ID).Msg("Dropping presence frame for slow consumer.")
		}
	}
	for w := range h.watchers {
		select {
		case w <- event:
		default:
		}
	}
}

// SubscribePresence registers a local watcher for presence events (used by the
// event-stream API). The returned cancel func must be called exactly once.
func (h *Hub) SubscribePresence() (<-chan presence.Event, func()) {
	ch := make(chan presence.Event, defaultSendBuffer)
	h.mu.Lock()
	h.watchers[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.watchers, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}
