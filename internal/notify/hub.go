// Package notify pushes booking events to connected actors over websockets.
// A Hub tracks live sessions per actor; a Relay feeds it from Redis pub/sub
// when several API instances share the work.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/booking-engine/internal/booking"
)

// ErrNoSession is returned by Notify when the target has no live session.
var ErrNoSession = errors.New("target has no live session")

const sendBuffer = 64

// Client is one websocket session of an actor.
type Client struct {
	ActorID uuid.UUID
	Send    chan []byte
}

func NewClient(actorID uuid.UUID) *Client {
	return &Client{ActorID: actorID, Send: make(chan []byte, sendBuffer)}
}

// Hub indexes sessions by actor. All methods are safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*Client]struct{}
	logger   zerolog.Logger
}

var _ booking.Notifier = (*Hub)(nil)

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[*Client]struct{}),
		logger:   logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[c.ActorID] == nil {
		h.sessions[c.ActorID] = make(map[*Client]struct{})
	}
	h.sessions[c.ActorID][c] = struct{}{}
}

// Unregister removes c and closes its Send channel. Calling it twice is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[c.ActorID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.sessions, c.ActorID)
	}
	close(c.Send)
}

// Deliver queues data on every session of target and returns how many
// accepted it. Sessions with a full buffer are skipped.
func (h *Hub) Deliver(target uuid.UUID, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.sessions[target] {
		select {
		case c.Send <- data:
			n++
		default:
			h.logger.Warn().Str("actor_id", target.String()).Msg("websocket send buffer full, dropping event")
		}
	}
	return n
}

func (h *Hub) Notify(_ context.Context, target uuid.UUID, ev booking.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if h.Deliver(target, data) == 0 {
		return ErrNoSession
	}
	return nil
}

// SessionCount returns the number of live sessions for actorID.
func (h *Hub) SessionCount(actorID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[actorID])
}

// ClientCount returns the number of live sessions across all actors.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}
