package notify

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/booking-engine/internal/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Handler upgrades authenticated requests to a websocket session registered
// under the caller's actor id. Sessions are push only; inbound frames are
// read to keep the connection alive and otherwise ignored.
type Handler struct {
	hub             *Hub
	logger          zerolog.Logger
	upgrader        websocket.Upgrader
	unauthenticated http.HandlerFunc
}

type HandlerOption func(*Handler)

// WithAllowedOrigins accepts browser upgrades only from the listed origins,
// e.g. "https://app.example.com". Without it gorilla's same-origin check
// applies.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			allowed[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[strings.ToLower(origin)]
			return ok
		}
	}
}

// WithUnauthenticated sets the response written when the request carries
// no actor.
func WithUnauthenticated(fn http.HandlerFunc) HandlerOption {
	return func(h *Handler) { h.unauthenticated = fn }
}

func NewHandler(hub *Hub, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		unauthenticated: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "authentication required", http.StatusUnauthorized)
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFrom(r.Context())
	if actor == nil {
		h.unauthenticated(w, r)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(actor.ID)
	h.hub.Register(client)
	h.logger.Debug().Str("actor_id", actor.ID.String()).Msg("websocket session opened")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
}

func (h *Handler) readPump(c *Client, ws *websocket.Conn) {
	defer func() {
		h.hub.Unregister(c)
		_ = ws.Close()
		h.logger.Debug().Str("actor_id", c.ActorID.String()).Msg("websocket session closed")
	}()

	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(c *Client, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
