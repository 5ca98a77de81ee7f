package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/booking-engine/internal/auth"
	"github.com/hackgods/booking-engine/internal/booking"
)

type RouterConfig struct {
	Service       BookingService
	Authenticator *auth.Authenticator
	Logger        zerolog.Logger

	// Optional.
	Postgres  Pinger
	Redis     Pinger
	Metrics   MetricsProvider
	Websocket http.Handler

	Env     string
	Version string
}

// MetricsProvider is satisfied by *metrics.Metrics.
type MetricsProvider interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := newHandlers(cfg.Service)

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route_not_found", booking.KindNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", booking.KindInvalid, "method not allowed")
	})

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Authenticator.Middleware(handleAuthError))

		// Slot endpoints
		r.Get("/slots", h.listSlots)
		r.Post("/slots", h.createSlot)
		r.Put("/slots/{id}", h.updateSlot)
		r.Delete("/slots/{id}", h.deleteSlot)

		r.Get("/marketplace/slots", h.marketplaceSlots)

		// Appointment endpoints
		r.Get("/appointments", h.listAppointments)
		r.Post("/appointments", h.createAppointment)
		r.Get("/appointments/{id}", h.getAppointment)
		r.Put("/appointments/{id}", h.updateAppointment)
		r.Delete("/appointments/{id}", h.deleteAppointment)

		r.Get("/my-appointments", h.listMyAppointments)

		if cfg.Websocket != nil {
			r.With(requireActor).Method(http.MethodGet, "/ws", cfg.Websocket)
		}
	})

	return r
}
