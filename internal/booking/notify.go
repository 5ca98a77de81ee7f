package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentBooked    = "appointment.booked"
	EventAppointmentCancelled = "appointment.cancelled"
)

// Event is what the Notifier pushes to a connected actor.
type Event struct {
	Type          string         `json:"type"`
	AppointmentID uuid.UUID      `json:"appointment_id"`
	SlotID        uuid.UUID      `json:"slot_id"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Notifier delivers events to an actor, best effort. Service never treats an
// error from Notify as a booking failure.
type Notifier interface {
	Notify(ctx context.Context, targetID uuid.UUID, ev Event) error
}

type nopNotifier struct{}

// NopNotifier drops every event.
func NopNotifier() Notifier { return nopNotifier{} }

func (nopNotifier) Notify(context.Context, uuid.UUID, Event) error { return nil }

// Observer receives operation outcomes, typically for metrics.
type Observer interface {
	ObserveOperation(op string, err error)
	ObserveNotification(eventType string, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, error)    {}
func (nopObserver) ObserveNotification(string, error) {}
