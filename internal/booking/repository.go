package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotStore persists slots. The ForUpdate and Lock methods only serialize
// anything when called on a Repository handed out by InTx.
type SlotStore interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	// GetSlotForUpdate reads a slot and holds an exclusive row lock on it
	// until the transaction ends.
	GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error)
	// LockOwner serializes slot-set changes for one owner until the
	// transaction ends.
	LockOwner(ctx context.Context, ownerID uuid.UUID) error
	// FindOverlappingSlots returns the owner's slots intersecting
	// [start, end), ignoring exclude.
	FindOverlappingSlots(ctx context.Context, ownerID uuid.UUID, start, end time.Time, exclude uuid.UUID) ([]Slot, error)
	ListSlots(ctx context.Context, f SlotFilter) ([]Slot, error)
	InsertSlot(ctx context.Context, s *Slot) error
	UpdateSlot(ctx context.Context, s *Slot) error
	// DeleteSlot removes the slot together with its historical appointments.
	DeleteSlot(ctx context.Context, id uuid.UUID) error
	// FindDriftedSlots lists booked slots no appointment holds, and unbooked
	// slots carrying a booked appointment.
	FindDriftedSlots(ctx context.Context) ([]SlotDrift, error)
}

// AppointmentStore persists appointments.
type AppointmentStore interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	CountBookedAppointments(ctx context.Context, slotID uuid.UUID) (int, error)
	// CountHoldingAppointments counts appointments whose status keeps the
	// slot booked: booked, completed and no_show.
	CountHoldingAppointments(ctx context.Context, slotID uuid.UUID) (int, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
	DeleteAppointment(ctx context.Context, id uuid.UUID) error
	// ListAppointments joins appointments to their slots and orders by slot
	// start time ascending.
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]AppointmentDetail, error)
}

// EventStore appends audit records.
type EventStore interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Directory resolves display data for actors. It is read-only.
type Directory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Person, error)
	GetProfessional(ctx context.Context, id uuid.UUID) (*Person, error)
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	SlotStore
	AppointmentStore
	EventStore
	Directory

	// InTx runs fn in a single transaction. Everything fn writes through the
	// repository it receives commits together, or not at all when fn errors.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}
