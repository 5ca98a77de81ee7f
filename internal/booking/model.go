package booking

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotBlocked   SlotStatus = "blocked"
)

func (s SlotStatus) Valid() bool {
	switch s {
	case SlotAvailable, SlotBooked, SlotBlocked:
		return true
	}
	return false
}

type Modality string

const (
	ModalityInPerson   Modality = "in_person"
	ModalityTelehealth Modality = "telehealth"
	ModalityHomeVisit  Modality = "home_visit"
)

func (m Modality) Valid() bool {
	switch m {
	case ModalityInPerson, ModalityTelehealth, ModalityHomeVisit:
		return true
	}
	return false
}

type AppointmentStatus string

const (
	StatusBooked    AppointmentStatus = "booked"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
	StatusNoShow    AppointmentStatus = "no_show"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusBooked, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether no transition is defined out of s.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

// HoldsSlot reports whether an appointment in status s keeps its slot booked.
// Completed and no-show visits never hand the slot back.
func (s AppointmentStatus) HoldsSlot() bool {
	return s == StatusBooked || s == StatusCompleted || s == StatusNoShow
}

// Origin records who initiated a booking. It decides which party hears
// about a later cancellation.
type Origin string

const (
	OriginPatientMarketplace Origin = "patient_marketplace"
	OriginDoctorManual       Origin = "doctor_manual"
	OriginSystem             Origin = "system"
)

type Role string

const (
	RoleProfessional Role = "professional"
	RolePatient      Role = "patient"
)

func (r Role) Valid() bool {
	return r == RoleProfessional || r == RolePatient
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// OriginFor derives the booking origin from the role of the actor creating it.
func OriginFor(actor Actor) Origin {
	switch actor.Role {
	case RolePatient:
		return OriginPatientMarketplace
	case RoleProfessional:
		return OriginDoctorManual
	default:
		return OriginSystem
	}
}

type Slot struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Status    SlotStatus
	Modality  Modality
	Location  *string
	Notes     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID        uuid.UUID
	SlotID    uuid.UUID
	PatientID uuid.UUID
	Status    AppointmentStatus
	Notes     *string
	Origin    Origin
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Person is the read-only display view of a patient or professional.
type Person struct {
	ID          uuid.UUID
	DisplayName string
}

type AppointmentDetail struct {
	Appointment
	Slot    Slot
	Patient *Person
}

// AgendaSlot is a slot as its owner sees it: with the owner's display data
// and every appointment ever made against it, oldest first.
type AgendaSlot struct {
	Slot
	Owner        *Person
	Appointments []AppointmentDetail
}

// TimeRange is an optional half-open window. A nil bound is open.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// Intersects reports whether [start, end) shares any instant with the range.
func (r TimeRange) Intersects(start, end time.Time) bool {
	if r.Start != nil && !end.After(*r.Start) {
		return false
	}
	if r.End != nil && !start.Before(*r.End) {
		return false
	}
	return true
}

// Contains reports whether [start, end) lies entirely within the range.
func (r TimeRange) Contains(start, end time.Time) bool {
	if r.Start != nil && start.Before(*r.Start) {
		return false
	}
	if r.End != nil && end.After(*r.End) {
		return false
	}
	return true
}

type SlotFilter struct {
	OwnerID  uuid.UUID
	Range    TimeRange
	Status   *SlotStatus
	Modality *Modality
	// Contained switches the range test from intersection to containment.
	Contained bool
}

type AppointmentFilter struct {
	OwnerID   *uuid.UUID
	PatientID *uuid.UUID
	Status    *AppointmentStatus
	Range     TimeRange
}

// SlotPatch carries the fields of an UpdateSlot request. Nil means unchanged.
type SlotPatch struct {
	StartTime *time.Time
	EndTime   *time.Time
	Status    *SlotStatus
	Modality  *Modality
	Location  *string
	Notes     *string
}

type AppointmentPatch struct {
	Status *AppointmentStatus
	Notes  *string
}

// SlotDrift is a slot whose status disagrees with its booked appointments.
type SlotDrift struct {
	SlotID      uuid.UUID
	Status      SlotStatus
	BookedCount int
}

// EventLog is an audit record written in the same transaction as the change
// it describes.
type EventLog struct {
	ID            int64
	EventType     string
	SlotID        *uuid.UUID
	AppointmentID *uuid.UUID
	ActorID       *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
