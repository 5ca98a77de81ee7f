package booking

import (
	"errors"
	"fmt"
)

// Kind classifies a booking error. Callers branch on Kind, never on Message.
type Kind string

const (
	KindInvalid         Kind = "invalid"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindPrecondition    Kind = "precondition"
	KindInternal        Kind = "internal"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches on Kind and Code so that errors built with Errorf compare equal
// to the sentinel they specialise.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Errorf returns a copy of sentinel with a formatted message.
func Errorf(sentinel *Error, format string, args ...any) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or KindInternal when err is not a booking error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrNotAuthenticated = newError(KindUnauthenticated, "not_authenticated", "authentication required")
	ErrForbidden        = newError(KindForbidden, "forbidden", "actor may not act on this resource")

	ErrInvalidInterval     = newError(KindInvalid, "invalid_interval", "end_time must be after start_time")
	ErrInvalidSlotStatus   = newError(KindInvalid, "invalid_slot_status", "slot status must be one of available, booked, blocked")
	ErrInvalidModality     = newError(KindInvalid, "invalid_modality", "modality must be one of in_person, telehealth, home_visit")
	ErrInvalidStatus       = newError(KindInvalid, "invalid_status", "status must be one of booked, cancelled, completed, no_show")
	ErrInvalidTransition   = newError(KindInvalid, "invalid_status_transition", "appointment is in a terminal state")
	ErrManualBooking       = newError(KindInvalid, "manual_booking", "slot status booked is set by booking an appointment")
	ErrMissingProfessional = newError(KindInvalid, "missing_professional", "professional id is required")

	ErrSlotNotFound         = newError(KindNotFound, "slot_not_found", "slot not found")
	ErrAppointmentNotFound  = newError(KindNotFound, "appointment_not_found", "appointment not found")
	ErrPatientNotFound      = newError(KindNotFound, "patient_not_found", "patient not found")
	ErrProfessionalNotFound = newError(KindNotFound, "professional_not_found", "professional not found")

	ErrSlotOverlap = newError(KindConflict, "slot_overlap", "slot overlaps an existing slot")
	ErrSlotBusy    = newError(KindConflict, "slot_busy", "slot is being modified by another request, please retry")

	ErrSlotNotAvailable = newError(KindPrecondition, "slot_not_available", "slot not available")
	ErrSlotHasBooking   = newError(KindPrecondition, "slot_has_booking", "slot has an active booking")
)
