package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/booking-engine/internal/booking"
)

type CreateSlotRequest struct {
	StartTime time.Time `json:"start_time" validate:"required"`
	EndTime   time.Time `json:"end_time" validate:"required"`
	Modality  string    `json:"modality" validate:"omitempty,max=32"`
	Location  *string   `json:"location" validate:"omitempty,max=255"`
	Notes     *string   `json:"notes" validate:"omitempty,max=2000"`
}

// UpdateSlotRequest is a partial update; absent fields stay unchanged.
type UpdateSlotRequest struct {
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Status    *string    `json:"status" validate:"omitempty,max=32"`
	Modality  *string    `json:"modality" validate:"omitempty,max=32"`
	Location  *string    `json:"location" validate:"omitempty,max=255"`
	Notes     *string    `json:"notes" validate:"omitempty,max=2000"`
}

type CreateAppointmentRequest struct {
	SlotID    string  `json:"slot_id" validate:"required,uuid"`
	PatientID string  `json:"patient_id" validate:"required,uuid"`
	Notes     *string `json:"notes" validate:"omitempty,max=2000"`
}

type UpdateAppointmentRequest struct {
	Status *string `json:"status" validate:"omitempty,max=32"`
	Notes  *string `json:"notes" validate:"omitempty,max=2000"`
}

type SlotResponse struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
	Modality  string    `json:"modality"`
	Location  *string   `json:"location,omitempty"`
	Notes     *string   `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Set on the owner's agenda only.
	Owner        *PersonResponse       `json:"owner,omitempty"`
	Appointments []AppointmentResponse `json:"appointments,omitempty"`
}

type PersonResponse struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
}

type AppointmentResponse struct {
	ID        uuid.UUID       `json:"id"`
	SlotID    uuid.UUID       `json:"slot_id"`
	PatientID uuid.UUID       `json:"patient_id"`
	Status    string          `json:"status"`
	Notes     *string         `json:"notes,omitempty"`
	Origin    string          `json:"origin"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Slot      *SlotResponse   `json:"slot,omitempty"`
	Patient   *PersonResponse `json:"patient,omitempty"`
}

type DeletedResponse struct {
	ID      uuid.UUID `json:"id"`
	Deleted bool      `json:"deleted"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details string `json:"details,omitempty"`
}

func toSlotResponse(s booking.Slot) SlotResponse {
	return SlotResponse{
		ID:        s.ID,
		OwnerID:   s.OwnerID,
		StartTime: s.StartTime.UTC(),
		EndTime:   s.EndTime.UTC(),
		Status:    string(s.Status),
		Modality:  string(s.Modality),
		Location:  s.Location,
		Notes:     s.Notes,
		CreatedAt: s.CreatedAt.UTC(),
		UpdatedAt: s.UpdatedAt.UTC(),
	}
}

func toSlotResponses(slots []booking.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	return out
}

func toAgendaResponses(agenda []booking.AgendaSlot) []SlotResponse {
	out := make([]SlotResponse, 0, len(agenda))
	for _, a := range agenda {
		resp := toSlotResponse(a.Slot)
		if a.Owner != nil {
			resp.Owner = toPersonResponse(*a.Owner)
		}
		resp.Appointments = make([]AppointmentResponse, 0, len(a.Appointments))
		for _, d := range a.Appointments {
			appt := toAppointmentResponse(d.Appointment)
			if d.Patient != nil {
				appt.Patient = toPersonResponse(*d.Patient)
			}
			resp.Appointments = append(resp.Appointments, appt)
		}
		out = append(out, resp)
	}
	return out
}

func toPersonResponse(p booking.Person) *PersonResponse {
	return &PersonResponse{ID: p.ID, DisplayName: p.DisplayName}
}

func toAppointmentResponse(a booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		SlotID:    a.SlotID,
		PatientID: a.PatientID,
		Status:    string(a.Status),
		Notes:     a.Notes,
		Origin:    string(a.Origin),
		CreatedAt: a.CreatedAt.UTC(),
		UpdatedAt: a.UpdatedAt.UTC(),
	}
}

func toDetailResponse(d booking.AppointmentDetail) AppointmentResponse {
	resp := toAppointmentResponse(d.Appointment)
	slot := toSlotResponse(d.Slot)
	resp.Slot = &slot
	if d.Patient != nil {
		resp.Patient = toPersonResponse(*d.Patient)
	}
	return resp
}

func toDetailResponses(list []booking.AppointmentDetail) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(list))
	for _, d := range list {
		out = append(out, toDetailResponse(d))
	}
	return out
}
