package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hackgods/booking-engine/internal/auth"
	"github.com/hackgods/booking-engine/internal/booking"
)

// BookingService is the subset of *booking.Service the HTTP layer calls.
type BookingService interface {
	CreateSlot(ctx context.Context, actor *booking.Actor, in booking.CreateSlotInput) (*booking.Slot, error)
	UpdateSlot(ctx context.Context, actor *booking.Actor, id uuid.UUID, patch booking.SlotPatch) (*booking.Slot, error)
	DeleteSlot(ctx context.Context, actor *booking.Actor, id uuid.UUID) error
	ListSlots(ctx context.Context, actor *booking.Actor, q booking.SlotQuery) ([]booking.AgendaSlot, error)
	ListAvailableSlots(ctx context.Context, actor *booking.Actor, professionalID uuid.UUID, q booking.SlotQuery) ([]booking.Slot, error)

	CreateAppointment(ctx context.Context, actor *booking.Actor, in booking.CreateAppointmentInput) (*booking.Appointment, error)
	UpdateAppointment(ctx context.Context, actor *booking.Actor, id uuid.UUID, patch booking.AppointmentPatch) (*booking.Appointment, error)
	DeleteAppointment(ctx context.Context, actor *booking.Actor, id uuid.UUID) error
	GetAppointment(ctx context.Context, actor *booking.Actor, id uuid.UUID) (*booking.AppointmentDetail, error)
	ListAppointments(ctx context.Context, actor *booking.Actor, q booking.AppointmentQuery) ([]booking.AppointmentDetail, error)
	ListMyAppointments(ctx context.Context, actor *booking.Actor, q booking.AppointmentQuery) ([]booking.AppointmentDetail, error)
}

var _ BookingService = (*booking.Service)(nil)

// Legacy Portuguese modality names still sent by older clients.
var modalityAliases = map[string]booking.Modality{
	"presencial":   booking.ModalityInPerson,
	"telemedicina": booking.ModalityTelehealth,
	"domiciliar":   booking.ModalityHomeVisit,
}

func parseModality(raw string) booking.Modality {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if m, ok := modalityAliases[raw]; ok {
		return m
	}
	return booking.Modality(raw)
}

type handlers struct {
	svc      BookingService
	validate *validator.Validate
}

func newHandlers(svc BookingService) *handlers {
	return &handlers{svc: svc, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", booking.KindInvalid, "could not parse JSON: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, booking.KindInvalid, "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// Query parsing

func queryRange(w http.ResponseWriter, r *http.Request) (booking.TimeRange, bool) {
	var rg booking.TimeRange
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"start", &rg.Start}, {"end", &rg.End}} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", booking.KindInvalid, p.name+" must be an RFC 3339 timestamp")
			return rg, false
		}
		*p.dst = &t
	}
	return rg, true
}

func queryUUID(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", booking.KindInvalid, name+" must be a valid UUID")
		return nil, false
	}
	return &id, true
}

func slotQuery(w http.ResponseWriter, r *http.Request) (booking.SlotQuery, bool) {
	rg, ok := queryRange(w, r)
	if !ok {
		return booking.SlotQuery{}, false
	}
	q := booking.SlotQuery{Range: rg}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := booking.SlotStatus(raw)
		q.Status = &st
	}
	if raw := r.URL.Query().Get("modality"); raw != "" {
		m := parseModality(raw)
		q.Modality = &m
	}
	return q, true
}

func appointmentQuery(w http.ResponseWriter, r *http.Request) (booking.AppointmentQuery, bool) {
	rg, ok := queryRange(w, r)
	if !ok {
		return booking.AppointmentQuery{}, false
	}
	q := booking.AppointmentQuery{Range: rg}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := booking.AppointmentStatus(raw)
		q.Status = &st
	}
	return q, true
}

// Slots

func (h *handlers) listSlots(w http.ResponseWriter, r *http.Request) {
	q, ok := slotQuery(w, r)
	if !ok {
		return
	}
	agenda, err := h.svc.ListSlots(r.Context(), auth.ActorFrom(r.Context()), q)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgendaResponses(agenda))
}

func (h *handlers) createSlot(w http.ResponseWriter, r *http.Request) {
	var req CreateSlotRequest
	if !h.decode(w, r, &req) {
		return
	}

	slot, err := h.svc.CreateSlot(r.Context(), auth.ActorFrom(r.Context()), booking.CreateSlotInput{
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Modality:  parseModality(req.Modality),
		Location:  req.Location,
		Notes:     req.Notes,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotResponse(*slot))
}

func (h *handlers) updateSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_slot_id")
	if !ok {
		return
	}
	var req UpdateSlotRequest
	if !h.decode(w, r, &req) {
		return
	}

	patch := booking.SlotPatch{
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Location:  req.Location,
		Notes:     req.Notes,
	}
	if req.Status != nil {
		st := booking.SlotStatus(*req.Status)
		patch.Status = &st
	}
	if req.Modality != nil {
		m := parseModality(*req.Modality)
		patch.Modality = &m
	}

	slot, err := h.svc.UpdateSlot(r.Context(), auth.ActorFrom(r.Context()), id, patch)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(*slot))
}

func (h *handlers) deleteSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_slot_id")
	if !ok {
		return
	}
	if err := h.svc.DeleteSlot(r.Context(), auth.ActorFrom(r.Context()), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeletedResponse{ID: id, Deleted: true})
}

func (h *handlers) marketplaceSlots(w http.ResponseWriter, r *http.Request) {
	professionalID, ok := queryUUID(w, r, "professionalId")
	if !ok {
		return
	}
	q, ok := slotQuery(w, r)
	if !ok {
		return
	}
	var pid uuid.UUID
	if professionalID != nil {
		pid = *professionalID
	}
	slots, err := h.svc.ListAvailableSlots(r.Context(), auth.ActorFrom(r.Context()), pid, q)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

// Appointments

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	q, ok := appointmentQuery(w, r)
	if !ok {
		return
	}
	if q.PatientID, ok = queryUUID(w, r, "patientId"); !ok {
		return
	}
	list, err := h.svc.ListAppointments(r.Context(), auth.ActorFrom(r.Context()), q)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponses(list))
}

func (h *handlers) listMyAppointments(w http.ResponseWriter, r *http.Request) {
	q, ok := appointmentQuery(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListMyAppointments(r.Context(), auth.ActorFrom(r.Context()), q)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponses(list))
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}
	d, err := h.svc.GetAppointment(r.Context(), auth.ActorFrom(r.Context()), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponse(*d))
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	// Both ids were checked by the uuid validator.
	appt, err := h.svc.CreateAppointment(r.Context(), auth.ActorFrom(r.Context()), booking.CreateAppointmentInput{
		SlotID:    uuid.MustParse(req.SlotID),
		PatientID: uuid.MustParse(req.PatientID),
		Notes:     req.Notes,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
}

func (h *handlers) updateAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}
	var req UpdateAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	patch := booking.AppointmentPatch{Notes: req.Notes}
	if req.Status != nil {
		st := booking.AppointmentStatus(*req.Status)
		patch.Status = &st
	}

	appt, err := h.svc.UpdateAppointment(r.Context(), auth.ActorFrom(r.Context()), id, patch)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

func (h *handlers) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}
	if err := h.svc.DeleteAppointment(r.Context(), auth.ActorFrom(r.Context()), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeletedResponse{ID: id, Deleted: true})
}
