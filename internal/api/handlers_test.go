package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/booking-engine/internal/auth"
	"github.com/hackgods/booking-engine/internal/booking"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	repo    *booking.MemoryRepository
	svc     *booking.Service
	authn   *auth.Authenticator

	pro, other, patient, patient2 booking.Actor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s := &testServer{
		t:        t,
		repo:     booking.NewMemoryRepository(),
		authn:    auth.NewAuthenticator("handler-test-secret"),
		pro:      booking.Actor{ID: uuid.New(), Role: booking.RoleProfessional},
		other:    booking.Actor{ID: uuid.New(), Role: booking.RoleProfessional},
		patient:  booking.Actor{ID: uuid.New(), Role: booking.RolePatient},
		patient2: booking.Actor{ID: uuid.New(), Role: booking.RolePatient},
	}
	s.repo.AddProfessional(booking.Person{ID: s.pro.ID, DisplayName: "Dr. Ana Souza"})
	s.repo.AddProfessional(booking.Person{ID: s.other.ID, DisplayName: "Dr. Bruno Lima"})
	s.repo.AddPatient(booking.Person{ID: s.patient.ID, DisplayName: "Carla Dias"})
	s.repo.AddPatient(booking.Person{ID: s.patient2.ID, DisplayName: "Davi Rocha"})

	s.svc = booking.NewService(s.repo, booking.NewLocalLocker(), nil)
	s.handler = NewRouter(RouterConfig{
		Service:       s.svc,
		Authenticator: s.authn,
		Logger:        zerolog.Nop(),
		Env:           "test",
	})
	return s
}

type response struct {
	code int
	body []byte
}

func (r response) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, v), string(r.body))
}

func (r response) errorBody(t *testing.T) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	r.decode(t, &e)
	return e
}

func (s *testServer) do(actor *booking.Actor, method, path string, body any) response {
	s.t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(s.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		token, err := s.authn.Sign(*actor, time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return response{code: rec.Code, body: rec.Body.Bytes()}
}

func (s *testServer) createSlot(start, end string) SlotResponse {
	s.t.Helper()
	resp := s.do(&s.pro, http.MethodPost, "/slots", map[string]any{"start_time": start, "end_time": end})
	require.Equal(s.t, http.StatusCreated, resp.code, string(resp.body))
	var slot SlotResponse
	resp.decode(s.t, &slot)
	return slot
}

func (s *testServer) book(actor booking.Actor, slotID, patientID uuid.UUID) AppointmentResponse {
	s.t.Helper()
	resp := s.do(&actor, http.MethodPost, "/appointments", map[string]any{
		"slot_id":    slotID.String(),
		"patient_id": patientID.String(),
	})
	require.Equal(s.t, http.StatusCreated, resp.code, string(resp.body))
	var appt AppointmentResponse
	resp.decode(s.t, &appt)
	return appt
}

func TestSlotEndpoints(t *testing.T) {
	s := newTestServer(t)

	slot := s.createSlot("2026-03-02T09:00:00Z", "2026-03-02T09:30:00Z")
	assert.Equal(t, "available", slot.Status)
	assert.Equal(t, "in_person", slot.Modality)
	assert.Equal(t, s.pro.ID, slot.OwnerID)

	t.Run("overlap is 409", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodPost, "/slots", map[string]any{
			"start_time": "2026-03-02T09:15:00Z",
			"end_time":   "2026-03-02T09:45:00Z",
		})
		assert.Equal(t, http.StatusConflict, resp.code)
		e := resp.errorBody(t)
		assert.Equal(t, "slot_overlap", e.Error)
		assert.Equal(t, "conflict", e.Kind)
	})

	t.Run("touching slot is accepted", func(t *testing.T) {
		s.createSlot("2026-03-02T09:30:00Z", "2026-03-02T10:00:00Z")
	})

	t.Run("legacy modality alias", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodPost, "/slots", map[string]any{
			"start_time": "2026-03-02T11:00:00Z",
			"end_time":   "2026-03-02T11:30:00Z",
			"modality":   "telemedicina",
		})
		require.Equal(t, http.StatusCreated, resp.code)
		var created SlotResponse
		resp.decode(t, &created)
		assert.Equal(t, "telehealth", created.Modality)
	})

	t.Run("bad interval is 400", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodPost, "/slots", map[string]any{
			"start_time": "2026-03-02T12:00:00Z",
			"end_time":   "2026-03-02T11:00:00Z",
		})
		assert.Equal(t, http.StatusBadRequest, resp.code)
		assert.Equal(t, "invalid_interval", resp.errorBody(t).Error)
	})

	t.Run("missing field is 400", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodPost, "/slots", map[string]any{"start_time": "2026-03-02T12:00:00Z"})
		assert.Equal(t, http.StatusBadRequest, resp.code)
		assert.Equal(t, "validation_failed", resp.errorBody(t).Error)
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodPost, "/slots", "{not json")
		assert.Equal(t, http.StatusBadRequest, resp.code)
		assert.Equal(t, "invalid_request_body", resp.errorBody(t).Error)
	})

	t.Run("anonymous is 401", func(t *testing.T) {
		resp := s.do(nil, http.MethodGet, "/slots", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.code)
		assert.Equal(t, "unauthenticated", resp.errorBody(t).Kind)
	})

	t.Run("bad token is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/slots", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("list with range", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodGet, "/slots?start=2026-03-02T09:15:00Z&end=2026-03-02T09:45:00Z", nil)
		require.Equal(t, http.StatusOK, resp.code)
		var slots []SlotResponse
		resp.decode(t, &slots)
		require.Len(t, slots, 2)
		assert.True(t, slots[0].StartTime.Before(slots[1].StartTime))
	})

	t.Run("bad range is 400", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodGet, "/slots?start=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, resp.code)
		assert.Equal(t, "invalid_query", resp.errorBody(t).Error)
	})

	t.Run("foreign owner update is 403 and changes nothing", func(t *testing.T) {
		resp := s.do(&s.other, http.MethodPut, "/slots/"+slot.ID.String(), map[string]any{"status": "blocked"})
		assert.Equal(t, http.StatusForbidden, resp.code)

		got, err := s.repo.GetSlot(context.Background(), slot.ID)
		require.NoError(t, err)
		assert.Equal(t, booking.SlotAvailable, got.Status)
	})

	t.Run("block then unblock", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodPut, "/slots/"+slot.ID.String(), map[string]any{"status": "blocked"})
		require.Equal(t, http.StatusOK, resp.code)
		var updated SlotResponse
		resp.decode(t, &updated)
		assert.Equal(t, "blocked", updated.Status)

		resp = s.do(&s.pro, http.MethodPut, "/slots/"+slot.ID.String(), map[string]any{"status": "available"})
		require.Equal(t, http.StatusOK, resp.code)
	})

	t.Run("invalid status is 400", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodPut, "/slots/"+slot.ID.String(), map[string]any{"status": "closed"})
		assert.Equal(t, http.StatusBadRequest, resp.code)
		assert.Equal(t, "invalid_slot_status", resp.errorBody(t).Error)
	})

	t.Run("unknown slot is 404", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodPut, "/slots/"+uuid.NewString(), map[string]any{"notes": "x"})
		assert.Equal(t, http.StatusNotFound, resp.code)

		resp = s.do(&s.pro, http.MethodDelete, "/slots/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, resp.code)
	})

	t.Run("delete", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodDelete, "/slots/"+slot.ID.String(), nil)
		require.Equal(t, http.StatusOK, resp.code)
		var del DeletedResponse
		resp.decode(t, &del)
		assert.True(t, del.Deleted)
		assert.Equal(t, slot.ID, del.ID)
	})
}

func TestBookingLifecycle(t *testing.T) {
	s := newTestServer(t)
	slot := s.createSlot("2026-03-02T09:00:00Z", "2026-03-02T09:30:00Z")

	appt := s.book(s.patient, slot.ID, s.patient.ID)
	assert.Equal(t, "booked", appt.Status)
	assert.Equal(t, "patient_marketplace", appt.Origin)

	t.Run("second booking is 400", func(t *testing.T) {
		resp := s.do(&s.patient2, http.MethodPost, "/appointments", map[string]any{
			"slot_id":    slot.ID.String(),
			"patient_id": s.patient2.ID.String(),
		})
		assert.Equal(t, http.StatusBadRequest, resp.code)
		e := resp.errorBody(t)
		assert.Equal(t, "slot_not_available", e.Error)
		assert.Equal(t, "precondition", e.Kind)
	})

	t.Run("booking for someone else is 403", func(t *testing.T) {
		resp := s.do(&s.patient, http.MethodPost, "/appointments", map[string]any{
			"slot_id":    slot.ID.String(),
			"patient_id": s.patient2.ID.String(),
		})
		assert.Equal(t, http.StatusForbidden, resp.code)
	})

	t.Run("invalid uuid is 400", func(t *testing.T) {
		resp := s.do(&s.patient, http.MethodPost, "/appointments", map[string]any{
			"slot_id":    "nope",
			"patient_id": s.patient.ID.String(),
		})
		assert.Equal(t, http.StatusBadRequest, resp.code)
		assert.Equal(t, "validation_failed", resp.errorBody(t).Error)
	})

	t.Run("delete booked slot is 400", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodDelete, "/slots/"+slot.ID.String(), nil)
		assert.Equal(t, http.StatusBadRequest, resp.code)
		assert.Equal(t, "slot_has_booking", resp.errorBody(t).Error)
	})

	t.Run("owner lists with patient display", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodGet, "/appointments", nil)
		require.Equal(t, http.StatusOK, resp.code)
		var list []AppointmentResponse
		resp.decode(t, &list)
		require.Len(t, list, 1)
		require.NotNil(t, list[0].Patient)
		assert.Equal(t, "Carla Dias", list[0].Patient.DisplayName)
		require.NotNil(t, list[0].Slot)
		assert.Equal(t, slot.ID, list[0].Slot.ID)

		resp = s.do(&s.pro, http.MethodGet, "/appointments?patientId="+s.patient2.ID.String(), nil)
		require.Equal(t, http.StatusOK, resp.code)
		resp.decode(t, &list)
		assert.Empty(t, list)
	})

	t.Run("agenda embeds appointments", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodGet, "/slots", nil)
		require.Equal(t, http.StatusOK, resp.code)
		var agenda []SlotResponse
		resp.decode(t, &agenda)
		require.Len(t, agenda, 1)
		require.NotNil(t, agenda[0].Owner)
		assert.Equal(t, "Dr. Ana Souza", agenda[0].Owner.DisplayName)
		require.Len(t, agenda[0].Appointments, 1)
		assert.Equal(t, appt.ID, agenda[0].Appointments[0].ID)
		require.NotNil(t, agenda[0].Appointments[0].Patient)
		assert.Equal(t, "Carla Dias", agenda[0].Appointments[0].Patient.DisplayName)
	})

	t.Run("patient lists own", func(t *testing.T) {
		resp := s.do(&s.patient, http.MethodGet, "/my-appointments", nil)
		require.Equal(t, http.StatusOK, resp.code)
		var list []AppointmentResponse
		resp.decode(t, &list)
		require.Len(t, list, 1)
		assert.Equal(t, appt.ID, list[0].ID)

		resp = s.do(&s.patient2, http.MethodGet, "/appointments/"+appt.ID.String(), nil)
		assert.Equal(t, http.StatusForbidden, resp.code)

		resp = s.do(&s.patient, http.MethodGet, "/appointments/"+appt.ID.String(), nil)
		assert.Equal(t, http.StatusOK, resp.code)
	})

	t.Run("patient cannot cancel", func(t *testing.T) {
		resp := s.do(&s.patient, http.MethodPut, "/appointments/"+appt.ID.String(), map[string]any{"status": "cancelled"})
		assert.Equal(t, http.StatusForbidden, resp.code)
	})

	t.Run("owner cancels and slot frees", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodPut, "/appointments/"+appt.ID.String(), map[string]any{"status": "cancelled"})
		require.Equal(t, http.StatusOK, resp.code)
		var updated AppointmentResponse
		resp.decode(t, &updated)
		assert.Equal(t, "cancelled", updated.Status)

		resp = s.do(&s.patient, http.MethodGet, "/marketplace/slots?professionalId="+s.pro.ID.String(), nil)
		require.Equal(t, http.StatusOK, resp.code)
		var slots []SlotResponse
		resp.decode(t, &slots)
		require.Len(t, slots, 1)
		assert.Equal(t, "available", slots[0].Status)
	})

	t.Run("terminal transition is 400", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodPut, "/appointments/"+appt.ID.String(), map[string]any{"status": "booked"})
		assert.Equal(t, http.StatusBadRequest, resp.code)
		assert.Equal(t, "invalid_status_transition", resp.errorBody(t).Error)
	})

	t.Run("delete appointment", func(t *testing.T) {
		resp := s.do(&s.pro, http.MethodDelete, "/appointments/"+appt.ID.String(), nil)
		require.Equal(t, http.StatusOK, resp.code)

		resp = s.do(&s.pro, http.MethodGet, "/appointments/"+appt.ID.String(), nil)
		assert.Equal(t, http.StatusNotFound, resp.code)
	})
}

func TestMarketplaceValidation(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(&s.patient, http.MethodGet, "/marketplace/slots", nil)
	assert.Equal(t, http.StatusBadRequest, resp.code)
	assert.Equal(t, "missing_professional", resp.errorBody(t).Error)

	resp = s.do(&s.patient, http.MethodGet, "/marketplace/slots?professionalId=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.code)

	resp = s.do(&s.patient, http.MethodGet, "/marketplace/slots?professionalId="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.code)
}

func TestMarketplaceRequiresActor(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(nil, http.MethodGet, "/marketplace/slots?professionalId="+s.pro.ID.String(), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.code)
	assert.Equal(t, "unauthenticated", resp.errorBody(t).Kind)
}

func TestWebsocketRequiresActor(t *testing.T) {
	authn := auth.NewAuthenticator("handler-test-secret")
	reached := false
	router := NewRouter(RouterConfig{
		Service:       booking.NewService(booking.NewMemoryRepository(), booking.NewLocalLocker(), nil),
		Authenticator: authn,
		Logger:        zerolog.Nop(),
		Websocket: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			reached = true
			w.WriteHeader(http.StatusNoContent)
		}),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reached)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrorResponse{Error: "not_authenticated", Kind: "unauthenticated", Details: "authentication required"}, body)

	token, err := authn.Sign(booking.Actor{ID: uuid.New(), Role: booking.RolePatient}, time.Hour)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, reached)
}

func TestUnauthenticatedMatchesServiceError(t *testing.T) {
	direct := httptest.NewRecorder()
	Unauthenticated(direct, httptest.NewRequest(http.MethodGet, "/ws", nil))

	viaService := httptest.NewRecorder()
	handleServiceError(viaService, httptest.NewRequest(http.MethodGet, "/slots", nil), booking.ErrNotAuthenticated)

	assert.Equal(t, viaService.Code, direct.Code)
	assert.JSONEq(t, viaService.Body.String(), direct.Body.String())
}

func TestConcurrentBookingOverHTTP(t *testing.T) {
	s := newTestServer(t)
	slot := s.createSlot("2026-03-02T09:00:00Z", "2026-03-02T09:30:00Z")

	const n = 12
	patients := make([]booking.Actor, n)
	for i := range patients {
		patients[i] = booking.Actor{ID: uuid.New(), Role: booking.RolePatient}
		s.repo.AddPatient(booking.Person{ID: patients[i].ID, DisplayName: "patient"})
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for _, p := range patients {
		wg.Add(1)
		go func(p booking.Actor) {
			defer wg.Done()
			token, err := s.authn.Sign(p, time.Hour)
			if err != nil {
				return
			}
			body, _ := json.Marshal(map[string]string{"slot_id": slot.ID.String(), "patient_id": p.ID.String()})
			req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)

			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, codes[http.StatusCreated])
	assert.Equal(t, n-1, codes[http.StatusBadRequest]+codes[http.StatusConflict])
}

func TestInternalErrorsAreHidden(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handleServiceError(rec, req, errors.New("pq: connection refused on 10.0.0.5"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(booking.KindInvalid))
	assert.Equal(t, http.StatusBadRequest, statusFor(booking.KindPrecondition))
	assert.Equal(t, http.StatusUnauthorized, statusFor(booking.KindUnauthenticated))
	assert.Equal(t, http.StatusForbidden, statusFor(booking.KindForbidden))
	assert.Equal(t, http.StatusNotFound, statusFor(booking.KindNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(booking.KindConflict))
	assert.Equal(t, http.StatusInternalServerError, statusFor(booking.KindInternal))
}
