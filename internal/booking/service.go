package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventSlotCreated        = "SLOT_CREATED"
	EventSlotUpdated        = "SLOT_UPDATED"
	EventSlotDeleted        = "SLOT_DELETED"
	EventSlotReconciled     = "SLOT_RECONCILED"
	EventAppointmentCreated = "APPOINTMENT_CREATED"
	EventAppointmentUpdated = "APPOINTMENT_UPDATED"
	EventAppointmentDeleted = "APPOINTMENT_DELETED"
)

const defaultNotifyTimeout = 5 * time.Second

// Service coordinates the slot and appointment lifecycles. Every mutation
// runs under the per-slot (or per-owner) lock and inside one repository
// transaction; notifications go out after commit and never fail a request.
type Service struct {
	repo     Repository
	locker   Locker
	notifier Notifier
	observer Observer
	logger   zerolog.Logger

	notifyTimeout time.Duration
	now           func() time.Time

	inflight sync.WaitGroup
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker Locker, notifier Notifier, opts ...Option) *Service {
	if notifier == nil {
		notifier = NopNotifier()
	}
	s := &Service{
		repo:          repo,
		locker:        locker,
		notifier:      notifier,
		observer:      nopObserver{},
		logger:        zerolog.Nop(),
		notifyTimeout: defaultNotifyTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateSlotInput struct {
	StartTime time.Time
	EndTime   time.Time
	Modality  Modality
	Location  *string
	Notes     *string
}

type CreateAppointmentInput struct {
	SlotID    uuid.UUID
	PatientID uuid.UUID
	Notes     *string
}

type SlotQuery struct {
	Range    TimeRange
	Status   *SlotStatus
	Modality *Modality
}

type AppointmentQuery struct {
	PatientID *uuid.UUID
	Status    *AppointmentStatus
	Range     TimeRange
}

// CreateSlot opens a new available slot for the calling professional.
func (s *Service) CreateSlot(ctx context.Context, actor *Actor, in CreateSlotInput) (slot *Slot, err error) {
	defer func() { s.observer.ObserveOperation("create_slot", err) }()

	if err := Authorize(actor, Access{OwnerID: actorID(actor), Roles: ownerOnly}); err != nil {
		return nil, err
	}
	if !validInterval(in.StartTime, in.EndTime) {
		return nil, ErrInvalidInterval
	}
	if in.Modality == "" {
		in.Modality = ModalityInPerson
	}
	if !in.Modality.Valid() {
		return nil, ErrInvalidModality
	}

	now := s.now()
	created := &Slot{
		ID:        uuid.New(),
		OwnerID:   actor.ID,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		Status:    SlotAvailable,
		Modality:  in.Modality,
		Location:  in.Location,
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.withLock(ctx, ownerLockKey(actor.ID), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
			if err := s.checkOverlap(ctx, tx, actor.ID, created.StartTime, created.EndTime, uuid.Nil); err != nil {
				return err
			}
			if err := tx.InsertSlot(ctx, created); err != nil {
				return fmt.Errorf("insert slot: %w", err)
			}
			return s.logEvent(ctx, tx, EventSlotCreated, actor, &created.ID, nil, map[string]any{
				"start_time": created.StartTime,
				"end_time":   created.EndTime,
				"modality":   created.Modality,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateSlot applies patch to a slot owned by the calling professional.
// Manual status changes only move a slot between available and blocked.
func (s *Service) UpdateSlot(ctx context.Context, actor *Actor, slotID uuid.UUID, patch SlotPatch) (slot *Slot, err error) {
	defer func() { s.observer.ObserveOperation("update_slot", err) }()

	if err := authenticated(actor); err != nil {
		return nil, err
	}
	current, err := s.repo.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, Access{OwnerID: current.OwnerID, Roles: ownerOnly}); err != nil {
		return nil, err
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, ErrInvalidSlotStatus
	}
	if patch.Modality != nil && !patch.Modality.Valid() {
		return nil, ErrInvalidModality
	}

	retimed := patch.StartTime != nil || patch.EndTime != nil

	var updated *Slot
	apply := func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
			sl, err := tx.GetSlotForUpdate(ctx, slotID)
			if err != nil {
				return err
			}

			if retimed {
				start, end := sl.StartTime, sl.EndTime
				if patch.StartTime != nil {
					start = *patch.StartTime
				}
				if patch.EndTime != nil {
					end = *patch.EndTime
				}
				if !validInterval(start, end) {
					return ErrInvalidInterval
				}
				if err := s.checkOverlap(ctx, tx, sl.OwnerID, start, end, sl.ID); err != nil {
					return err
				}
				sl.StartTime, sl.EndTime = start, end
			}

			if patch.Status != nil && *patch.Status != sl.Status {
				if err := s.checkManualStatus(ctx, tx, sl, *patch.Status); err != nil {
					return err
				}
				sl.Status = *patch.Status
			}
			if patch.Modality != nil {
				sl.Modality = *patch.Modality
			}
			if patch.Location != nil {
				sl.Location = patch.Location
			}
			if patch.Notes != nil {
				sl.Notes = patch.Notes
			}
			sl.UpdatedAt = s.now()

			if err := tx.UpdateSlot(ctx, sl); err != nil {
				return fmt.Errorf("update slot: %w", err)
			}
			updated = sl
			return s.logEvent(ctx, tx, EventSlotUpdated, actor, &sl.ID, nil, map[string]any{
				"status":     sl.Status,
				"start_time": sl.StartTime,
				"end_time":   sl.EndTime,
			})
		})
	}

	if retimed {
		// Owner before slot, the same order CreateSlot uses.
		err = s.withLock(ctx, ownerLockKey(current.OwnerID), func(ctx context.Context) error {
			return s.withLock(ctx, slotLockKey(slotID), apply)
		})
	} else {
		err = s.withLock(ctx, slotLockKey(slotID), apply)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteSlot removes a slot that carries no booked appointment.
func (s *Service) DeleteSlot(ctx context.Context, actor *Actor, slotID uuid.UUID) (err error) {
	defer func() { s.observer.ObserveOperation("delete_slot", err) }()

	if err := authenticated(actor); err != nil {
		return err
	}
	current, err := s.repo.GetSlot(ctx, slotID)
	if err != nil {
		return err
	}
	if err := Authorize(actor, Access{OwnerID: current.OwnerID, Roles: ownerOnly}); err != nil {
		return err
	}

	return s.withLock(ctx, slotLockKey(slotID), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
			sl, err := tx.GetSlotForUpdate(ctx, slotID)
			if err != nil {
				return err
			}
			booked, err := tx.CountBookedAppointments(ctx, sl.ID)
			if err != nil {
				return fmt.Errorf("count booked appointments: %w", err)
			}
			if booked > 0 {
				return Errorf(ErrSlotHasBooking, "slot has an active booking, cancel it before removing the slot")
			}
			if err := s.logEvent(ctx, tx, EventSlotDeleted, actor, nil, nil, map[string]any{
				"slot_id": sl.ID.String(),
			}); err != nil {
				return err
			}
			if err := tx.DeleteSlot(ctx, sl.ID); err != nil {
				return fmt.Errorf("delete slot: %w", err)
			}
			return nil
		})
	})
}

// CreateAppointment books an available slot. A professional books its own
// slots for any existing patient; a patient books only for itself.
func (s *Service) CreateAppointment(ctx context.Context, actor *Actor, in CreateAppointmentInput) (appt *Appointment, err error) {
	defer func() { s.observer.ObserveOperation("create_appointment", err) }()

	if err := authenticated(actor); err != nil {
		return nil, err
	}
	slot, err := s.repo.GetSlot(ctx, in.SlotID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, Access{OwnerID: slot.OwnerID, SubjectID: in.PatientID, Roles: ownerOrSubject}); err != nil {
		return nil, err
	}

	var created *Appointment
	err = s.withLock(ctx, slotLockKey(in.SlotID), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
			sl, err := tx.GetSlotForUpdate(ctx, in.SlotID)
			if err != nil {
				return err
			}
			if sl.Status != SlotAvailable {
				return ErrSlotNotAvailable
			}
			// Re-check inside the critical section; a drifted row must not
			// produce a second booked appointment.
			booked, err := tx.CountBookedAppointments(ctx, sl.ID)
			if err != nil {
				return fmt.Errorf("count booked appointments: %w", err)
			}
			if booked > 0 {
				return ErrSlotNotAvailable
			}

			if _, err := tx.GetPatient(ctx, in.PatientID); err != nil {
				return err
			}

			now := s.now()
			a := &Appointment{
				ID:        uuid.New(),
				SlotID:    sl.ID,
				PatientID: in.PatientID,
				Status:    StatusBooked,
				Notes:     in.Notes,
				Origin:    OriginFor(*actor),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertAppointment(ctx, a); err != nil {
				return fmt.Errorf("insert appointment: %w", err)
			}

			sl.Status = SlotBooked
			sl.UpdatedAt = now
			if err := tx.UpdateSlot(ctx, sl); err != nil {
				return fmt.Errorf("mark slot booked: %w", err)
			}

			created = a
			slot = sl
			return s.logEvent(ctx, tx, EventAppointmentCreated, actor, &sl.ID, &a.ID, map[string]any{
				"patient_id": a.PatientID.String(),
				"origin":     a.Origin,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(slot.OwnerID, Event{
		Type:          EventAppointmentBooked,
		AppointmentID: created.ID,
		SlotID:        slot.ID,
		StartTime:     slot.StartTime,
		EndTime:       slot.EndTime,
		Payload: map[string]any{
			"patient_id": created.PatientID.String(),
			"origin":     created.Origin,
		},
	}, func(ctx context.Context, ev *Event) {
		if p, err := s.repo.GetPatient(ctx, created.PatientID); err == nil {
			ev.Payload["patient_name"] = p.DisplayName
		}
	})

	return created, nil
}

// UpdateAppointment changes status and/or notes of an appointment on a slot
// owned by the calling professional. Cancelling releases the slot once no
// booked appointment remains on it. Completed and no_show leave the slot
// booked.
func (s *Service) UpdateAppointment(ctx context.Context, actor *Actor, id uuid.UUID, patch AppointmentPatch) (appt *Appointment, err error) {
	defer func() { s.observer.ObserveOperation("update_appointment", err) }()

	if err := authenticated(actor); err != nil {
		return nil, err
	}
	current, slot, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, Access{OwnerID: slot.OwnerID, Roles: ownerOnly}); err != nil {
		return nil, err
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	var (
		updated      *Appointment
		notifyTarget uuid.UUID
	)
	err = s.withLock(ctx, slotLockKey(current.SlotID), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
			sl, err := tx.GetSlotForUpdate(ctx, current.SlotID)
			if err != nil {
				return err
			}
			a, err := tx.GetAppointment(ctx, id)
			if err != nil {
				return err
			}

			cancelled := false
			if patch.Status != nil && *patch.Status != a.Status {
				if a.Status.Terminal() {
					return Errorf(ErrInvalidTransition, "cannot move appointment from %s to %s", a.Status, *patch.Status)
				}
				a.Status = *patch.Status
				cancelled = a.Status == StatusCancelled
			}
			if patch.Notes != nil {
				a.Notes = patch.Notes
			}
			a.UpdatedAt = s.now()

			if err := tx.UpdateAppointment(ctx, a); err != nil {
				return fmt.Errorf("update appointment: %w", err)
			}
			if cancelled {
				if err := s.releaseIfIdle(ctx, tx, sl); err != nil {
					return err
				}
				if a.Origin == OriginPatientMarketplace {
					notifyTarget = a.PatientID
				}
			}

			updated = a
			slot = sl
			return s.logEvent(ctx, tx, EventAppointmentUpdated, actor, &sl.ID, &a.ID, map[string]any{
				"status": a.Status,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	if notifyTarget != uuid.Nil {
		s.dispatch(notifyTarget, Event{
			Type:          EventAppointmentCancelled,
			AppointmentID: updated.ID,
			SlotID:        slot.ID,
			StartTime:     slot.StartTime,
			EndTime:       slot.EndTime,
			Payload: map[string]any{
				"professional_id": slot.OwnerID.String(),
			},
		}, func(ctx context.Context, ev *Event) {
			if p, err := s.repo.GetProfessional(ctx, slot.OwnerID); err == nil {
				ev.Payload["professional_name"] = p.DisplayName
			}
		})
	}

	return updated, nil
}

// DeleteAppointment removes an appointment and releases its slot when no
// booked appointment remains. No notification is sent.
func (s *Service) DeleteAppointment(ctx context.Context, actor *Actor, id uuid.UUID) (err error) {
	defer func() { s.observer.ObserveOperation("delete_appointment", err) }()

	if err := authenticated(actor); err != nil {
		return err
	}
	current, slot, err := s.loadAppointment(ctx, id)
	if err != nil {
		return err
	}
	if err := Authorize(actor, Access{OwnerID: slot.OwnerID, Roles: ownerOnly}); err != nil {
		return err
	}

	return s.withLock(ctx, slotLockKey(current.SlotID), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
			sl, err := tx.GetSlotForUpdate(ctx, current.SlotID)
			if err != nil {
				return err
			}
			if _, err := tx.GetAppointment(ctx, id); err != nil {
				return err
			}
			if err := s.logEvent(ctx, tx, EventAppointmentDeleted, actor, &sl.ID, nil, map[string]any{
				"appointment_id": id.String(),
			}); err != nil {
				return err
			}
			if err := tx.DeleteAppointment(ctx, id); err != nil {
				return fmt.Errorf("delete appointment: %w", err)
			}
			return s.releaseIfIdle(ctx, tx, sl)
		})
	})
}

// GetAppointment returns an appointment to its slot owner or its patient.
func (s *Service) GetAppointment(ctx context.Context, actor *Actor, id uuid.UUID) (*AppointmentDetail, error) {
	if err := authenticated(actor); err != nil {
		return nil, err
	}
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, Access{OwnerID: detail.Slot.OwnerID, SubjectID: detail.PatientID, Roles: ownerOrSubject}); err != nil {
		return nil, err
	}
	return detail, nil
}

// ListSlots returns the calling professional's agenda: its slots
// intersecting q.Range, each with its appointments.
func (s *Service) ListSlots(ctx context.Context, actor *Actor, q SlotQuery) ([]AgendaSlot, error) {
	if err := Authorize(actor, Access{OwnerID: actorID(actor), Roles: ownerOnly}); err != nil {
		return nil, err
	}
	if q.Status != nil && !q.Status.Valid() {
		return nil, ErrInvalidSlotStatus
	}
	if q.Modality != nil && !q.Modality.Valid() {
		return nil, ErrInvalidModality
	}
	slots, err := s.repo.ListSlots(ctx, SlotFilter{
		OwnerID:  actor.ID,
		Range:    q.Range,
		Status:   q.Status,
		Modality: q.Modality,
	})
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	if len(slots) == 0 {
		return []AgendaSlot{}, nil
	}

	owner, err := s.repo.GetProfessional(ctx, actor.ID)
	if err != nil && !errors.Is(err, ErrProfessionalNotFound) {
		return nil, fmt.Errorf("load owner: %w", err)
	}

	// Every listed slot intersects q.Range, so this picks up all of their
	// appointments.
	appts, err := s.repo.ListAppointments(ctx, AppointmentFilter{OwnerID: &actor.ID, Range: q.Range})
	if err != nil {
		return nil, fmt.Errorf("list slot appointments: %w", err)
	}
	bySlot := make(map[uuid.UUID][]AppointmentDetail)
	for _, a := range appts {
		bySlot[a.SlotID] = append(bySlot[a.SlotID], a)
	}

	agenda := make([]AgendaSlot, 0, len(slots))
	for _, sl := range slots {
		agenda = append(agenda, AgendaSlot{Slot: sl, Owner: owner, Appointments: bySlot[sl.ID]})
	}
	return agenda, nil
}

// ListAvailableSlots is the marketplace view: a professional's available
// slots lying entirely inside q.Range. Any authenticated actor may call it.
func (s *Service) ListAvailableSlots(ctx context.Context, actor *Actor, professionalID uuid.UUID, q SlotQuery) ([]Slot, error) {
	if err := authenticated(actor); err != nil {
		return nil, err
	}
	if professionalID == uuid.Nil {
		return nil, ErrMissingProfessional
	}
	if q.Modality != nil && !q.Modality.Valid() {
		return nil, ErrInvalidModality
	}
	if _, err := s.repo.GetProfessional(ctx, professionalID); err != nil {
		return nil, err
	}
	available := SlotAvailable
	slots, err := s.repo.ListSlots(ctx, SlotFilter{
		OwnerID:   professionalID,
		Range:     q.Range,
		Status:    &available,
		Modality:  q.Modality,
		Contained: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	return slots, nil
}

// ListAppointments returns appointments on the calling professional's slots.
func (s *Service) ListAppointments(ctx context.Context, actor *Actor, q AppointmentQuery) ([]AppointmentDetail, error) {
	if err := Authorize(actor, Access{OwnerID: actorID(actor), Roles: ownerOnly}); err != nil {
		return nil, err
	}
	owner := actor.ID
	return s.listAppointments(ctx, AppointmentFilter{
		OwnerID:   &owner,
		PatientID: q.PatientID,
		Status:    q.Status,
		Range:     q.Range,
	})
}

// ListMyAppointments returns the calling patient's own appointments.
func (s *Service) ListMyAppointments(ctx context.Context, actor *Actor, q AppointmentQuery) ([]AppointmentDetail, error) {
	if err := Authorize(actor, Access{SubjectID: actorID(actor), Roles: patientOnly}); err != nil {
		return nil, err
	}
	patient := actor.ID
	return s.listAppointments(ctx, AppointmentFilter{
		PatientID: &patient,
		Status:    q.Status,
		Range:     q.Range,
	})
}

func (s *Service) listAppointments(ctx context.Context, f AppointmentFilter) ([]AppointmentDetail, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	list, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return list, nil
}

// ReconcileSlots repairs slots whose status disagrees with their
// appointments. A slot whose visit was completed or missed stays booked. It is intended to be called by the worker periodically and
// returns the number of slots it changed.
func (s *Service) ReconcileSlots(ctx context.Context) (int, error) {
	drifts, err := s.repo.FindDriftedSlots(ctx)
	if err != nil {
		return 0, fmt.Errorf("find drifted slots: %w", err)
	}

	fixed := 0
	for _, d := range drifts {
		changed := false
		err := s.withLock(ctx, slotLockKey(d.SlotID), func(ctx context.Context) error {
			return s.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
				sl, err := tx.GetSlotForUpdate(ctx, d.SlotID)
				if err != nil {
					return err
				}
				booked, err := tx.CountBookedAppointments(ctx, sl.ID)
				if err != nil {
					return fmt.Errorf("count booked appointments: %w", err)
				}
				want := sl.Status
				switch {
				case booked > 0:
					want = SlotBooked
				case sl.Status == SlotBooked:
					held, err := tx.CountHoldingAppointments(ctx, sl.ID)
					if err != nil {
						return fmt.Errorf("count holding appointments: %w", err)
					}
					if held == 0 {
						want = SlotAvailable
					}
				}
				if want == sl.Status {
					return nil
				}
				from := sl.Status
				sl.Status = want
				sl.UpdatedAt = s.now()
				if err := tx.UpdateSlot(ctx, sl); err != nil {
					return fmt.Errorf("update slot: %w", err)
				}
				changed = true
				return s.logEvent(ctx, tx, EventSlotReconciled, nil, &sl.ID, nil, map[string]any{
					"from":   from,
					"to":     want,
					"booked": booked,
				})
			})
		})
		if err != nil {
			if errors.Is(err, ErrSlotNotFound) {
				continue
			}
			s.logger.Error().Err(err).Str("slot_id", d.SlotID.String()).Msg("failed to reconcile slot")
			continue
		}
		if changed {
			fixed++
			s.logger.Info().Str("slot_id", d.SlotID.String()).Int("booked", d.BookedCount).Msg("slot status reconciled")
		}
	}
	return fixed, nil
}

// Drain waits for in-flight notifications, or until ctx is done.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) loadAppointment(ctx context.Context, id uuid.UUID) (*Appointment, *Slot, error) {
	a, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sl, err := s.repo.GetSlot(ctx, a.SlotID)
	if err != nil {
		return nil, nil, err
	}
	return a, sl, nil
}

func (s *Service) checkOverlap(ctx context.Context, tx Repository, ownerID uuid.UUID, start, end time.Time, exclude uuid.UUID) error {
	if err := tx.LockOwner(ctx, ownerID); err != nil {
		return fmt.Errorf("lock owner slots: %w", err)
	}
	candidates, err := tx.FindOverlappingSlots(ctx, ownerID, start, end, exclude)
	if err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	for _, c := range candidates {
		if c.ID != exclude && Overlaps(start, end, c.StartTime, c.EndTime) {
			return Errorf(ErrSlotOverlap, "slot overlaps existing slot %s [%s, %s)",
				c.ID, c.StartTime.Format(time.RFC3339), c.EndTime.Format(time.RFC3339))
		}
	}
	return nil
}

func (s *Service) checkManualStatus(ctx context.Context, tx Repository, sl *Slot, to SlotStatus) error {
	if to == SlotBooked {
		return ErrManualBooking
	}
	booked, err := tx.CountBookedAppointments(ctx, sl.ID)
	if err != nil {
		return fmt.Errorf("count booked appointments: %w", err)
	}
	if booked == 0 {
		return nil
	}
	if to == SlotBlocked {
		return Errorf(ErrSlotHasBooking, "cannot block a slot with an active booking")
	}
	return Errorf(ErrSlotHasBooking, "cannot release a slot with an active booking")
}

// releaseIfIdle moves a booked slot back to available once no booked
// appointment references it.
func (s *Service) releaseIfIdle(ctx context.Context, tx Repository, sl *Slot) error {
	booked, err := tx.CountBookedAppointments(ctx, sl.ID)
	if err != nil {
		return fmt.Errorf("count booked appointments: %w", err)
	}
	if booked > 0 || sl.Status != SlotBooked {
		return nil
	}
	sl.Status = SlotAvailable
	sl.UpdatedAt = s.now()
	if err := tx.UpdateSlot(ctx, sl); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (s *Service) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, key, fn)
	if errors.Is(err, ErrLockNotAcquired) {
		return ErrSlotBusy
	}
	return err
}

// dispatch delivers ev to target on its own goroutine. enrich runs first and
// may add display data to the payload; lookups there are best effort too.
func (s *Service) dispatch(target uuid.UUID, ev Event, enrich func(ctx context.Context, ev *Event)) {
	ev.OccurredAt = s.now()
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("event", ev.Type).Msg("notifier panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()

		if enrich != nil {
			enrich(ctx, &ev)
		}
		err := s.notifier.Notify(ctx, target, ev)
		s.observer.ObserveNotification(ev.Type, err)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("event", ev.Type).
				Str("target_id", target.String()).
				Str("appointment_id", ev.AppointmentID.String()).
				Msg("notification not delivered")
		}
	}()
}

func (s *Service) logEvent(ctx context.Context, tx Repository, eventType string, actor *Actor, slotID, appointmentID *uuid.UUID, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		SlotID:        slotID,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if actor != nil {
		id := actor.ID
		ev.ActorID = &id
	}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event log %s: %w", eventType, err)
	}
	return nil
}

func actorID(actor *Actor) uuid.UUID {
	if actor == nil {
		return uuid.Nil
	}
	return actor.ID
}
