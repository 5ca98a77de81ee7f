package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a process-local Repository. Transactions take one
// repository-wide mutex and roll back by restoring a snapshot, so they are
// strictly serial. It backs tests and single-node demos.
type MemoryRepository struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool
}

type memState struct {
	slots         map[uuid.UUID]Slot
	appointments  map[uuid.UUID]Appointment
	patients      map[uuid.UUID]Person
	professionals map[uuid.UUID]Person
	events        []EventLog
	nextEventID   int64
}

func (st *memState) clone() *memState {
	c := &memState{
		slots:         make(map[uuid.UUID]Slot, len(st.slots)),
		appointments:  make(map[uuid.UUID]Appointment, len(st.appointments)),
		patients:      make(map[uuid.UUID]Person, len(st.patients)),
		professionals: make(map[uuid.UUID]Person, len(st.professionals)),
		events:        append([]EventLog(nil), st.events...),
		nextEventID:   st.nextEventID,
	}
	for k, v := range st.slots {
		c.slots[k] = v
	}
	for k, v := range st.appointments {
		c.appointments[k] = v
	}
	for k, v := range st.patients {
		c.patients[k] = v
	}
	for k, v := range st.professionals {
		c.professionals[k] = v
	}
	return c
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		mu: &sync.Mutex{},
		state: &memState{
			slots:         make(map[uuid.UUID]Slot),
			appointments:  make(map[uuid.UUID]Appointment),
			patients:      make(map[uuid.UUID]Person),
			professionals: make(map[uuid.UUID]Person),
		},
	}
}

func (r *MemoryRepository) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.state.clone()
	if err := fn(ctx, &MemoryRepository{mu: r.mu, state: r.state, inTx: true}); err != nil {
		*r.state = *snapshot
		return err
	}
	return nil
}

// AddProfessional registers a professional for directory lookups.
func (r *MemoryRepository) AddProfessional(p Person) {
	defer r.lock()()
	r.state.professionals[p.ID] = p
}

// AddPatient registers a patient for directory lookups.
func (r *MemoryRepository) AddPatient(p Person) {
	defer r.lock()()
	r.state.patients[p.ID] = p
}

// Events returns a copy of the audit log in insertion order.
func (r *MemoryRepository) Events() []EventLog {
	defer r.lock()()
	return append([]EventLog(nil), r.state.events...)
}

// Slots

func (r *MemoryRepository) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	defer r.lock()()
	s, ok := r.state.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.GetSlot(ctx, id)
}

// LockOwner is a no-op: transactions are already serial.
func (r *MemoryRepository) LockOwner(context.Context, uuid.UUID) error {
	return nil
}

func (r *MemoryRepository) FindOverlappingSlots(_ context.Context, ownerID uuid.UUID, start, end time.Time, exclude uuid.UUID) ([]Slot, error) {
	defer r.lock()()
	var out []Slot
	for _, s := range r.state.slots {
		if s.OwnerID != ownerID || s.ID == exclude {
			continue
		}
		if Overlaps(start, end, s.StartTime, s.EndTime) {
			out = append(out, s)
		}
	}
	sortSlots(out)
	return out, nil
}

func (r *MemoryRepository) ListSlots(_ context.Context, f SlotFilter) ([]Slot, error) {
	defer r.lock()()
	var out []Slot
	for _, s := range r.state.slots {
		if s.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		if f.Modality != nil && s.Modality != *f.Modality {
			continue
		}
		if f.Contained {
			if !f.Range.Contains(s.StartTime, s.EndTime) {
				continue
			}
		} else if !f.Range.Intersects(s.StartTime, s.EndTime) {
			continue
		}
		out = append(out, s)
	}
	sortSlots(out)
	return out, nil
}

func sortSlots(s []Slot) {
	sort.Slice(s, func(i, j int) bool { return s[i].StartTime.Before(s[j].StartTime) })
}

func (r *MemoryRepository) InsertSlot(_ context.Context, s *Slot) error {
	defer r.lock()()
	for _, other := range r.state.slots {
		if other.OwnerID == s.OwnerID && Overlaps(s.StartTime, s.EndTime, other.StartTime, other.EndTime) {
			return ErrSlotOverlap
		}
	}
	r.state.slots[s.ID] = *s
	return nil
}

func (r *MemoryRepository) UpdateSlot(_ context.Context, s *Slot) error {
	defer r.lock()()
	if _, ok := r.state.slots[s.ID]; !ok {
		return ErrSlotNotFound
	}
	for _, other := range r.state.slots {
		if other.ID != s.ID && other.OwnerID == s.OwnerID && Overlaps(s.StartTime, s.EndTime, other.StartTime, other.EndTime) {
			return ErrSlotOverlap
		}
	}
	r.state.slots[s.ID] = *s
	return nil
}

func (r *MemoryRepository) DeleteSlot(_ context.Context, id uuid.UUID) error {
	defer r.lock()()
	if _, ok := r.state.slots[id]; !ok {
		return ErrSlotNotFound
	}
	delete(r.state.slots, id)
	for aid, a := range r.state.appointments {
		if a.SlotID == id {
			delete(r.state.appointments, aid)
		}
	}
	return nil
}

func (r *MemoryRepository) FindDriftedSlots(context.Context) ([]SlotDrift, error) {
	defer r.lock()()
	booked := make(map[uuid.UUID]int)
	held := make(map[uuid.UUID]int)
	for _, a := range r.state.appointments {
		if a.Status == StatusBooked {
			booked[a.SlotID]++
		}
		if a.Status.HoldsSlot() {
			held[a.SlotID]++
		}
	}
	var out []SlotDrift
	for _, s := range r.state.slots {
		n := booked[s.ID]
		released := s.Status == SlotBooked && held[s.ID] == 0
		unmarked := s.Status != SlotBooked && n > 0
		if released || unmarked {
			out = append(out, SlotDrift{SlotID: s.ID, Status: s.Status, BookedCount: n})
		}
	}
	return out, nil
}

// Appointments

func (r *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	defer r.lock()()
	a, ok := r.state.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	defer r.lock()()
	a, ok := r.state.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	d, ok := r.detail(a)
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) detail(a Appointment) (AppointmentDetail, bool) {
	s, ok := r.state.slots[a.SlotID]
	if !ok {
		return AppointmentDetail{}, false
	}
	d := AppointmentDetail{Appointment: a, Slot: s}
	if p, ok := r.state.patients[a.PatientID]; ok {
		d.Patient = &p
	}
	return d, true
}

func (r *MemoryRepository) CountBookedAppointments(_ context.Context, slotID uuid.UUID) (int, error) {
	defer r.lock()()
	n := 0
	for _, a := range r.state.appointments {
		if a.SlotID == slotID && a.Status == StatusBooked {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountHoldingAppointments(_ context.Context, slotID uuid.UUID) (int, error) {
	defer r.lock()()
	n := 0
	for _, a := range r.state.appointments {
		if a.SlotID == slotID && a.Status.HoldsSlot() {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) InsertAppointment(_ context.Context, a *Appointment) error {
	defer r.lock()()
	if _, ok := r.state.slots[a.SlotID]; !ok {
		return ErrSlotNotFound
	}
	if a.Status == StatusBooked {
		for _, other := range r.state.appointments {
			if other.SlotID == a.SlotID && other.Status == StatusBooked {
				return ErrSlotNotAvailable
			}
		}
	}
	r.state.appointments[a.ID] = *a
	return nil
}

func (r *MemoryRepository) UpdateAppointment(_ context.Context, a *Appointment) error {
	defer r.lock()()
	if _, ok := r.state.appointments[a.ID]; !ok {
		return ErrAppointmentNotFound
	}
	r.state.appointments[a.ID] = *a
	return nil
}

func (r *MemoryRepository) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	defer r.lock()()
	if _, ok := r.state.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(r.state.appointments, id)
	return nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f AppointmentFilter) ([]AppointmentDetail, error) {
	defer r.lock()()
	var out []AppointmentDetail
	for _, a := range r.state.appointments {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		d, ok := r.detail(a)
		if !ok {
			continue
		}
		if f.OwnerID != nil && d.Slot.OwnerID != *f.OwnerID {
			continue
		}
		if !f.Range.Intersects(d.Slot.StartTime, d.Slot.EndTime) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Slot.StartTime.Equal(out[j].Slot.StartTime) {
			return out[i].Slot.StartTime.Before(out[j].Slot.StartTime)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Events

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	defer r.lock()()
	r.state.nextEventID++
	ev.ID = r.state.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.state.events = append(r.state.events, ev)
	return nil
}

// Directory

func (r *MemoryRepository) GetPatient(_ context.Context, id uuid.UUID) (*Person, error) {
	defer r.lock()()
	p, ok := r.state.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetProfessional(_ context.Context, id uuid.UUID) (*Person, error) {
	defer r.lock()()
	p, ok := r.state.professionals[id]
	if !ok {
		return nil, ErrProfessionalNotFound
	}
	return &p, nil
}
