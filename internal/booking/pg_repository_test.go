package booking

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/booking-engine/internal/db"
)

func TestWhereBuilderNumbering(t *testing.T) {
	owner := uuid.New()
	start, end := at(9, 0), at(10, 0)

	t.Run("intersection", func(t *testing.T) {
		var w whereBuilder
		w.add("owner_id = ?", owner)
		w.add("status = ?", SlotAvailable)
		w.add("modality = ?", ModalityTelehealth)
		addRange(&w, TimeRange{Start: &start, End: &end}, false, "start_time", "end_time")

		assert.Equal(t, "WHERE owner_id = $1 AND status = $2 AND modality = $3 AND end_time > $4 AND start_time < $5", w.String())
		assert.Equal(t, []any{owner, SlotAvailable, ModalityTelehealth, start, end}, w.args)
	})

	t.Run("containment", func(t *testing.T) {
		var w whereBuilder
		w.add("owner_id = ?", owner)
		addRange(&w, TimeRange{Start: &start, End: &end}, true, "s.start_time", "s.end_time")

		assert.Equal(t, "WHERE owner_id = $1 AND s.start_time >= $2 AND s.end_time <= $3", w.String())
	})

	t.Run("open ended", func(t *testing.T) {
		var w whereBuilder
		addRange(&w, TimeRange{End: &end}, false, "start_time", "end_time")
		assert.Equal(t, "WHERE start_time < $1", w.String())

		var empty whereBuilder
		assert.Empty(t, empty.String())
	})
}

// passThroughLocker leaves all serialization to Postgres.
type passThroughLocker struct{}

func (passThroughLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// testPool connects to POSTGRES_TEST_DSN, migrates it and empties every
// table. It skips when the variable is unset. Point it at a throwaway
// database.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.Migrate(ctx, pool)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE event_logs, appointments, availability_slots, patients, professionals CASCADE`)
	require.NoError(t, err)
	return pool
}

type pgFixture struct {
	pool *pgxpool.Pool
	repo *PgRepository
	svc  *Service
	pro  *Actor
}

func newPgFixture(t *testing.T, locker Locker) *pgFixture {
	t.Helper()
	pool := testPool(t)
	f := &pgFixture{
		pool: pool,
		repo: NewPgRepository(pool),
		pro:  &Actor{ID: uuid.New(), Role: RoleProfessional},
	}
	f.svc = NewService(f.repo, locker, nil)
	f.addProfessional(t, f.pro.ID, "Dr. Ana Souza")
	return f
}

func (f *pgFixture) addProfessional(t *testing.T, id uuid.UUID, name string) {
	t.Helper()
	_, err := f.pool.Exec(context.Background(), `INSERT INTO professionals (id, display_name) VALUES ($1, $2)`, id, name)
	require.NoError(t, err)
}

func (f *pgFixture) addPatient(t *testing.T, name string) *Actor {
	t.Helper()
	p := &Actor{ID: uuid.New(), Role: RolePatient}
	_, err := f.pool.Exec(context.Background(), `INSERT INTO patients (id, display_name) VALUES ($1, $2)`, p.ID, name)
	require.NoError(t, err)
	return p
}

// rawSlot inserts a slot without the service's checks.
func (f *pgFixture) rawSlot(t *testing.T, start, end time.Time, status SlotStatus, modality Modality) *Slot {
	t.Helper()
	now := time.Now().UTC()
	s := &Slot{
		ID:        uuid.New(),
		OwnerID:   f.pro.ID,
		StartTime: start,
		EndTime:   end,
		Status:    status,
		Modality:  modality,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.repo.InsertSlot(context.Background(), s))
	return s
}

func (f *pgFixture) rawAppointment(t *testing.T, slotID, patientID uuid.UUID, status AppointmentStatus) *Appointment {
	t.Helper()
	now := time.Now().UTC()
	a := &Appointment{
		ID:        uuid.New(),
		SlotID:    slotID,
		PatientID: patientID,
		Status:    status,
		Origin:    OriginSystem,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.repo.InsertAppointment(context.Background(), a))
	return a
}

func slotIDs(slots []Slot) []uuid.UUID {
	ids := make([]uuid.UUID, len(slots))
	for i, s := range slots {
		ids[i] = s.ID
	}
	return ids
}

func TestPgOverlap(t *testing.T) {
	f := newPgFixture(t, NewLocalLocker())
	ctx := context.Background()

	first, err := f.svc.CreateSlot(ctx, f.pro, CreateSlotInput{StartTime: at(9, 0), EndTime: at(9, 30)})
	require.NoError(t, err)

	t.Run("overlapping slot rejected", func(t *testing.T) {
		_, err := f.svc.CreateSlot(ctx, f.pro, CreateSlotInput{StartTime: at(9, 15), EndTime: at(9, 45)})
		assert.ErrorIs(t, err, ErrSlotOverlap)
	})

	t.Run("touching slot accepted", func(t *testing.T) {
		_, err := f.svc.CreateSlot(ctx, f.pro, CreateSlotInput{StartTime: at(9, 30), EndTime: at(10, 0)})
		assert.NoError(t, err)
	})

	t.Run("exclusion constraint maps to overlap", func(t *testing.T) {
		now := time.Now().UTC()
		err := f.repo.InsertSlot(ctx, &Slot{
			ID:        uuid.New(),
			OwnerID:   f.pro.ID,
			StartTime: first.StartTime.Add(10 * time.Minute),
			EndTime:   first.EndTime.Add(10 * time.Minute),
			Status:    SlotAvailable,
			Modality:  ModalityInPerson,
			CreatedAt: now,
			UpdatedAt: now,
		})
		assert.ErrorIs(t, err, ErrSlotOverlap)
	})

	t.Run("other owner may overlap", func(t *testing.T) {
		other := &Actor{ID: uuid.New(), Role: RoleProfessional}
		f.addProfessional(t, other.ID, "Dr. Bruno Lima")
		_, err := f.svc.CreateSlot(ctx, other, CreateSlotInput{StartTime: at(9, 0), EndTime: at(9, 30)})
		assert.NoError(t, err)
	})
}

func TestPgSingleBookedAppointment(t *testing.T) {
	f := newPgFixture(t, NewLocalLocker())
	patient := f.addPatient(t, "Carla Dias")
	slot := f.rawSlot(t, at(9, 0), at(9, 30), SlotAvailable, ModalityInPerson)

	f.rawAppointment(t, slot.ID, patient.ID, StatusBooked)

	now := time.Now().UTC()
	err := f.repo.InsertAppointment(context.Background(), &Appointment{
		ID:        uuid.New(),
		SlotID:    slot.ID,
		PatientID: patient.ID,
		Status:    StatusBooked,
		Origin:    OriginSystem,
		CreatedAt: now,
		UpdatedAt: now,
	})
	assert.ErrorIs(t, err, ErrSlotNotAvailable)

	// Non-booked history does not count against the index.
	f.rawAppointment(t, slot.ID, patient.ID, StatusCancelled)
}

func TestPgConcurrentBooking(t *testing.T) {
	f := newPgFixture(t, passThroughLocker{})
	ctx := context.Background()

	slot, err := f.svc.CreateSlot(ctx, f.pro, CreateSlotInput{StartTime: at(9, 0), EndTime: at(9, 30)})
	require.NoError(t, err)

	const n = 12
	patients := make([]*Actor, n)
	for i := range patients {
		patients[i] = f.addPatient(t, "patient")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		booked   int
		conflict int
	)
	for _, p := range patients {
		wg.Add(1)
		go func(p *Actor) {
			defer wg.Done()
			_, err := f.svc.CreateAppointment(ctx, p, CreateAppointmentInput{SlotID: slot.ID, PatientID: p.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				booked++
			case KindOf(err) == KindPrecondition || KindOf(err) == KindConflict:
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, booked)
	assert.Equal(t, n-1, conflict)

	count, err := f.repo.CountBookedAppointments(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := f.repo.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, got.Status)
}

func TestPgListSlots(t *testing.T) {
	f := newPgFixture(t, NewLocalLocker())
	ctx := context.Background()

	// Inserted out of order to exercise ORDER BY.
	late := f.rawSlot(t, at(10, 0), at(10, 30), SlotBlocked, ModalityInPerson)
	early := f.rawSlot(t, at(9, 0), at(9, 30), SlotAvailable, ModalityInPerson)
	mid := f.rawSlot(t, at(9, 30), at(10, 0), SlotAvailable, ModalityTelehealth)

	t.Run("ordered by start", func(t *testing.T) {
		slots, err := f.repo.ListSlots(ctx, SlotFilter{OwnerID: f.pro.ID})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{early.ID, mid.ID, late.ID}, slotIDs(slots))
	})

	t.Run("intersection", func(t *testing.T) {
		start, end := at(9, 15), at(10, 15)
		slots, err := f.repo.ListSlots(ctx, SlotFilter{OwnerID: f.pro.ID, Range: TimeRange{Start: &start, End: &end}})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{early.ID, mid.ID, late.ID}, slotIDs(slots))

		// Touching the window edge is not an intersection.
		start, end = at(9, 30), at(10, 0)
		slots, err = f.repo.ListSlots(ctx, SlotFilter{OwnerID: f.pro.ID, Range: TimeRange{Start: &start, End: &end}})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{mid.ID}, slotIDs(slots))
	})

	t.Run("containment", func(t *testing.T) {
		start, end := at(9, 15), at(10, 30)
		slots, err := f.repo.ListSlots(ctx, SlotFilter{OwnerID: f.pro.ID, Range: TimeRange{Start: &start, End: &end}, Contained: true})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{mid.ID, late.ID}, slotIDs(slots))
	})

	t.Run("every filter at once", func(t *testing.T) {
		start, end := at(8, 0), at(11, 0)
		available, inPerson := SlotAvailable, ModalityInPerson
		slots, err := f.repo.ListSlots(ctx, SlotFilter{
			OwnerID:  f.pro.ID,
			Status:   &available,
			Modality: &inPerson,
			Range:    TimeRange{Start: &start, End: &end},
		})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{early.ID}, slotIDs(slots))
	})

	t.Run("marketplace view", func(t *testing.T) {
		patient := f.addPatient(t, "Carla Dias")
		start, end := at(9, 0), at(10, 0)
		slots, err := f.svc.ListAvailableSlots(ctx, patient, f.pro.ID, SlotQuery{Range: TimeRange{Start: &start, End: &end}})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{early.ID, mid.ID}, slotIDs(slots))
	})
}

func TestPgAgenda(t *testing.T) {
	f := newPgFixture(t, NewLocalLocker())
	ctx := context.Background()
	patient := f.addPatient(t, "Carla Dias")

	slot, err := f.svc.CreateSlot(ctx, f.pro, CreateSlotInput{StartTime: at(9, 0), EndTime: at(9, 30)})
	require.NoError(t, err)
	_, err = f.svc.CreateAppointment(ctx, patient, CreateAppointmentInput{SlotID: slot.ID, PatientID: patient.ID})
	require.NoError(t, err)

	agenda, err := f.svc.ListSlots(ctx, f.pro, SlotQuery{})
	require.NoError(t, err)
	require.Len(t, agenda, 1)
	require.NotNil(t, agenda[0].Owner)
	assert.Equal(t, "Dr. Ana Souza", agenda[0].Owner.DisplayName)
	require.Len(t, agenda[0].Appointments, 1)
	require.NotNil(t, agenda[0].Appointments[0].Patient)
	assert.Equal(t, "Carla Dias", agenda[0].Appointments[0].Patient.DisplayName)
}

func TestPgFindDriftedSlots(t *testing.T) {
	f := newPgFixture(t, NewLocalLocker())
	ctx := context.Background()
	patient := f.addPatient(t, "Carla Dias")

	completed := f.rawSlot(t, at(9, 0), at(9, 30), SlotBooked, ModalityInPerson)
	f.rawAppointment(t, completed.ID, patient.ID, StatusCompleted)

	noShow := f.rawSlot(t, at(9, 30), at(10, 0), SlotBooked, ModalityInPerson)
	f.rawAppointment(t, noShow.ID, patient.ID, StatusNoShow)

	healthy := f.rawSlot(t, at(10, 0), at(10, 30), SlotBooked, ModalityInPerson)
	f.rawAppointment(t, healthy.ID, patient.ID, StatusBooked)

	orphaned := f.rawSlot(t, at(10, 30), at(11, 0), SlotBooked, ModalityInPerson)
	f.rawAppointment(t, orphaned.ID, patient.ID, StatusCancelled)

	unmarked := f.rawSlot(t, at(11, 0), at(11, 30), SlotAvailable, ModalityInPerson)
	f.rawAppointment(t, unmarked.ID, patient.ID, StatusBooked)

	f.rawSlot(t, at(11, 30), at(12, 0), SlotAvailable, ModalityInPerson)

	drifts, err := f.repo.FindDriftedSlots(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []SlotDrift{
		{SlotID: orphaned.ID, Status: SlotBooked, BookedCount: 0},
		{SlotID: unmarked.ID, Status: SlotAvailable, BookedCount: 1},
	}, drifts)

	fixed, err := f.svc.ReconcileSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fixed)

	for id, want := range map[uuid.UUID]SlotStatus{
		completed.ID: SlotBooked,
		noShow.ID:    SlotBooked,
		healthy.ID:   SlotBooked,
		orphaned.ID:  SlotAvailable,
		unmarked.ID:  SlotBooked,
	} {
		got, err := f.repo.GetSlot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	drifts, err = f.repo.FindDriftedSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestPgInsertEvent(t *testing.T) {
	f := newPgFixture(t, NewLocalLocker())
	ctx := context.Background()
	slotID := uuid.New()

	require.NoError(t, f.repo.InsertEvent(ctx, EventLog{EventType: "slot.created", SlotID: &slotID, Payload: []byte(`{"k":"v"}`)}))

	fixed := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	require.NoError(t, f.repo.InsertEvent(ctx, EventLog{EventType: "slot.deleted", SlotID: &slotID, CreatedAt: fixed}))

	rows, err := f.pool.Query(ctx, `SELECT event_type, created_at FROM event_logs WHERE slot_id = $1 ORDER BY id`, slotID)
	require.NoError(t, err)
	defer rows.Close()

	var got []time.Time
	for rows.Next() {
		var (
			typ string
			ts  time.Time
		)
		require.NoError(t, rows.Scan(&typ, &ts))
		got = append(got, ts)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)
	assert.WithinDuration(t, time.Now(), got[0], time.Minute)
	assert.True(t, fixed.Equal(got[1]), got[1])
}
