package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes the repository translates.
const (
	pgUniqueViolation    = "23505"
	pgExclusionViolation = "23P01"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &PgRepository{pool: r.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Helpers

const slotColumns = `id, owner_id, start_time, end_time, status, modality, location, notes, created_at, updated_at`

const appointmentColumns = `id, slot_id, patient_id, status, notes, origin, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.StartTime,
		&s.EndTime,
		&s.Status,
		&s.Modality,
		&s.Location,
		&s.Notes,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.PatientID,
		&a.Status,
		&a.Notes,
		&a.Origin,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var (
		d           AppointmentDetail
		patientName *string
	)
	err := row.Scan(
		&d.ID,
		&d.SlotID,
		&d.PatientID,
		&d.Status,
		&d.Notes,
		&d.Origin,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.Slot.ID,
		&d.Slot.OwnerID,
		&d.Slot.StartTime,
		&d.Slot.EndTime,
		&d.Slot.Status,
		&d.Slot.Modality,
		&d.Slot.Location,
		&d.Slot.Notes,
		&d.Slot.CreatedAt,
		&d.Slot.UpdatedAt,
		&patientName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	if patientName != nil {
		d.Patient = &Person{ID: d.PatientID, DisplayName: *patientName}
	}
	return &d, nil
}

func scanPerson(row pgx.Row, notFound error) (*Person, error) {
	var p Person
	if err := row.Scan(&p.ID, &p.DisplayName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, err
	}
	return &p, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// whereBuilder accumulates positional predicates.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *whereBuilder) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.clauses, " AND ")
}

// Slots

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) LockOwner(ctx context.Context, ownerID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, ownerID.String())
	return err
}

func (r *PgRepository) FindOverlappingSlots(ctx context.Context, ownerID uuid.UUID, start, end time.Time, exclude uuid.UUID) ([]Slot, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE owner_id = $1
		  AND id <> $4
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time ASC
	`, ownerID, start, end, exclude)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

func (r *PgRepository) ListSlots(ctx context.Context, f SlotFilter) ([]Slot, error) {
	var w whereBuilder
	w.add("owner_id = ?", f.OwnerID)
	if f.Status != nil {
		w.add("status = ?", *f.Status)
	}
	if f.Modality != nil {
		w.add("modality = ?", *f.Modality)
	}
	addRange(&w, f.Range, f.Contained, "start_time", "end_time")

	rows, err := r.q.Query(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		`+w.String()+`
		ORDER BY start_time ASC
	`, w.args...)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

func addRange(w *whereBuilder, rg TimeRange, contained bool, startCol, endCol string) {
	if contained {
		if rg.Start != nil {
			w.add(startCol+" >= ?", *rg.Start)
		}
		if rg.End != nil {
			w.add(endCol+" <= ?", *rg.End)
		}
		return
	}
	if rg.Start != nil {
		w.add(endCol+" > ?", *rg.Start)
	}
	if rg.End != nil {
		w.add(startCol+" < ?", *rg.End)
	}
}

func collectSlots(rows pgx.Rows) ([]Slot, error) {
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) InsertSlot(ctx context.Context, s *Slot) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO availability_slots (`+slotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.OwnerID, s.StartTime, s.EndTime, s.Status, s.Modality, s.Location, s.Notes, s.CreatedAt, s.UpdatedAt)
	if pgCode(err) == pgExclusionViolation {
		return ErrSlotOverlap
	}
	return err
}

func (r *PgRepository) UpdateSlot(ctx context.Context, s *Slot) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE availability_slots
		SET start_time = $2,
		    end_time = $3,
		    status = $4,
		    modality = $5,
		    location = $6,
		    notes = $7,
		    updated_at = $8
		WHERE id = $1
	`, s.ID, s.StartTime, s.EndTime, s.Status, s.Modality, s.Location, s.Notes, s.UpdatedAt)
	if err != nil {
		if pgCode(err) == pgExclusionViolation {
			return ErrSlotOverlap
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM availability_slots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) FindDriftedSlots(ctx context.Context) ([]SlotDrift, error) {
	rows, err := r.q.Query(ctx, `
		SELECT s.id, s.status, COUNT(a.id) FILTER (WHERE a.status = 'booked') AS booked
		FROM availability_slots s
		LEFT JOIN appointments a ON a.slot_id = s.id
		GROUP BY s.id, s.status
		HAVING (s.status = 'booked'
		        AND COUNT(a.id) FILTER (WHERE a.status IN ('booked', 'completed', 'no_show')) = 0)
		    OR (s.status <> 'booked'
		        AND COUNT(a.id) FILTER (WHERE a.status = 'booked') > 0)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SlotDrift
	for rows.Next() {
		var d SlotDrift
		if err := rows.Scan(&d.SlotID, &d.Status, &d.BookedCount); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Appointments

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

const detailSelect = `
	SELECT a.id, a.slot_id, a.patient_id, a.status, a.notes, a.origin, a.created_at, a.updated_at,
	       s.id, s.owner_id, s.start_time, s.end_time, s.status, s.modality, s.location, s.notes, s.created_at, s.updated_at,
	       p.display_name
	FROM appointments a
	JOIN availability_slots s ON s.id = a.slot_id
	LEFT JOIN patients p ON p.id = a.patient_id
`

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := r.q.QueryRow(ctx, detailSelect+` WHERE a.id = $1`, id)
	return scanDetail(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]AppointmentDetail, error) {
	var w whereBuilder
	if f.OwnerID != nil {
		w.add("s.owner_id = ?", *f.OwnerID)
	}
	if f.PatientID != nil {
		w.add("a.patient_id = ?", *f.PatientID)
	}
	if f.Status != nil {
		w.add("a.status = ?", *f.Status)
	}
	addRange(&w, f.Range, false, "s.start_time", "s.end_time")

	rows, err := r.q.Query(ctx, detailSelect+w.String()+` ORDER BY s.start_time ASC, a.created_at ASC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) CountBookedAppointments(ctx context.Context, slotID uuid.UUID) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE slot_id = $1 AND status = 'booked'
	`, slotID).Scan(&n)
	return n, err
}

func (r *PgRepository) CountHoldingAppointments(ctx context.Context, slotID uuid.UUID) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE slot_id = $1 AND status IN ('booked', 'completed', 'no_show')
	`, slotID).Scan(&n)
	return n, err
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.SlotID, a.PatientID, a.Status, a.Notes, a.Origin, a.CreatedAt, a.UpdatedAt)
	if pgCode(err) == pgUniqueViolation {
		// appointments_one_booked_per_slot
		return ErrSlotNotAvailable
	}
	return err
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    notes = $3,
		    updated_at = $4
		WHERE id = $1
	`, a.ID, a.Status, a.Notes, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, slot_id, appointment_id, actor_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, ev.EventType, ev.SlotID, ev.AppointmentID, ev.ActorID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// Directory

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Person, error) {
	row := r.q.QueryRow(ctx, `SELECT id, display_name FROM patients WHERE id = $1`, id)
	return scanPerson(row, ErrPatientNotFound)
}

func (r *PgRepository) GetProfessional(ctx context.Context, id uuid.UUID) (*Person, error) {
	row := r.q.QueryRow(ctx, `SELECT id, display_name FROM professionals WHERE id = $1`, id)
	return scanPerson(row, ErrProfessionalNotFound)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
