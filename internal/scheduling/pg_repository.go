package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/provider-scheduling/internal/db"
)

const (
	constraintProviderUser    = "providers_user_id_key"
	constraintProviderUserFK  = "providers_user_id_fkey"
	constraintAppointmentSlot = "appointments_slot_id_key"
	constraintPatientFK       = "appointments_patient_id_fkey"
	constraintSlotTimeOrder   = "availabilities_time_order"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentCanceled  = "APPOINTMENT_CANCELED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
)

// pgxDB is the slice of pgxpool.Pool the store needs.
type pgxDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgRepository struct {
	db pgxDB
}

func NewPgRepository(pool pgxDB) *PgRepository {
	if pool == nil {
		panic("scheduling: pgx pool required")
	}
	return &PgRepository{db: pool}
}

var _ Repository = (*PgRepository)(nil)

// Helpers

const providerColumns = `id, user_id, specialty, bio, clinic_address, created_at`

const slotColumns = `id, provider_id, start_time, end_time, is_booked, created_at`

const appointmentColumns = `id, patient_id, provider_id, slot_id, status, created_at, deleted_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	var clinicAddress *string

	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Specialty,
		&p.Bio,
		&clinicAddress,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	p.ClinicAddress = clinicAddress
	return &p, nil
}

func scanSlot(row pgx.Row) (*Availability, error) {
	var s Availability

	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.StartTime,
		&s.EndTime,
		&s.IsBooked,
		&s.CreatedAt,
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
	var status string
	var deletedAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.SlotID,
		&status,
		&a.CreatedAt,
		&deletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = AppointmentStatus(status)
	a.DeletedAt = deletedAt
	return &a, nil
}

// notFoundOr passes domain not-found errors through and marks anything else
// as a store failure.
func notFoundOr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return storeError(op, err)
}

// Providers

func (r *PgRepository) CreateProvider(ctx context.Context, p Provider) (*Provider, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO providers (id, user_id, specialty, bio, clinic_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+providerColumns,
		p.ID, p.UserID, p.Specialty, p.Bio, p.ClinicAddress, p.CreatedAt)

	created, err := scanProvider(row)
	if err != nil {
		switch {
		case db.IsUniqueViolation(err, constraintProviderUser):
			return nil, ErrProviderExists
		case db.IsForeignKeyViolation(err, constraintProviderUserFK):
			return nil, ErrUserNotFound
		}
		return nil, storeError("insert provider", err)
	}
	return created, nil
}

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		WHERE id = $1
	`, id)
	p, err := scanProvider(row)
	if err != nil {
		return nil, notFoundOr("load provider", err)
	}
	return p, nil
}

func (r *PgRepository) GetProviderByUserID(ctx context.Context, userID uuid.UUID) (*Provider, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		WHERE user_id = $1
	`, userID)
	p, err := scanProvider(row)
	if err != nil {
		return nil, notFoundOr("load provider by user", err)
	}
	return p, nil
}

func (r *PgRepository) ListProviders(ctx context.Context, page Page) ([]Provider, error) {
	var q query
	q.write(`SELECT ` + providerColumns + ` FROM providers ORDER BY created_at, id`)
	q.paginate(page)

	rows, err := r.db.Query(ctx, q.sql.String(), q.args...)
	if err != nil {
		return nil, storeError("list providers", err)
	}
	defer rows.Close()

	result := []Provider{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, storeError("scan provider", err)
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list providers", err)
	}
	return result, nil
}

// Availability

func (r *PgRepository) CreateSlot(ctx context.Context, slot Availability, rejectOverlap bool) (*Availability, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, storeError("begin create slot", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the provider row so concurrent publishes for one provider run
	// their overlap check one at a time.
	var lockedID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM providers
		WHERE id = $1
		FOR UPDATE
	`, slot.ProviderID).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, storeError("lock provider", err)
	}

	if rejectOverlap {
		var overlaps bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM availabilities
				WHERE provider_id = $1
				  AND start_time < $3
				  AND end_time > $2
			)
		`, slot.ProviderID, slot.StartTime, slot.EndTime).Scan(&overlaps)
		if err != nil {
			return nil, storeError("check slot overlap", err)
		}
		if overlaps {
			return nil, ErrSlotOverlap
		}
	}

	created, err := scanSlot(tx.QueryRow(ctx, `
		INSERT INTO availabilities (id, provider_id, start_time, end_time, is_booked, created_at)
		VALUES ($1, $2, $3, $4, false, $5)
		RETURNING `+slotColumns,
		slot.ID, slot.ProviderID, slot.StartTime, slot.EndTime, slot.CreatedAt))
	if err != nil {
		if db.IsCheckViolation(err, constraintSlotTimeOrder) {
			return nil, ErrInvalidTimeRange
		}
		return nil, storeError("insert slot", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("commit create slot", err)
	}
	return created, nil
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Availability, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM availabilities
		WHERE id = $1
	`, id)
	s, err := scanSlot(row)
	if err != nil {
		return nil, notFoundOr("load slot", err)
	}
	return s, nil
}

func (r *PgRepository) ListSlots(ctx context.Context, f SlotFilter) ([]Availability, error) {
	var q query
	q.write(`SELECT ` + slotColumns + ` FROM availabilities WHERE true`)
	if f.ProviderID != nil {
		q.write(` AND provider_id = ` + q.arg(*f.ProviderID))
	}
	if f.OnlyOpen {
		q.write(` AND is_booked = false`)
	}
	if f.From != nil {
		q.write(` AND start_time >= ` + q.arg(*f.From))
	}
	if f.To != nil {
		q.write(` AND end_time <= ` + q.arg(*f.To))
	}
	q.write(` ORDER BY start_time, id`)
	q.paginate(f.Page)

	rows, err := r.db.Query(ctx, q.sql.String(), q.args...)
	if err != nil {
		return nil, storeError("list slots", err)
	}
	defer rows.Close()

	result := []Availability{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, storeError("scan slot", err)
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list slots", err)
	}
	return result, nil
}

// Appointments

func (r *PgRepository) BookSlot(ctx context.Context, slotID, patientID uuid.UUID, now time.Time) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, storeError("begin booking", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The row lock makes a concurrent booker wait here until we commit, after
	// which it reads is_booked = true.
	slot, err := scanSlot(tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM availabilities
		WHERE id = $1
		FOR UPDATE
	`, slotID))
	if err != nil {
		return nil, notFoundOr("lock slot", err)
	}
	if slot.IsBooked {
		return nil, ErrSlotAlreadyBooked
	}

	if _, err := tx.Exec(ctx, `
		UPDATE availabilities SET is_booked = true
		WHERE id = $1
	`, slotID); err != nil {
		return nil, storeError("mark slot booked", err)
	}

	appt, err := scanAppointment(tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, provider_id, slot_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+appointmentColumns,
		uuid.New(), patientID, slot.ProviderID, slotID, string(StatusScheduled), now))
	if err != nil {
		return nil, bookingError("insert appointment", err)
	}

	if err := insertEvent(ctx, tx, appt.ID, EventAppointmentBooked, map[string]any{
		"slot_id":     slotID.String(),
		"patient_id":  patientID.String(),
		"provider_id": slot.ProviderID.String(),
	}, now); err != nil {
		return nil, storeError("record booking event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, bookingError("commit booking", err)
	}
	return appt, nil
}

// bookingError turns a lost race on the slot uniqueness constraint into
// ErrSlotAlreadyBooked.
func bookingError(op string, err error) error {
	switch {
	case db.IsUniqueViolation(err, constraintAppointmentSlot):
		return ErrSlotAlreadyBooked
	case db.IsForeignKeyViolation(err, constraintPatientFK):
		return ErrUserNotFound
	}
	return storeError(op, err)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := r.db.QueryRow(ctx, `
		SELECT a.id, a.patient_id, a.provider_id, a.slot_id, a.status, a.created_at, a.deleted_at,
		       p.id, p.user_id, p.specialty, p.bio, p.clinic_address, p.created_at,
		       s.id, s.provider_id, s.start_time, s.end_time, s.is_booked, s.created_at
		FROM appointments a
		JOIN providers p ON p.id = a.provider_id
		JOIN availabilities s ON s.id = a.slot_id
		WHERE a.id = $1
	`, id)

	var d AppointmentDetail
	var status string
	err := row.Scan(
		&d.ID, &d.PatientID, &d.ProviderID, &d.SlotID, &status, &d.CreatedAt, &d.DeletedAt,
		&d.Provider.ID, &d.Provider.UserID, &d.Provider.Specialty, &d.Provider.Bio, &d.Provider.ClinicAddress, &d.Provider.CreatedAt,
		&d.Slot.ID, &d.Slot.ProviderID, &d.Slot.StartTime, &d.Slot.EndTime, &d.Slot.IsBooked, &d.Slot.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, storeError("load appointment", err)
	}
	d.Status = AppointmentStatus(status)
	return &d, nil
}

func (r *PgRepository) TransitionAppointment(ctx context.Context, t Transition) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, storeError("begin transition", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := scanAppointment(tx.QueryRow(ctx, `
		UPDATE appointments SET status = $2, deleted_at = COALESCE($4, deleted_at)
		WHERE id = $1
		  AND status = $3
		  AND deleted_at IS NULL
		RETURNING `+appointmentColumns,
		t.AppointmentID, string(t.To), string(t.From), t.DeletedAt))
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// the guarded update matched nothing: someone moved it first
			return nil, ErrInvalidTransition
		}
		return nil, storeError("update appointment status", err)
	}

	eventType := EventAppointmentCompleted
	if t.To == StatusCanceled {
		eventType = EventAppointmentCanceled
	}
	if err := insertEvent(ctx, tx, appt.ID, eventType, map[string]any{
		"from":     string(t.From),
		"to":       string(t.To),
		"actor_id": t.ActorID.String(),
	}, t.At); err != nil {
		return nil, storeError("record transition event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("commit transition", err)
	}
	return appt, nil
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	var q query
	q.write(`SELECT ` + appointmentColumns + ` FROM appointments WHERE true`)
	if f.PatientID != nil {
		q.write(` AND patient_id = ` + q.arg(*f.PatientID))
	}
	if f.ProviderID != nil {
		q.write(` AND provider_id = ` + q.arg(*f.ProviderID))
	}
	if !f.IncludeCanceled {
		q.write(` AND deleted_at IS NULL`)
	}
	q.write(` ORDER BY created_at, id`)
	q.paginate(f.Page)

	rows, err := r.db.Query(ctx, q.sql.String(), q.args...)
	if err != nil {
		return nil, storeError("list appointments", err)
	}
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, storeError("scan appointment", err)
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list appointments", err)
	}
	return result, nil
}

func insertEvent(ctx context.Context, ex execer, appointmentID uuid.UUID, eventType string, payload map[string]any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	_, err = ex.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, eventType, appointmentID, data, at)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// query accumulates a statement with positional arguments.
type query struct {
	sql  strings.Builder
	args []any
}

func (q *query) write(s string) {
	q.sql.WriteString(s)
}

func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) paginate(p Page) {
	p = p.normalize()
	if p.Limit > 0 {
		q.write(` LIMIT ` + q.arg(p.Limit))
	}
	if p.Offset > 0 {
		q.write(` OFFSET ` + q.arg(p.Offset))
	}
}
