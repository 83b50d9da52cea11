package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

// pgxPool is the subset of *pgxpool.Pool the repository needs.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool        pgxPool
	lockTimeout time.Duration
}

// NewPgRepository returns a Postgres backed repository. Row locks taken
// inside WithinTx give up after lockTimeout with ErrSlotBusy.
func NewPgRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *PgRepository {
	return newPgRepositoryWithPool(pool, lockTimeout)
}

func newPgRepositoryWithPool(pool pgxPool, lockTimeout time.Duration) *PgRepository {
	return &PgRepository{pool: pool, lockTimeout: lockTimeout}
}

// Helpers

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable:
			return ErrSlotBusy
		case pgUniqueViolation:
			return ErrSlotConflict
		}
	}
	return err
}

func dateParam(d civil.Date) time.Time {
	return d.In(time.UTC)
}

func clockParam(c Clock) pgtype.Time {
	return pgtype.Time{Microseconds: c.Microseconds(), Valid: true}
}

const slotColumns = `id, provider_id, slot_date, start_time, end_time, status, created_at, updated_at`

type slotRow struct {
	s     Slot
	date  time.Time
	start pgtype.Time
	end   pgtype.Time
}

func (r *slotRow) dest() []any {
	return []any{&r.s.ID, &r.s.ProviderID, &r.date, &r.start, &r.end, &r.s.Status, &r.s.CreatedAt, &r.s.UpdatedAt}
}

func (r *slotRow) slot() Slot {
	r.s.Date = civil.DateOf(r.date)
	r.s.Start = ClockFromMicroseconds(r.start.Microseconds)
	r.s.End = ClockFromMicroseconds(r.end.Microseconds)
	return r.s
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var sr slotRow
	if err := row.Scan(sr.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, mapPgError(err)
	}
	s := sr.slot()
	return &s, nil
}

const appointmentColumns = `id, slot_id, patient_id, cancellation_token, reason, status, created_at, updated_at`

func appointmentDest(a *Appointment) []any {
	return []any{&a.ID, &a.SlotID, &a.PatientID, &a.CancellationToken, &a.Reason, &a.Status, &a.CreatedAt, &a.UpdatedAt}
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	if err := row.Scan(appointmentDest(&a)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, mapPgError(err)
	}
	return &a, nil
}

const appointmentDetailSelect = `
		SELECT a.id, a.slot_id, a.patient_id, a.cancellation_token, a.reason, a.status, a.created_at, a.updated_at,
		       s.id, s.provider_id, s.slot_date, s.start_time, s.end_time, s.status, s.created_at, s.updated_at
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id`

func scanAppointmentDetail(row pgx.Row) (*AppointmentDetail, error) {
	var (
		d  AppointmentDetail
		sr slotRow
	)
	dest := append(appointmentDest(&d.Appointment), sr.dest()...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	d.Slot = sr.slot()
	return &d, nil
}

func scanWorkingWindow(row pgx.Row) (*WorkingWindow, error) {
	var (
		w                    WorkingWindow
		date                 time.Time
		dayStart, dayEnd     pgtype.Time
		breakStart, breakEnd pgtype.Time
	)
	err := row.Scan(&w.ID, &w.ProviderID, &date, &dayStart, &dayEnd, &breakStart, &breakEnd, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.Date = civil.DateOf(date)
	w.DayStart = ClockFromMicroseconds(dayStart.Microseconds)
	w.DayEnd = ClockFromMicroseconds(dayEnd.Microseconds)
	if breakStart.Valid && breakEnd.Valid {
		w.Break = &BreakWindow{
			Start: ClockFromMicroseconds(breakStart.Microseconds),
			End:   ClockFromMicroseconds(breakEnd.Microseconds),
		}
	}
	return &w, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	result := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Reads

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, session_minutes, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.SessionMinutes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlots(ctx context.Context, f SlotFilter) ([]Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE provider_id = $1`
	args := []any{f.ProviderID}

	if f.Date != nil {
		args = append(args, dateParam(*f.Date))
		query += fmt.Sprintf(" AND slot_date = $%d", len(args))
	}
	if f.From != nil {
		args = append(args, dateParam(*f.From))
		query += fmt.Sprintf(" AND slot_date >= $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY slot_date, start_time"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) ListWorkingWindows(ctx context.Context, providerID uuid.UUID, from, to civil.Date) ([]WorkingWindow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id, window_date, day_start, day_end, break_start, break_end, created_at
		FROM working_windows
		WHERE provider_id = $1
		  AND window_date BETWEEN $2 AND $3
		ORDER BY window_date
	`, providerID, dateParam(from), dateParam(to))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWorkingWindow)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := r.pool.QueryRow(ctx, appointmentDetailSelect+`
		WHERE a.id = $1
	`, id)
	return scanAppointmentDetail(row)
}

func (r *PgRepository) GetAppointmentIDByToken(ctx context.Context, token uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT id FROM appointments WHERE cancellation_token = $1
	`, token).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrAppointmentNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, p Page) ([]AppointmentDetail, error) {
	p = p.normalize()
	rows, err := r.pool.Query(ctx, appointmentDetailSelect+`
		WHERE a.patient_id = $1
		ORDER BY s.slot_date DESC, s.start_time DESC, a.created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointmentDetail)
}

func (r *PgRepository) ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, p Page) ([]AppointmentDetail, error) {
	p = p.normalize()
	rows, err := r.pool.Query(ctx, appointmentDetailSelect+`
		WHERE s.provider_id = $1
		ORDER BY s.slot_date DESC, s.start_time DESC, a.created_at DESC
		LIMIT $2 OFFSET $3
	`, providerID, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointmentDetail)
}

func (r *PgRepository) FindSlotStatusDrift(ctx context.Context) ([]uuid.UUID, []uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id, s.status
		FROM slots s
		LEFT JOIN appointments a
		  ON a.slot_id = s.id AND a.status <> 'CANCELLED'
		WHERE (s.status = 'AVAILABLE' AND a.id IS NOT NULL)
		   OR (s.status = 'CLAIMED' AND a.id IS NULL)
		ORDER BY s.id
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var availableWithAppt, claimedWithout []uuid.UUID
	for rows.Next() {
		var (
			id     uuid.UUID
			status SlotStatus
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, nil, err
		}
		if status == SlotAvailable {
			availableWithAppt = append(availableWithAppt, id)
		} else {
			claimedWithout = append(claimedWithout, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return availableWithAppt, claimedWithout, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Transactions

// WithinTx rolls back when fn fails and commits otherwise. A unique
// violation surfacing at commit maps to ErrSlotConflict.
func (r *PgRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx, lockTimeout: r.lockTimeout}); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		mapped := mapPgError(err)
		if mapped != err {
			return mapped
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx          pgx.Tx
	lockTimeout time.Duration
	timeoutSet  bool
}

// boundLocks makes every later row lock in this transaction give up after
// the configured timeout instead of queueing indefinitely.
func (t *pgTx) boundLocks(ctx context.Context) error {
	if t.timeoutSet || t.lockTimeout <= 0 {
		return nil
	}
	// rounded up: 0ms would disable the timeout entirely
	ms := (t.lockTimeout + time.Millisecond - 1) / time.Millisecond
	stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", int64(ms))
	if _, err := t.tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}
	t.timeoutSet = true
	return nil
}

func (t *pgTx) LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	if err := t.boundLocks(ctx); err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1 FOR UPDATE`, id)
	return scanSlot(row)
}

func (t *pgTx) UpdateSlotStatus(ctx context.Context, id uuid.UUID, status SlotStatus) (*Slot, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE slots
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+slotColumns, id, string(status))
	return scanSlot(row)
}

func (t *pgTx) SlotExists(ctx context.Context, providerID uuid.UUID, date civil.Date, start Clock) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM slots
			WHERE provider_id = $1 AND slot_date = $2 AND start_time = $3
		)
	`, providerID, dateParam(date), clockParam(start)).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertSlot(ctx context.Context, s *Slot) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO slots (id, provider_id, slot_date, start_time, end_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_id, slot_date, start_time) DO NOTHING
	`, s.ID, s.ProviderID, dateParam(s.Date), clockParam(s.Start), clockParam(s.End), string(s.Status), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) WorkingWindowExists(ctx context.Context, providerID uuid.UUID, date civil.Date) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM working_windows
			WHERE provider_id = $1 AND window_date = $2
		)
	`, providerID, dateParam(date)).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertWorkingWindow(ctx context.Context, w *WorkingWindow) (bool, error) {
	var breakStart, breakEnd pgtype.Time
	if w.Break != nil {
		breakStart, breakEnd = clockParam(w.Break.Start), clockParam(w.Break.End)
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO working_windows (id, provider_id, window_date, day_start, day_end, break_start, break_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_id, window_date) DO NOTHING
	`, w.ID, w.ProviderID, dateParam(w.Date), clockParam(w.DayStart), clockParam(w.DayEnd), breakStart, breakEnd, w.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) HasActiveAppointment(ctx context.Context, slotID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE slot_id = $1 AND status <> 'CANCELLED'
		)
	`, slotID).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (id, slot_id, patient_id, cancellation_token, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.SlotID, a.PatientID, a.CancellationToken, a.Reason, string(a.Status), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if mapped := mapPgError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (t *pgTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if err := t.boundLocks(ctx); err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

func (t *pgTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns, id, string(status))
	return scanAppointment(row)
}

func (t *pgTx) DeleteProviderCascade(ctx context.Context, providerID uuid.UUID) error {
	steps := []struct {
		name  string
		query string
	}{
		{"appointments", `DELETE FROM appointments WHERE slot_id IN (SELECT id FROM slots WHERE provider_id = $1)`},
		{"slots", `DELETE FROM slots WHERE provider_id = $1`},
		{"working windows", `DELETE FROM working_windows WHERE provider_id = $1`},
		{"provider", `DELETE FROM providers WHERE id = $1`},
	}

	var tag pgconn.CommandTag
	for _, step := range steps {
		var err error
		tag, err = t.tx.Exec(ctx, step.query, providerID)
		if err != nil {
			return fmt.Errorf("delete %s: %w", step.name, err)
		}
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}
	return nil
}
