package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"memberflow/fault"
)

var (
	// ErrScheduleNotFound is returned when no schedule row exists for the id.
	ErrScheduleNotFound = fault.NotFound("reminder: schedule not found")
	// ErrStageAlreadyScheduled signals the (renewal, stage) pair already has a
	// row; scheduling is idempotent per stage.
	ErrStageAlreadyScheduled = fault.Conflict("reminder: stage already scheduled for renewal")
	// ErrDeliveryConflict is returned when a delivery-status update loses to a
	// concurrent writer or targets an illegal source status.
	ErrDeliveryConflict = fault.Conflict("reminder: delivery status conflict")
)

const pgUniqueViolation = "23505"

// Queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const scheduleColumns = `id, renewal_id, member_id, stage, channel, scheduled_for, sent_at, status, created_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, s Schedule) (Schedule, error) {
	const insertSQL = `
		INSERT INTO reminder_schedules (renewal_id, member_id, stage, channel, scheduled_for, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING ` + scheduleColumns

	row := tx.QueryRow(ctx, insertSQL, s.RenewalID, s.MemberID, s.Stage, s.Channel, s.ScheduledFor, DeliveryScheduled)
	out, err := scanSchedule(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Schedule{}, ErrStageAlreadyScheduled
		}
		return Schedule{}, fault.Persistence("reminder: insert schedule: %v", err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, q Queryer, id string) (Schedule, error) {
	row := q.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM reminder_schedules WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Schedule{}, ErrScheduleNotFound
		}
		return Schedule{}, fault.Persistence("reminder: get schedule: %v", err)
	}
	return s, nil
}

// HighestStage returns the rank of the highest stage already recorded for the
// renewal, 0 when none exists.
func (r *Repository) HighestStage(ctx context.Context, q Queryer, renewalID string) (Stage, error) {
	const query = `SELECT stage FROM reminder_schedules WHERE renewal_id = $1`
	rows, err := q.Query(ctx, query, renewalID)
	if err != nil {
		return StageNone, fault.Persistence("reminder: list stages: %v", err)
	}
	defer rows.Close()

	highest := StageNone
	for rows.Next() {
		var s Stage
		if err := rows.Scan(&s); err != nil {
			return StageNone, fault.Persistence("reminder: scan stage: %v", err)
		}
		if s.Rank() > highest.Rank() {
			highest = s
		}
	}
	if err := rows.Err(); err != nil {
		return StageNone, fault.Persistence("reminder: iterate stages: %v", err)
	}
	return highest, nil
}

// MarkSent flips scheduled -> sent and bumps the renewal's reminder counter.
// The conditional update guarantees the counter moves exactly once per
// schedule row no matter how many callers race.
func (r *Repository) MarkSent(ctx context.Context, tx pgx.Tx, scheduleID string, at time.Time) (Schedule, error) {
	const updateSQL = `
		UPDATE reminder_schedules
		SET status = $2, sent_at = $3
		WHERE id = $1 AND status = $4
		RETURNING ` + scheduleColumns

	row := tx.QueryRow(ctx, updateSQL, scheduleID, DeliverySent, at, DeliveryScheduled)
	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Schedule{}, r.sentConflictOrMissing(ctx, tx, scheduleID)
		}
		return Schedule{}, fault.Persistence("reminder: mark sent: %v", err)
	}

	const bumpSQL = `
		UPDATE renewals
		SET reminders_sent = reminders_sent + 1, updated_at = now()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, bumpSQL, s.RenewalID); err != nil {
		return Schedule{}, fault.Persistence("reminder: bump reminder counter: %v", err)
	}
	return s, nil
}

// UpdateDelivery records the dispatcher-reported outcome for a sent reminder.
func (r *Repository) UpdateDelivery(ctx context.Context, tx pgx.Tx, scheduleID string, to DeliveryStatus) (Schedule, error) {
	const updateSQL = `
		UPDATE reminder_schedules
		SET status = $2
		WHERE id = $1 AND status = $3
		RETURNING ` + scheduleColumns

	row := tx.QueryRow(ctx, updateSQL, scheduleID, to, DeliverySent)
	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Schedule{}, r.sentConflictOrMissing(ctx, tx, scheduleID)
		}
		return Schedule{}, fault.Persistence("reminder: update delivery: %v", err)
	}
	return s, nil
}

func (r *Repository) sentConflictOrMissing(ctx context.Context, tx pgx.Tx, scheduleID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reminder_schedules WHERE id = $1)`, scheduleID).Scan(&exists); err != nil {
		return fault.Persistence("reminder: verify schedule: %v", err)
	}
	if !exists {
		return ErrScheduleNotFound
	}
	return ErrDeliveryConflict
}

// ListPending returns schedules still awaiting dispatch, oldest first.
func (r *Repository) ListPending(ctx context.Context, q Queryer, limit int) ([]Schedule, error) {
	const query = `
		SELECT ` + scheduleColumns + `
		FROM reminder_schedules
		WHERE status = $1
		ORDER BY scheduled_for ASC, id ASC
		LIMIT $2
	`
	rows, err := q.Query(ctx, query, DeliveryScheduled, limit)
	if err != nil {
		return nil, fault.Persistence("reminder: list pending: %v", err)
	}
	defer rows.Close()

	out := make([]Schedule, 0, limit)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fault.Persistence("reminder: scan schedule: %v", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("reminder: iterate schedules: %v", err)
	}
	return out, nil
}

func scanSchedule(row pgx.Row) (Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.RenewalID, &s.MemberID, &s.Stage, &s.Channel, &s.ScheduledFor, &s.SentAt, &s.Status, &s.CreatedAt)
	if err != nil {
		return Schedule{}, err
	}
	return s, nil
}
