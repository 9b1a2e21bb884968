package renewal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"memberflow/fault"
)

var (
	// ErrRenewalNotFound is returned when no renewal row exists for the id.
	ErrRenewalNotFound = fault.NotFound("renewal: not found")
	// ErrDuplicateRenewal signals a second non-terminal renewal for the same
	// (membership, year) pair. Enforced by a partial unique index.
	ErrDuplicateRenewal = fault.Conflict("renewal: duplicate non-terminal renewal for membership and year")
	// ErrTransitionConflict is handed to the loser of a concurrent transition
	// race: the row exists but its status no longer matches the source state.
	ErrTransitionConflict = fault.Conflict("renewal: concurrent transition conflict")
)

const pgUniqueViolation = "23505"

// Queryer is satisfied by both *pgxpool.Pool and pgx.Tx, so reads can run
// inside or outside a transaction.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const renewalColumns = `
	id, membership_id, member_id, renewal_year, renewal_type, status,
	due_date, grace_end_date, amount, late_fee, discount, final_amount,
	payment_status, payment_method, payment_ref, payment_date,
	auto_renew, reminders_sent, processed_at, completed_at, created_at, updated_at
`

// Repository is the Postgres data access layer for renewals. Write methods
// take the caller's transaction so status changes, history appends, and
// side effects commit atomically.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rn Renewal) (Renewal, error) {
	const insertSQL = `
		INSERT INTO renewals (
			membership_id, member_id, renewal_year, renewal_type, status,
			due_date, grace_end_date, amount, late_fee, discount, final_amount,
			payment_status, payment_method, auto_renew
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING ` + renewalColumns

	row := tx.QueryRow(ctx, insertSQL,
		rn.MembershipID, rn.MemberID, rn.Year, rn.Type, rn.Status,
		rn.DueDate, rn.GraceEndDate, rn.Amount, rn.LateFee, rn.Discount, rn.FinalAmount,
		rn.PaymentStatus, rn.PaymentMethod, rn.AutoRenew,
	)
	out, err := scanRenewal(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Renewal{}, ErrDuplicateRenewal
		}
		return Renewal{}, fault.Persistence("renewal: insert: %v", err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, q Queryer, id string) (Renewal, error) {
	row := q.QueryRow(ctx, `SELECT `+renewalColumns+` FROM renewals WHERE id = $1`, id)
	rn, err := scanRenewal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Renewal{}, ErrRenewalNotFound
		}
		return Renewal{}, fault.Persistence("renewal: get: %v", err)
	}
	return rn, nil
}

// GetForUpdate locks the renewal row for the duration of the transaction so
// concurrent transitions on the same renewal serialize.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Renewal, error) {
	row := tx.QueryRow(ctx, `SELECT `+renewalColumns+` FROM renewals WHERE id = $1 FOR UPDATE`, id)
	rn, err := scanRenewal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Renewal{}, ErrRenewalNotFound
		}
		return Renewal{}, fault.Persistence("renewal: lock: %v", err)
	}
	return rn, nil
}

// MarkProcessing moves pending -> processing and stamps processed_at.
func (r *Repository) MarkProcessing(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	const updateSQL = `
		UPDATE renewals
		SET status = $2, processed_at = $3, updated_at = now()
		WHERE id = $1 AND status = $4
	`
	return r.casUpdate(ctx, tx, updateSQL, id, StatusProcessing, at, StatusPending)
}

// CompleteFields carries everything MarkCompleted writes besides the status.
type CompleteFields struct {
	ID            string
	CompletedAt   time.Time
	PaymentMethod string
	PaymentRef    string
}

// MarkCompleted moves processing -> completed and forces payment status to
// completed.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, f CompleteFields) error {
	const updateSQL = `
		UPDATE renewals
		SET status = $2, completed_at = $3, payment_status = $4,
		    payment_method = $5, payment_ref = $6, payment_date = $3, updated_at = now()
		WHERE id = $1 AND status = $7
	`
	return r.casUpdate(ctx, tx, updateSQL, f.ID, StatusCompleted, f.CompletedAt, PaymentCompleted, f.PaymentMethod, f.PaymentRef, StatusProcessing)
}

// MarkFailed moves processing -> failed and records the failed payment status.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id string) error {
	const updateSQL = `
		UPDATE renewals
		SET status = $2, payment_status = $3, updated_at = now()
		WHERE id = $1 AND status = $4
	`
	return r.casUpdate(ctx, tx, updateSQL, id, StatusFailed, PaymentFailed, StatusProcessing)
}

// MarkCancelled cancels from the given source state (pending or processing).
func (r *Repository) MarkCancelled(ctx context.Context, tx pgx.Tx, id string, from Status) error {
	const updateSQL = `
		UPDATE renewals
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`
	return r.casUpdate(ctx, tx, updateSQL, id, StatusCancelled, from)
}

// MarkExpired moves pending -> expired.
func (r *Repository) MarkExpired(ctx context.Context, tx pgx.Tx, id string) error {
	const updateSQL = `
		UPDATE renewals
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`
	return r.casUpdate(ctx, tx, updateSQL, id, StatusExpired, StatusPending)
}

// AmountFields carries a corrective amount update.
type AmountFields struct {
	ID          string
	Amount      float64
	LateFee     float64
	Discount    float64
	FinalAmount float64
}

// UpdateAmounts rewrites the amount columns. Allowed only while the renewal
// is pending or failed; anything else raced into another state.
func (r *Repository) UpdateAmounts(ctx context.Context, tx pgx.Tx, f AmountFields) error {
	const updateSQL = `
		UPDATE renewals
		SET amount = $2, late_fee = $3, discount = $4, final_amount = $5, updated_at = now()
		WHERE id = $1 AND status IN ($6, $7)
	`
	return r.casUpdate(ctx, tx, updateSQL, f.ID, f.Amount, f.LateFee, f.Discount, f.FinalAmount, StatusPending, StatusFailed)
}

// ExtendMembership pushes the member's expiry forward by whole months added
// to the prior expiry date, not to now, so completing late never drifts the
// anniversary.
func (r *Repository) ExtendMembership(ctx context.Context, tx pgx.Tx, membershipID string, months int) (time.Time, error) {
	const updateSQL = `
		UPDATE memberships
		SET expiry_date = expiry_date + make_interval(months => $2),
		    status = 'active',
		    updated_at = now()
		WHERE member_id = $1
		RETURNING expiry_date
	`
	var newExpiry time.Time
	if err := tx.QueryRow(ctx, updateSQL, membershipID, months).Scan(&newExpiry); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, fault.NotFound("renewal: membership %s not found for extension", membershipID)
		}
		return time.Time{}, fault.Persistence("renewal: extend membership: %v", err)
	}
	return newExpiry, nil
}

func (r *Repository) InsertPayment(ctx context.Context, tx pgx.Tx, p Payment) (Payment, error) {
	const insertSQL = `
		INSERT INTO renewal_payments (renewal_id, member_id, amount, method, reference, paid_at, status, reconciled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, renewal_id, member_id, amount, method, reference, paid_at, status, reconciled
	`
	var out Payment
	err := tx.QueryRow(ctx, insertSQL,
		p.RenewalID, p.MemberID, p.Amount, p.Method, p.Reference, p.PaidAt, p.Status, p.Reconciled,
	).Scan(&out.ID, &out.RenewalID, &out.MemberID, &out.Amount, &out.Method, &out.Reference, &out.PaidAt, &out.Status, &out.Reconciled)
	if err != nil {
		return Payment{}, fault.Persistence("renewal: insert payment: %v", err)
	}
	return out, nil
}

func (r *Repository) SumPayments(ctx context.Context, q Queryer, renewalID string) (float64, error) {
	const query = `
		SELECT COALESCE(SUM(amount), 0)
		FROM renewal_payments
		WHERE renewal_id = $1 AND status = $2
	`
	var sum float64
	if err := q.QueryRow(ctx, query, renewalID, PaymentCompleted).Scan(&sum); err != nil {
		return 0, fault.Persistence("renewal: sum payments: %v", err)
	}
	return sum, nil
}

// ListLapsed returns pending renewals whose grace window closed before asOf
// and that hold no completed payments; paid rows are not expiry candidates.
func (r *Repository) ListLapsed(ctx context.Context, q Queryer, asOf time.Time) ([]Renewal, error) {
	const query = `
		SELECT ` + renewalColumns + `
		FROM renewals
		WHERE status = $1 AND grace_end_date < $2
		  AND NOT EXISTS (
			SELECT 1 FROM renewal_payments p
			WHERE p.renewal_id = renewals.id AND p.status = $3
		  )
		ORDER BY grace_end_date ASC, id ASC
	`
	return r.list(ctx, q, query, StatusPending, asOf, PaymentCompleted)
}

// ListOpen returns non-terminal renewals due on or before the horizon,
// the candidate set for reminder staging.
func (r *Repository) ListOpen(ctx context.Context, q Queryer, horizon time.Time) ([]Renewal, error) {
	const query = `
		SELECT ` + renewalColumns + `
		FROM renewals
		WHERE status IN ($1, $2) AND due_date <= $3
		ORDER BY due_date ASC, id ASC
	`
	return r.list(ctx, q, query, StatusPending, StatusProcessing, horizon)
}

func (r *Repository) list(ctx context.Context, q Queryer, query string, args ...any) ([]Renewal, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fault.Persistence("renewal: list: %v", err)
	}
	defer rows.Close()

	out := make([]Renewal, 0, 16)
	for rows.Next() {
		rn, err := scanRenewal(rows)
		if err != nil {
			return nil, fault.Persistence("renewal: scan row: %v", err)
		}
		out = append(out, rn)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("renewal: iterate rows: %v", err)
	}
	return out, nil
}

// casUpdate runs a conditional status update. Zero rows affected means either
// the row vanished or another writer got there first; the row lock taken by
// GetForUpdate makes the distinction stable within the transaction.
func (r *Repository) casUpdate(ctx context.Context, tx pgx.Tx, updateSQL string, id string, args ...any) error {
	tag, err := tx.Exec(ctx, updateSQL, append([]any{id}, args...)...)
	if err != nil {
		return fault.Persistence("renewal: status update: %v", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM renewals WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fault.Persistence("renewal: verify row: %v", err)
	}
	if !exists {
		return ErrRenewalNotFound
	}
	return ErrTransitionConflict
}

func scanRenewal(row pgx.Row) (Renewal, error) {
	var rn Renewal
	err := row.Scan(
		&rn.ID, &rn.MembershipID, &rn.MemberID, &rn.Year, &rn.Type, &rn.Status,
		&rn.DueDate, &rn.GraceEndDate, &rn.Amount, &rn.LateFee, &rn.Discount, &rn.FinalAmount,
		&rn.PaymentStatus, &rn.PaymentMethod, &rn.PaymentRef, &rn.PaymentDate,
		&rn.AutoRenew, &rn.RemindersSent, &rn.ProcessedAt, &rn.CompletedAt, &rn.CreatedAt, &rn.UpdatedAt,
	)
	if err != nil {
		return Renewal{}, err
	}
	return rn, nil
}
