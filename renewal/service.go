package renewal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"memberflow/fault"
	"memberflow/history"
	"memberflow/pricing"
)

// ErrInvalidTransition is returned for a transition the state machine does
// not permit, including any attempt to leave a terminal state.
var ErrInvalidTransition = fault.Conflict("renewal: illegal transition")

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store defines the data access required by the service.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, rn Renewal) (Renewal, error)
	Get(ctx context.Context, q Queryer, id string) (Renewal, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Renewal, error)
	MarkProcessing(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkCompleted(ctx context.Context, tx pgx.Tx, f CompleteFields) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string) error
	MarkCancelled(ctx context.Context, tx pgx.Tx, id string, from Status) error
	MarkExpired(ctx context.Context, tx pgx.Tx, id string) error
	UpdateAmounts(ctx context.Context, tx pgx.Tx, f AmountFields) error
	ExtendMembership(ctx context.Context, tx pgx.Tx, membershipID string, months int) (time.Time, error)
	InsertPayment(ctx context.Context, tx pgx.Tx, p Payment) (Payment, error)
	SumPayments(ctx context.Context, q Queryer, renewalID string) (float64, error)
	ListLapsed(ctx context.Context, q Queryer, asOf time.Time) ([]Renewal, error)
	ListOpen(ctx context.Context, q Queryer, horizon time.Time) ([]Renewal, error)
}

// Historian is the audit log surface the service needs. Append runs inside
// the transition's transaction; if it cannot commit, neither does the
// transition.
type Historian interface {
	Append(ctx context.Context, tx pgx.Tx, e history.Entry) error
	List(ctx context.Context, q history.Queryer, renewalID string) ([]history.Entry, error)
}

// Service owns the renewal state machine and amount computation.
type Service struct {
	db   DB
	repo Store
	hist Historian
	calc pricing.Calculator
	log  *logrus.Logger

	now   func() time.Time
	idGen func() string

	lateFee        float64
	fallbackAmount float64
	graceDays      int
}

const (
	defaultLateFee        = 25.00
	defaultFallbackAmount = 100.00
	defaultGraceDays      = 30
)

func NewService(db DB, repo Store, hist Historian, calc pricing.Calculator, log *logrus.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if hist == nil {
		hist = history.NewLog()
	}
	if calc == nil {
		calc = pricing.NewFlat(defaultFallbackAmount, defaultGraceDays)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		db:             db,
		repo:           repo,
		hist:           hist,
		calc:           calc,
		log:            log,
		now:            time.Now,
		idGen:          func() string { return uuid.NewString() },
		lateFee:        defaultLateFee,
		fallbackAmount: defaultFallbackAmount,
		graceDays:      defaultGraceDays,
	}
}

// WithClock overrides the service clock, for tests and replays.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator overrides transaction-reference generation.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// WithFees overrides the flat late fee and the fallback amount used when the
// pricing calculator is unreachable.
func (s *Service) WithFees(lateFee, fallbackAmount float64) *Service {
	s.lateFee = lateFee
	s.fallbackAmount = fallbackAmount
	return s
}

// WithGraceDays overrides the default grace window length.
func (s *Service) WithGraceDays(days int) *Service {
	s.graceDays = days
	return s
}

// CreateParams enumerates the fields needed to open a renewal. Amount zero
// means "ask the pricing calculator".
type CreateParams struct {
	MembershipID  string
	MemberID      string
	Year          int
	Type          Type
	DueDate       time.Time
	Amount        float64
	Discount      float64
	PaymentMethod string
	AutoRenew     bool
	Actor         string
}

// Create opens a Pending renewal. A second non-terminal renewal for the same
// (membership, year) pair is rejected with a conflict.
func (s *Service) Create(ctx context.Context, p CreateParams) (Renewal, error) {
	if p.MembershipID == "" || p.MemberID == "" {
		return Renewal{}, fault.Validation("renewal: membership and member ids required")
	}
	if p.Year <= 0 {
		return Renewal{}, fault.Validation("renewal: renewal year required")
	}
	if p.DueDate.IsZero() {
		return Renewal{}, fault.Validation("renewal: due date required")
	}
	if p.Type == "" {
		p.Type = TypeAnnual
	}
	if !ValidType(p.Type) {
		return Renewal{}, fault.Validation("renewal: unknown renewal type %q", p.Type)
	}

	now := s.now()
	amount := p.Amount
	graceEnd := p.DueDate.AddDate(0, 0, s.graceDays)
	degraded := false

	if amount == 0 {
		quote, err := s.calc.Quote(ctx, p.MemberID)
		switch {
		case err != nil:
			// Explicit fallback contract: last-known flat amount, recorded
			// loudly rather than silently approximated.
			degraded = true
			amount = s.fallbackAmount
			s.log.WithFields(logrus.Fields{
				"member_id": p.MemberID,
				"fallback":  amount,
			}).WithError(err).Warn("pricing calculator unavailable, using fallback amount")
		default:
			amount = quote.FinalAmount
			if quote.GracePeriodEnd.After(graceEnd) {
				graceEnd = quote.GracePeriodEnd
			}
		}
	}

	lateFee := LateFeeFor(p.Type, p.DueDate, now, s.lateFee)
	final, err := FinalAmount(amount, lateFee, p.Discount)
	if err != nil {
		return Renewal{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Renewal{}, fault.Persistence("renewal: begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Renewal{
		MembershipID:  p.MembershipID,
		MemberID:      p.MemberID,
		Year:          p.Year,
		Type:          p.Type,
		Status:        StatusPending,
		DueDate:       p.DueDate,
		GraceEndDate:  graceEnd,
		Amount:        Round2(amount),
		LateFee:       lateFee,
		Discount:      Round2(p.Discount),
		FinalAmount:   final,
		PaymentStatus: PaymentPending,
		PaymentMethod: p.PaymentMethod,
		AutoRenew:     p.AutoRenew,
	})
	if err != nil {
		return Renewal{}, err
	}

	if err := s.hist.Append(ctx, tx, history.Entry{
		RenewalID: created.ID,
		Activity:  history.ActivityCreated,
		NewStatus: string(StatusPending),
		Actor:     p.Actor,
		Details: map[string]any{
			"renewal_year": p.Year,
			"renewal_type": string(p.Type),
			"final_amount": final,
		},
	}); err != nil {
		return Renewal{}, err
	}

	if degraded {
		if err := s.hist.Append(ctx, tx, history.Entry{
			RenewalID: created.ID,
			Activity:  history.ActivityDegradedPricing,
			Actor:     p.Actor,
			Note:      "pricing calculator unavailable, flat fallback amount applied",
			Details:   map[string]any{"fallback_amount": amount},
		}); err != nil {
			return Renewal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Renewal{}, fault.Persistence("renewal: commit create: %v", err)
	}
	return created, nil
}

// Get re-reads the current renewal row.
func (s *Service) Get(ctx context.Context, id string) (Renewal, error) {
	return s.repo.Get(ctx, s.db, id)
}

// Trail returns the renewal's audit history, newest first.
func (s *Service) Trail(ctx context.Context, id string) ([]history.Entry, error) {
	return s.hist.List(ctx, s.db, id)
}

// ListOpen returns non-terminal renewals due on or before the horizon.
func (s *Service) ListOpen(ctx context.Context, horizon time.Time) ([]Renewal, error) {
	return s.repo.ListOpen(ctx, s.db, horizon)
}

// StartProcessing moves Pending -> Processing when a payment is initiated.
// Exactly one of any set of concurrent callers wins; the rest get a conflict.
func (s *Service) StartProcessing(ctx context.Context, id, actor string) (Renewal, error) {
	now := s.now()
	rn, err := s.transition(ctx, id, StatusProcessing, actor, "", nil, func(ctx context.Context, tx pgx.Tx, cur Renewal) error {
		return s.repo.MarkProcessing(ctx, tx, id, now)
	})
	if err != nil {
		return Renewal{}, err
	}
	rn.ProcessedAt = &now
	return rn, nil
}

// CompleteParams finishes a renewal after payment confirmation.
type CompleteParams struct {
	ID            string
	PaymentMethod string
	PaymentRef    string
	PeriodMonths  int
	Actor         string
}

// CompleteResult carries the terminal renewal plus the membership's new
// expiry date.
type CompleteResult struct {
	Renewal       Renewal
	NewExpiry     time.Time
	TransactionID string
}

// Complete moves Processing -> Completed, extends the membership's expiry by
// the renewal period added to the prior expiry date, records the payment, and
// forces payment status to Completed. All in one transaction with the audit
// entry.
func (s *Service) Complete(ctx context.Context, p CompleteParams) (CompleteResult, error) {
	if p.PeriodMonths <= 0 {
		return CompleteResult{}, fault.Validation("renewal: period months must be positive")
	}

	now := s.now()
	ref := p.PaymentRef
	if ref == "" {
		ref = s.idGen()
	}

	var newExpiry time.Time
	rn, err := s.transition(ctx, p.ID, StatusCompleted, p.Actor, "", map[string]any{
		"payment_ref":   ref,
		"period_months": p.PeriodMonths,
	}, func(ctx context.Context, tx pgx.Tx, cur Renewal) error {
		if err := s.repo.MarkCompleted(ctx, tx, CompleteFields{
			ID:            p.ID,
			CompletedAt:   now,
			PaymentMethod: p.PaymentMethod,
			PaymentRef:    ref,
		}); err != nil {
			return err
		}

		priorPaid, err := s.repo.SumPayments(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if remaining := Round2(cur.FinalAmount - priorPaid); remaining > 0 {
			if _, err := s.repo.InsertPayment(ctx, tx, Payment{
				RenewalID: p.ID,
				MemberID:  cur.MemberID,
				Amount:    remaining,
				Method:    p.PaymentMethod,
				Reference: ref,
				PaidAt:    now,
				Status:    PaymentCompleted,
			}); err != nil {
				return err
			}
		}

		newExpiry, err = s.repo.ExtendMembership(ctx, tx, cur.MembershipID, p.PeriodMonths)
		return err
	})
	if err != nil {
		return CompleteResult{}, err
	}

	rn.CompletedAt = &now
	rn.PaymentStatus = PaymentCompleted
	rn.PaymentMethod = p.PaymentMethod
	rn.PaymentRef = ref
	rn.PaymentDate = &now
	return CompleteResult{Renewal: rn, NewExpiry: newExpiry, TransactionID: ref}, nil
}

// Fail moves Processing -> Failed after a declined or errored payment.
// Recovery happens through Reprice, never through another transition.
func (s *Service) Fail(ctx context.Context, id, reason, actor string) (Renewal, error) {
	rn, err := s.transition(ctx, id, StatusFailed, actor, reason, nil, func(ctx context.Context, tx pgx.Tx, cur Renewal) error {
		return s.repo.MarkFailed(ctx, tx, id)
	})
	if err != nil {
		return Renewal{}, err
	}
	rn.PaymentStatus = PaymentFailed
	return rn, nil
}

// Cancel administratively cancels a Pending or Processing renewal.
func (s *Service) Cancel(ctx context.Context, id, actor string) (Renewal, error) {
	return s.transition(ctx, id, StatusCancelled, actor, "", nil, func(ctx context.Context, tx pgx.Tx, cur Renewal) error {
		return s.repo.MarkCancelled(ctx, tx, id, cur.Status)
	})
}

// Expire moves Pending -> Expired once the grace window has closed without
// payment. A renewal holding completed payments is never expired; the money
// must first be completed or corrected out.
func (s *Service) Expire(ctx context.Context, id string, asOf time.Time, actor string) (Renewal, error) {
	return s.transition(ctx, id, StatusExpired, actor, "", nil, func(ctx context.Context, tx pgx.Tx, cur Renewal) error {
		if !cur.GraceEndDate.Before(asOf) {
			return fault.Conflict("renewal %s: grace period still open until %s", id, cur.GraceEndDate.Format("2006-01-02"))
		}
		paid, err := s.repo.SumPayments(ctx, tx, id)
		if err != nil {
			return err
		}
		if paid > 0 {
			return fault.Conflict("renewal %s: %0.2f in completed payments, expiry refused", id, paid)
		}
		return s.repo.MarkExpired(ctx, tx, id)
	})
}

// ExpireLapsed expires every pending renewal whose grace window closed before
// asOf. Failures on one renewal never block the rest; conflicts mean another
// worker already won and are skipped quietly.
func (s *Service) ExpireLapsed(ctx context.Context, asOf time.Time, actor string) (int, error) {
	lapsed, err := s.repo.ListLapsed(ctx, s.db, asOf)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, rn := range lapsed {
		if _, err := s.Expire(ctx, rn.ID, asOf, actor); err != nil {
			if fault.IsConflict(err) {
				continue
			}
			s.log.WithField("renewal_id", rn.ID).WithError(err).Error("expire lapsed renewal")
			continue
		}
		expired++
	}
	return expired, nil
}

// UpdateParams is a corrective amount update. Nil fields keep current values.
type UpdateParams struct {
	ID       string
	Amount   *float64
	LateFee  *float64
	Discount *float64
	Note     string
	Actor    string
}

// Reprice rewrites a Pending or Failed renewal's amounts, the only recovery
// path for Failed renewals.
func (s *Service) Reprice(ctx context.Context, p UpdateParams) (Renewal, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Renewal{}, fault.Persistence("renewal: begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	cur, err := s.repo.GetForUpdate(ctx, tx, p.ID)
	if err != nil {
		return Renewal{}, err
	}
	if cur.Status != StatusPending && cur.Status != StatusFailed {
		return Renewal{}, fmt.Errorf("renewal %s: corrective update in status %s: %w", p.ID, cur.Status, ErrInvalidTransition)
	}

	amount := valueOr(p.Amount, cur.Amount)
	lateFee := valueOr(p.LateFee, cur.LateFee)
	discount := valueOr(p.Discount, cur.Discount)
	final, err := FinalAmount(amount, lateFee, discount)
	if err != nil {
		return Renewal{}, err
	}

	if err := s.repo.UpdateAmounts(ctx, tx, AmountFields{
		ID:          p.ID,
		Amount:      Round2(amount),
		LateFee:     Round2(lateFee),
		Discount:    Round2(discount),
		FinalAmount: final,
	}); err != nil {
		return Renewal{}, err
	}

	if err := s.hist.Append(ctx, tx, history.Entry{
		RenewalID: p.ID,
		Activity:  history.ActivityCorrection,
		OldStatus: string(cur.Status),
		NewStatus: string(cur.Status),
		Actor:     p.Actor,
		Note:      p.Note,
		Details: map[string]any{
			"amount":       Round2(amount),
			"late_fee":     Round2(lateFee),
			"discount":     Round2(discount),
			"final_amount": final,
		},
	}); err != nil {
		return Renewal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Renewal{}, fault.Persistence("renewal: commit corrective update: %v", err)
	}

	cur.Amount = Round2(amount)
	cur.LateFee = Round2(lateFee)
	cur.Discount = Round2(discount)
	cur.FinalAmount = final
	return cur, nil
}

// PaymentParams records a payment against a renewal.
type PaymentParams struct {
	RenewalID string
	Amount    float64
	Method    string
	Reference string
	Actor     string
}

// RecordPayment appends a payment row, refusing any amount that would push
// the recorded total past the final amount.
func (s *Service) RecordPayment(ctx context.Context, p PaymentParams) (Payment, error) {
	if p.Amount <= 0 {
		return Payment{}, fault.Validation("renewal: payment amount must be positive")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Payment{}, fault.Persistence("renewal: begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	cur, err := s.repo.GetForUpdate(ctx, tx, p.RenewalID)
	if err != nil {
		return Payment{}, err
	}
	if cur.Status == StatusCancelled || cur.Status == StatusExpired {
		return Payment{}, fault.Conflict("renewal %s: payments not accepted in status %s", p.RenewalID, cur.Status)
	}

	priorPaid, err := s.repo.SumPayments(ctx, tx, p.RenewalID)
	if err != nil {
		return Payment{}, err
	}
	if Round2(priorPaid+p.Amount) > cur.FinalAmount {
		return Payment{}, fault.Validation("renewal %s: payment %.2f would exceed final amount %.2f", p.RenewalID, p.Amount, cur.FinalAmount)
	}

	ref := p.Reference
	if ref == "" {
		ref = s.idGen()
	}
	payment, err := s.repo.InsertPayment(ctx, tx, Payment{
		RenewalID: p.RenewalID,
		MemberID:  cur.MemberID,
		Amount:    Round2(p.Amount),
		Method:    p.Method,
		Reference: ref,
		PaidAt:    s.now(),
		Status:    PaymentCompleted,
	})
	if err != nil {
		return Payment{}, err
	}

	if err := s.hist.Append(ctx, tx, history.Entry{
		RenewalID: p.RenewalID,
		Activity:  history.ActivityPaymentRecorded,
		OldStatus: string(cur.Status),
		NewStatus: string(cur.Status),
		Actor:     p.Actor,
		Details: map[string]any{
			"amount":    payment.Amount,
			"reference": payment.Reference,
		},
	}); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fault.Persistence("renewal: commit payment: %v", err)
	}
	return payment, nil
}

// transition wraps the shared choreography of every state change: lock the
// row, validate the edge, apply the writes, append the audit entry, commit.
func (s *Service) transition(ctx context.Context, id string, to Status, actor, note string, details map[string]any, apply func(ctx context.Context, tx pgx.Tx, cur Renewal) error) (Renewal, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Renewal{}, fault.Persistence("renewal: begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	cur, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Renewal{}, err
	}
	if !CanTransition(cur.Status, to) {
		return Renewal{}, fmt.Errorf("renewal %s: %s -> %s: %w", id, cur.Status, to, ErrInvalidTransition)
	}

	if err := apply(ctx, tx, cur); err != nil {
		return Renewal{}, err
	}

	if err := s.hist.Append(ctx, tx, history.Entry{
		RenewalID: id,
		Activity:  history.ActivityStatusChanged,
		OldStatus: string(cur.Status),
		NewStatus: string(to),
		Actor:     actor,
		Note:      note,
		Details:   details,
	}); err != nil {
		return Renewal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Renewal{}, fault.Persistence("renewal: commit %s -> %s: %v", cur.Status, to, err)
	}

	s.log.WithFields(logrus.Fields{
		"renewal_id": id,
		"from":       cur.Status,
		"to":         to,
	}).Info("renewal transition")

	cur.Status = to
	return cur, nil
}

func valueOr(v *float64, fallback float64) float64 {
	if v != nil {
		return *v
	}
	return fallback
}
