// Package bulk orchestrates multi-member renewal operations. Every item is
// processed in isolation: one member's failure never aborts or affects its
// siblings, and results come back in input order no matter how items were
// scheduled internally.
package bulk

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"memberflow/fault"
	"memberflow/membership"
	"memberflow/renewal"
)

// memberNotFoundMsg is the per-item error surfaced when a member id does not
// resolve in the registry.
const memberNotFoundMsg = "Member not found"

// Renewer is the slice of the lifecycle manager the processor drives.
type Renewer interface {
	Create(ctx context.Context, p renewal.CreateParams) (renewal.Renewal, error)
	StartProcessing(ctx context.Context, id, actor string) (renewal.Renewal, error)
	Complete(ctx context.Context, p renewal.CompleteParams) (renewal.CompleteResult, error)
}

// MemberReader resolves member ids against the registry.
type MemberReader interface {
	GetByID(ctx context.Context, memberID string) (membership.Snapshot, error)
}

// Params are the shared parameters for one batch.
type Params struct {
	MemberIDs     []string
	Year          int
	Type          renewal.Type
	PaymentMethod string
	PeriodMonths  int
	// Amount zero delegates to the lifecycle manager's pricing policy.
	Amount   float64
	Discount float64
	Actor    string
}

// ItemResult is the outcome for one member, at the same index as its input.
type ItemResult struct {
	MemberID      string    `json:"member_id"`
	Success       bool      `json:"success"`
	Skipped       bool      `json:"skipped,omitempty"`
	RenewalID     string    `json:"renewal_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Amount        float64   `json:"amount,omitempty"`
	NewExpiry     time.Time `json:"new_expiry_date,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Result aggregates a batch. TotalCollected sums only amounts from items
// whose payment reached Completed.
type Result struct {
	Items          []ItemResult `json:"items"`
	Successful     int          `json:"successful"`
	Failed         int          `json:"failed"`
	Skipped        int          `json:"skipped"`
	TotalCollected float64      `json:"total_collected"`
}

// Processor runs batches against the lifecycle manager with bounded
// concurrency.
type Processor struct {
	members  MemberReader
	renewals Renewer
	log      *logrus.Logger
	limit    int
}

const defaultConcurrency = 4

func NewProcessor(members MemberReader, renewals Renewer, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.New()
	}
	return &Processor{
		members:  members,
		renewals: renewals,
		log:      log,
		limit:    defaultConcurrency,
	}
}

// WithConcurrency bounds how many items run at once. One means sequential.
func (p *Processor) WithConcurrency(n int) *Processor {
	if n > 0 {
		p.limit = n
	}
	return p
}

// Process runs the batch. It returns an error only for invalid batch input;
// per-item failures live inside the result. Cancelling ctx mid-flight leaves
// committed items committed and reports not-yet-started items as skipped.
func (p *Processor) Process(ctx context.Context, params Params) (Result, error) {
	if len(params.MemberIDs) == 0 {
		return Result{}, fault.Validation("bulk: empty member list")
	}
	if params.PeriodMonths <= 0 {
		return Result{}, fault.Validation("bulk: period months must be positive")
	}
	if params.Year <= 0 {
		return Result{}, fault.Validation("bulk: renewal year required")
	}

	items := make([]ItemResult, len(params.MemberIDs))

	var g errgroup.Group
	g.SetLimit(p.limit)

	for i, memberID := range params.MemberIDs {
		// Items not yet started when the batch is cancelled are skipped,
		// which is distinct from failed.
		if ctx.Err() != nil {
			items[i] = ItemResult{MemberID: memberID, Skipped: true}
			continue
		}

		i, memberID := i, memberID
		g.Go(func() error {
			if ctx.Err() != nil {
				items[i] = ItemResult{MemberID: memberID, Skipped: true}
				return nil
			}
			items[i] = p.processOne(ctx, params, memberID)
			return nil
		})
	}

	// Item errors are captured in results, never returned, so Wait cannot
	// fail here.
	_ = g.Wait()

	res := Result{Items: items}
	for _, item := range items {
		switch {
		case item.Skipped:
			res.Skipped++
		case item.Success:
			res.Successful++
			res.TotalCollected = renewal.Round2(res.TotalCollected + item.Amount)
		default:
			res.Failed++
		}
	}

	p.log.WithFields(logrus.Fields{
		"total":      len(items),
		"successful": res.Successful,
		"failed":     res.Failed,
		"skipped":    res.Skipped,
		"collected":  res.TotalCollected,
	}).Info("bulk renewal batch finished")

	return res, nil
}

func (p *Processor) processOne(ctx context.Context, params Params, memberID string) ItemResult {
	item := ItemResult{MemberID: memberID}

	member, err := p.members.GetByID(ctx, memberID)
	if err != nil {
		if fault.IsNotFound(err) {
			item.Error = memberNotFoundMsg
		} else {
			item.Error = err.Error()
		}
		return item
	}

	created, err := p.renewals.Create(ctx, renewal.CreateParams{
		MembershipID:  member.MemberID,
		MemberID:      member.MemberID,
		Year:          params.Year,
		Type:          params.Type,
		DueDate:       member.ExpiryDate,
		Amount:        params.Amount,
		Discount:      params.Discount,
		PaymentMethod: params.PaymentMethod,
		Actor:         params.Actor,
	})
	if err != nil {
		item.Error = err.Error()
		return item
	}
	item.RenewalID = created.ID

	if _, err := p.renewals.StartProcessing(ctx, created.ID, params.Actor); err != nil {
		item.Error = err.Error()
		return item
	}

	completed, err := p.renewals.Complete(ctx, renewal.CompleteParams{
		ID:            created.ID,
		PaymentMethod: params.PaymentMethod,
		PeriodMonths:  params.PeriodMonths,
		Actor:         params.Actor,
	})
	if err != nil {
		item.Error = err.Error()
		return item
	}

	item.Success = true
	item.TransactionID = completed.TransactionID
	item.Amount = completed.Renewal.FinalAmount
	item.NewExpiry = completed.NewExpiry
	return item
}
