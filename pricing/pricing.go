// Package pricing is the port to the external pricing calculator. The
// lifecycle manager consults it when creating renewals and falls back to a
// flat amount when it is unavailable.
package pricing

import (
	"context"
	"time"
)

// Quote is the calculator's answer for one member.
type Quote struct {
	FinalAmount    float64
	GracePeriodEnd time.Time
}

// Calculator computes the amount due for a member's renewal. Implementations
// may fail; callers are expected to apply their own fallback policy.
type Calculator interface {
	Quote(ctx context.Context, memberID string) (Quote, error)
}

// Flat is a fixed-price calculator: every member owes the same amount and
// gets the same grace window. It doubles as the fallback policy when a richer
// calculator is unreachable.
type Flat struct {
	Amount    float64
	GraceDays int
	now       func() time.Time
}

func NewFlat(amount float64, graceDays int) *Flat {
	return &Flat{Amount: amount, GraceDays: graceDays, now: time.Now}
}

// WithClock overrides the wall clock, for tests.
func (f *Flat) WithClock(now func() time.Time) *Flat {
	f.now = now
	return f
}

func (f *Flat) Quote(_ context.Context, _ string) (Quote, error) {
	return Quote{
		FinalAmount:    f.Amount,
		GracePeriodEnd: f.now().AddDate(0, 0, f.GraceDays),
	}, nil
}
