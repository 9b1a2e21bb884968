package renewal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberflow/fault"
)

func TestFinalAmount(t *testing.T) {
	tests := []struct {
		name     string
		amount   float64
		lateFee  float64
		discount float64
		want     float64
		wantErr  bool
	}{
		{name: "plain", amount: 100, want: 100},
		{name: "with late fee", amount: 100, lateFee: 25, want: 125},
		{name: "with discount", amount: 100, discount: 20, want: 80},
		{name: "all three", amount: 100, lateFee: 25, discount: 50, want: 75},
		{name: "rounds up", amount: 100.006, want: 100.01},
		{name: "rounds to cents", amount: 99.999, lateFee: 0.004, want: 100},
		{name: "discount to zero", amount: 100, discount: 100, want: 0},
		{name: "negative result rejected", amount: 100, discount: 120, wantErr: true},
		{name: "negative amount rejected", amount: -1, wantErr: true},
		{name: "negative discount rejected", amount: 100, discount: -5, wantErr: true},
		{name: "negative late fee rejected", amount: 100, lateFee: -5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FinalAmount(tt.amount, tt.lateFee, tt.discount)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, fault.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLateFeeFor(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	fee := 25.0

	tests := []struct {
		name string
		typ  Type
		due  time.Time
		want float64
	}{
		{name: "before due", typ: TypeAnnual, due: now.AddDate(0, 0, 10), want: 0},
		{name: "exactly due", typ: TypeAnnual, due: now, want: 0},
		{name: "past due", typ: TypeAnnual, due: now.AddDate(0, 0, -1), want: 25},
		{name: "partial past due", typ: TypePartial, due: now.AddDate(0, 0, -1), want: 25},
		{name: "late past due", typ: TypeLate, due: now.AddDate(0, -2, 0), want: 25},
		{name: "grace exempt", typ: TypeGrace, due: now.AddDate(0, -2, 0), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LateFeeFor(tt.typ, tt.due, now, fee))
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:    {StatusProcessing, StatusCancelled, StatusExpired},
		StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	}

	all := []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	// Failed recovers through corrective updates, so it is not terminal even
	// though no transition leaves it.
	assert.False(t, StatusFailed.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusExpired.Terminal())
}
