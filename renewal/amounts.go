package renewal

import (
	"math"
	"time"

	"memberflow/fault"
)

// Round2 rounds to two decimal places, the precision of every stored amount.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// FinalAmount computes round2(amount + lateFee - discount) and rejects a
// negative result.
func FinalAmount(amount, lateFee, discount float64) (float64, error) {
	if amount < 0 || lateFee < 0 || discount < 0 {
		return 0, fault.Validation("renewal: negative amount component")
	}
	v := Round2(amount + lateFee - discount)
	if v < 0 {
		return 0, fault.Validation("renewal: final amount %.2f below zero", v)
	}
	return v, nil
}

// LateFeeFor returns the fee to apply: non-zero only when now is strictly
// past the due date and the renewal type pays late fees. Grace renewals are
// exempt.
func LateFeeFor(typ Type, due, now time.Time, fee float64) float64 {
	if typ == TypeGrace {
		return 0
	}
	if now.After(due) {
		return fee
	}
	return 0
}
