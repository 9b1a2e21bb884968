// Package expiry buckets memberships by how close they are to, or how far
// past, their expiry date. Classification is pure: the reference date is an
// explicit parameter, never the wall clock.
package expiry

import (
	"context"
	"sort"
	"time"

	"memberflow/membership"
)

type Bucket string

const (
	// Expiring-soon buckets, most urgent first.
	BucketUrgent Bucket = "urgent"
	BucketHigh   Bucket = "high"
	BucketMedium Bucket = "medium"

	// Expired buckets, most recent first.
	BucketRecentlyExpired     Bucket = "recently_expired"
	BucketOneToThreeMonths    Bucket = "one_to_three_months"
	BucketThreeToTwelveMonths Bucket = "three_to_twelve_months"
	BucketOverOneYear         Bucket = "over_one_year"

	// BucketNone means the membership falls outside every window.
	BucketNone Bucket = ""
)

// DaysUntil counts whole calendar days from ref to expiry. Negative means
// expiry is in the past. Time-of-day is discarded on both sides.
func DaysUntil(ref, expiry time.Time) int {
	r := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(r).Hours() / 24)
}

// Classify assigns exactly one bucket, or none. Boundary values belong to the
// more urgent (expiring) or more recent (expired) bucket.
func Classify(ref, expiry time.Time) Bucket {
	days := DaysUntil(ref, expiry)
	switch {
	case days > 0:
		return classifyExpiring(days)
	case days < 0:
		return classifyExpired(-days)
	default:
		// Expiring today: neither "days to expiry > 0" nor "days since > 0".
		return BucketNone
	}
}

func classifyExpiring(days int) Bucket {
	switch {
	case days <= 7:
		return BucketUrgent
	case days <= 14:
		return BucketHigh
	case days <= 30:
		return BucketMedium
	default:
		return BucketNone
	}
}

func classifyExpired(daysSince int) Bucket {
	switch {
	case daysSince <= 30:
		return BucketRecentlyExpired
	case daysSince <= 90:
		return BucketOneToThreeMonths
	case daysSince <= 365:
		return BucketThreeToTwelveMonths
	default:
		return BucketOverOneYear
	}
}

// Classified pairs a membership snapshot with its bucket and day count.
type Classified struct {
	membership.Snapshot
	Days   int    `json:"days"`
	Bucket Bucket `json:"bucket"`
}

// ScanParams narrow and page a classification scan. Geographic filters apply
// before bucketing; empty strings mean no narrowing.
type ScanParams struct {
	ReferenceDate time.Time
	Region        string
	District      string
	Branch        string
	Limit         int
	Offset        int
}

// Classifier runs classification scans against a membership store.
type Classifier struct {
	store membership.Store
}

func NewClassifier(store membership.Store) *Classifier {
	return &Classifier{store: store}
}

// ListExpiringSoon returns active memberships expiring within 30 days of the
// reference date, paged, plus the total match count before paging.
func (c *Classifier) ListExpiringSoon(ctx context.Context, p ScanParams) ([]Classified, int, error) {
	preds := append(c.geoPredicates(p),
		membership.P(membership.FieldStatus, membership.OpEq, membership.StatusActive),
		membership.P(membership.FieldExpiryDate, membership.OpGte, dayStart(p.ReferenceDate)),
		membership.P(membership.FieldExpiryDate, membership.OpLte, dayStart(p.ReferenceDate).AddDate(0, 0, 31)),
	)
	return c.scan(ctx, p, preds, classifyExpiringAt)
}

// ListExpired returns memberships whose expiry date has passed, paged, plus
// the total match count before paging.
func (c *Classifier) ListExpired(ctx context.Context, p ScanParams) ([]Classified, int, error) {
	preds := append(c.geoPredicates(p),
		membership.P(membership.FieldExpiryDate, membership.OpLte, dayStart(p.ReferenceDate)),
	)
	return c.scan(ctx, p, preds, classifyExpiredAt)
}

func (c *Classifier) scan(ctx context.Context, p ScanParams, preds []membership.Predicate, classify func(ref time.Time, m membership.Snapshot) (Classified, bool)) ([]Classified, int, error) {
	// Candidates are fetched unpaged: paging applies to the classified result
	// set, which may be smaller than the candidate set.
	snapshots, err := c.store.List(ctx, membership.Query{
		Predicates: preds,
		SortBy:     membership.FieldExpiryDate,
	})
	if err != nil {
		return nil, 0, err
	}

	classified := make([]Classified, 0, len(snapshots))
	for _, m := range snapshots {
		if row, ok := classify(p.ReferenceDate, m); ok {
			classified = append(classified, row)
		}
	}

	// Deterministic order: days ascending, member id breaking ties.
	sort.SliceStable(classified, func(i, j int) bool {
		if classified[i].Days != classified[j].Days {
			return classified[i].Days < classified[j].Days
		}
		return classified[i].MemberID < classified[j].MemberID
	})

	total := len(classified)
	return page(classified, p.Limit, p.Offset), total, nil
}

func classifyExpiringAt(ref time.Time, m membership.Snapshot) (Classified, bool) {
	days := DaysUntil(ref, m.ExpiryDate)
	if days <= 0 {
		return Classified{}, false
	}
	bucket := classifyExpiring(days)
	if bucket == BucketNone {
		return Classified{}, false
	}
	return Classified{Snapshot: m, Days: days, Bucket: bucket}, true
}

func classifyExpiredAt(ref time.Time, m membership.Snapshot) (Classified, bool) {
	days := DaysUntil(ref, m.ExpiryDate)
	if days >= 0 {
		return Classified{}, false
	}
	return Classified{Snapshot: m, Days: -days, Bucket: classifyExpired(-days)}, true
}

func (c *Classifier) geoPredicates(p ScanParams) []membership.Predicate {
	preds := make([]membership.Predicate, 0, 3)
	if p.Region != "" {
		preds = append(preds, membership.P(membership.FieldRegion, membership.OpEq, p.Region))
	}
	if p.District != "" {
		preds = append(preds, membership.P(membership.FieldDistrict, membership.OpEq, p.District))
	}
	if p.Branch != "" {
		preds = append(preds, membership.P(membership.FieldBranch, membership.OpEq, p.Branch))
	}
	return preds
}

func page(items []Classified, limit, offset int) []Classified {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []Classified{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
