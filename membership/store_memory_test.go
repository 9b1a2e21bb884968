package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberflow/fault"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seededStore() *MemoryStore {
	s := NewMemoryStore()
	s.Put(Snapshot{MemberID: "mbr-a", ExpiryDate: date(2026, 6, 10), Status: StatusActive, Region: "north", District: "d1", Branch: "b1"})
	s.Put(Snapshot{MemberID: "mbr-b", ExpiryDate: date(2026, 6, 10), Status: StatusActive, Region: "south", District: "d2", Branch: "b2"})
	s.Put(Snapshot{MemberID: "mbr-c", ExpiryDate: date(2026, 5, 1), Status: StatusLapsed, Region: "north", District: "d1", Branch: "b3"})
	s.Put(Snapshot{MemberID: "mbr-d", ExpiryDate: date(2026, 8, 20), Status: StatusSuspended, Region: "south", District: "d3", Branch: "b4"})
	return s
}

func TestMemoryStoreGetByID(t *testing.T) {
	s := seededStore()

	m, err := s.GetByID(context.Background(), "mbr-a")
	require.NoError(t, err)
	assert.Equal(t, "north", m.Region)

	_, err = s.GetByID(context.Background(), "mbr-zz")
	assert.True(t, fault.IsNotFound(err))
}

func TestMemoryStoreExtendExpiry(t *testing.T) {
	s := seededStore()

	newExpiry, err := s.ExtendExpiry("mbr-c", 12)
	require.NoError(t, err)
	assert.Equal(t, date(2027, 5, 1), newExpiry)

	// Extension reactivates a lapsed membership.
	m, err := s.GetByID(context.Background(), "mbr-c")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, m.Status)

	_, err = s.ExtendExpiry("mbr-zz", 12)
	assert.True(t, fault.IsNotFound(err))
}

func TestMemoryStoreListPredicates(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{
			"status equality",
			Query{Predicates: []Predicate{P(FieldStatus, OpEq, StatusActive)}},
			[]string{"mbr-a", "mbr-b"},
		},
		{
			"status inequality",
			Query{Predicates: []Predicate{P(FieldStatus, OpNeq, StatusActive)}},
			[]string{"mbr-c", "mbr-d"},
		},
		{
			"region membership",
			Query{Predicates: []Predicate{P(FieldRegion, OpIn, []string{"north"})}},
			[]string{"mbr-a", "mbr-c"},
		},
		{
			"expiry window",
			Query{Predicates: []Predicate{
				P(FieldExpiryDate, OpGte, date(2026, 6, 1)),
				P(FieldExpiryDate, OpLte, date(2026, 6, 30)),
			}},
			[]string{"mbr-a", "mbr-b"},
		},
		{
			"stacked filters",
			Query{Predicates: []Predicate{
				P(FieldStatus, OpEq, StatusActive),
				P(FieldRegion, OpEq, "south"),
			}},
			[]string{"mbr-b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, memberIDs(got))
		})
	}
}

func TestMemoryStoreListSortAndPaging(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	// Expiry sort breaks ties on member id, so the two June rows keep a
	// stable relative order.
	got, err := s.List(ctx, Query{SortBy: FieldExpiryDate})
	require.NoError(t, err)
	assert.Equal(t, []string{"mbr-c", "mbr-a", "mbr-b", "mbr-d"}, memberIDs(got))

	got, err = s.List(ctx, Query{SortBy: FieldExpiryDate, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"mbr-a", "mbr-b"}, memberIDs(got))

	got, err = s.List(ctx, Query{Limit: 10, Offset: 99})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.List(ctx, Query{Offset: -3})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestMemoryStoreListRejectsBadQueries(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	_, err := s.List(ctx, Query{Predicates: []Predicate{P("created_at", OpEq, "x")}})
	assert.True(t, fault.IsValidation(err), "unknown field: %v", err)

	_, err = s.List(ctx, Query{Predicates: []Predicate{P(FieldExpiryDate, OpIn, "not-a-time")}})
	assert.True(t, fault.IsValidation(err), "bad expiry value: %v", err)

	_, err = s.List(ctx, Query{Predicates: []Predicate{P(FieldRegion, Op("like"), "n%")}})
	assert.True(t, fault.IsValidation(err), "unsupported operator: %v", err)
}

func memberIDs(in []Snapshot) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		out = append(out, m.MemberID)
	}
	return out
}
