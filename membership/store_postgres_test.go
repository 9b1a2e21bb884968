package membership

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberflow/fault"
)

func TestBuildListQueryComposesPredicates(t *testing.T) {
	since := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sqlStr, args, err := buildListQuery(Query{
		Predicates: []Predicate{
			P(FieldStatus, OpEq, StatusActive),
			P(FieldExpiryDate, OpGte, since),
			P(FieldRegion, OpIn, []string{"north", "south"}),
		},
		SortBy: FieldExpiryDate,
		Limit:  50,
		Offset: 100,
	})
	require.NoError(t, err)

	assert.Contains(t, sqlStr, `FROM "memberships"`)
	assert.Contains(t, sqlStr, `"status" = `)
	assert.Contains(t, sqlStr, `"expiry_date" >= `)
	assert.Contains(t, sqlStr, `"region" IN `)
	assert.Contains(t, sqlStr, `ORDER BY "expiry_date" ASC, "member_id" ASC`)
	assert.Contains(t, sqlStr, "LIMIT")
	assert.Contains(t, sqlStr, "OFFSET")

	assert.GreaterOrEqual(t, len(args), 4)
	assert.Contains(t, fmt.Sprint(args), "active")
}

func TestBuildListQueryDefaultSort(t *testing.T) {
	sqlStr, _, err := buildListQuery(Query{SortBy: "no-such-column"})
	require.NoError(t, err)
	assert.Contains(t, sqlStr, `ORDER BY "member_id" ASC`)
	assert.NotContains(t, sqlStr, "LIMIT")
	assert.NotContains(t, sqlStr, "OFFSET")
}

func TestBuildListQueryRejectsUnknownField(t *testing.T) {
	_, _, err := buildListQuery(Query{Predicates: []Predicate{P("ssn", OpEq, "x")}})
	assert.True(t, fault.IsValidation(err), "got %v", err)

	_, _, err = buildListQuery(Query{Predicates: []Predicate{P(FieldRegion, Op("like"), "n%")}})
	assert.True(t, fault.IsValidation(err), "got %v", err)
}
