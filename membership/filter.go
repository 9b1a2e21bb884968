package membership

import "memberflow/fault"

// Structured filter predicates for registry queries. Services compose these
// and hand them to a store; only the store knows how to turn them into query
// text for its backend.

type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpIn  Op = "in"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

type Predicate struct {
	Field string
	Op    Op
	Value any
}

// P is a shorthand constructor for a filter predicate.
func P(field string, op Op, value any) Predicate {
	return Predicate{Field: field, Op: op, Value: value}
}

// Query bundles predicates with pagination and an optional sort field.
// An unknown sort field silently falls back to the default instead of
// erroring, so callers can pass user input through unchecked.
type Query struct {
	Predicates []Predicate
	SortBy     string
	Limit      int
	Offset     int
}

const (
	FieldMemberID   = "member_id"
	FieldExpiryDate = "expiry_date"
	FieldStatus     = "status"
	FieldRegion     = "region"
	FieldDistrict   = "district"
	FieldBranch     = "branch"
)

const defaultSortColumn = FieldMemberID

// filterColumns is the allow-list of fields usable in predicates and sorts.
var filterColumns = map[string]string{
	FieldMemberID:   "member_id",
	FieldExpiryDate: "expiry_date",
	FieldStatus:     "status",
	FieldRegion:     "region",
	FieldDistrict:   "district",
	FieldBranch:     "branch",
}

func columnFor(field string) (string, bool) {
	col, ok := filterColumns[field]
	return col, ok
}

// SortColumn resolves the requested sort field against the allow-list,
// falling back to the default column on unknown input.
func SortColumn(requested string) string {
	if col, ok := filterColumns[requested]; ok {
		return col
	}
	return defaultSortColumn
}

func errUnknownField(field string) error {
	return fault.Validation("membership: unknown filter field %q", field)
}

func errBadValue(field string) error {
	return fault.Validation("membership: bad value for field %q", field)
}

func errBadOp(op Op) error {
	return fault.Validation("membership: unsupported operator %q", op)
}
