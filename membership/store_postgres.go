package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memberflow/fault"
)

const (
	dialectPostgres  = "postgres"
	membershipsTable = "memberships"
)

// PostgresStore reads membership snapshots from the registry's memberships
// table. Filter predicates are composed into SQL here; callers never build
// query text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]Snapshot, error) {
	sqlStr, args, err := buildListQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fault.Persistence("membership: list: %v", err)
	}
	defer rows.Close()

	out := make([]Snapshot, 0, 16)
	for rows.Next() {
		var m Snapshot
		if err := rows.Scan(&m.MemberID, &m.ExpiryDate, &m.Status, &m.Region, &m.District, &m.Branch); err != nil {
			return nil, fault.Persistence("membership: scan snapshot: %v", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("membership: iterate snapshots: %v", err)
	}
	return out, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, memberID string) (Snapshot, error) {
	const query = `
		SELECT member_id, expiry_date, status, region, district, branch
		FROM memberships
		WHERE member_id = $1
	`
	var m Snapshot
	if err := s.pool.QueryRow(ctx, query, memberID).Scan(&m.MemberID, &m.ExpiryDate, &m.Status, &m.Region, &m.District, &m.Branch); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrMemberNotFound
		}
		return Snapshot{}, fault.Persistence("membership: get %s: %v", memberID, err)
	}
	return m, nil
}

// buildListQuery turns the structured query into postgres SQL with positional
// placeholders. Unknown predicate fields are rejected; unknown sort fields
// fall back to the default column.
func buildListQuery(q Query) (string, []any, error) {
	ds := goqu.Dialect(dialectPostgres).
		From(membershipsTable).
		Select("member_id", "expiry_date", "status", "region", "district", "branch")

	for _, p := range q.Predicates {
		col, ok := columnFor(p.Field)
		if !ok {
			return "", nil, errUnknownField(p.Field)
		}
		switch p.Op {
		case OpEq:
			ds = ds.Where(goqu.C(col).Eq(p.Value))
		case OpNeq:
			ds = ds.Where(goqu.C(col).Neq(p.Value))
		case OpIn:
			ds = ds.Where(goqu.C(col).In(p.Value))
		case OpGte:
			ds = ds.Where(goqu.C(col).Gte(p.Value))
		case OpLte:
			ds = ds.Where(goqu.C(col).Lte(p.Value))
		default:
			return "", nil, errBadOp(p.Op)
		}
	}

	sortCol := SortColumn(q.SortBy)
	ordered := ds.Order(goqu.C(sortCol).Asc())
	if sortCol != defaultSortColumn {
		ordered = ds.Order(goqu.C(sortCol).Asc(), goqu.C(defaultSortColumn).Asc())
	}

	if q.Limit > 0 {
		ordered = ordered.Limit(uint(q.Limit))
	}
	if q.Offset > 0 {
		ordered = ordered.Offset(uint(q.Offset))
	}

	sqlStr, args, err := ordered.Prepared(true).ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("membership: build list query: %w", err)
	}
	return sqlStr, args, nil
}
