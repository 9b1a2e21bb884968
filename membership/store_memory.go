package membership

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory registry implementation honoring the same
// filter, sort, and pagination contract as PostgresStore. Used in unit tests
// and local wiring.
type MemoryStore struct {
	mu      sync.RWMutex
	members map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[string]Snapshot)}
}

// Put inserts or replaces a snapshot.
func (s *MemoryStore) Put(m Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.MemberID] = m
}

// ExtendExpiry advances a member's expiry by whole months from the prior
// expiry date and reactivates the membership. Mirrors what the renewal
// completion transaction does against Postgres.
func (s *MemoryStore) ExtendExpiry(memberID string, months int) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok {
		return time.Time{}, ErrMemberNotFound
	}
	m.ExpiryDate = m.ExpiryDate.AddDate(0, months, 0)
	m.Status = StatusActive
	s.members[memberID] = m
	return m.ExpiryDate, nil
}

func (s *MemoryStore) GetByID(_ context.Context, memberID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberID]
	if !ok {
		return Snapshot{}, ErrMemberNotFound
	}
	return m, nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]Snapshot, error) {
	s.mu.RLock()
	candidates := make([]Snapshot, 0, len(s.members))
	for _, m := range s.members {
		candidates = append(candidates, m)
	}
	s.mu.RUnlock()

	filtered := candidates[:0]
	for _, m := range candidates {
		ok, err := matchesAll(m, q.Predicates)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered = append(filtered, m)
		}
	}

	sortCol := SortColumn(q.SortBy)
	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		switch sortCol {
		case "expiry_date":
			if !a.ExpiryDate.Equal(b.ExpiryDate) {
				return a.ExpiryDate.Before(b.ExpiryDate)
			}
		case "status":
			if a.Status != b.Status {
				return a.Status < b.Status
			}
		case "region":
			if a.Region != b.Region {
				return a.Region < b.Region
			}
		case "district":
			if a.District != b.District {
				return a.District < b.District
			}
		case "branch":
			if a.Branch != b.Branch {
				return a.Branch < b.Branch
			}
		}
		return a.MemberID < b.MemberID
	})

	return paginate(filtered, q.Limit, q.Offset), nil
}

func paginate(items []Snapshot, limit, offset int) []Snapshot {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []Snapshot{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]Snapshot, len(items))
	copy(out, items)
	return out
}

func matchesAll(m Snapshot, preds []Predicate) (bool, error) {
	for _, p := range preds {
		ok, err := matches(m, p)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matches(m Snapshot, p Predicate) (bool, error) {
	col, ok := columnFor(p.Field)
	if !ok {
		return false, errUnknownField(p.Field)
	}

	if col == "expiry_date" {
		want, ok := p.Value.(time.Time)
		if !ok {
			return false, errBadValue(p.Field)
		}
		switch p.Op {
		case OpEq:
			return m.ExpiryDate.Equal(want), nil
		case OpNeq:
			return !m.ExpiryDate.Equal(want), nil
		case OpGte:
			return !m.ExpiryDate.Before(want), nil
		case OpLte:
			return !m.ExpiryDate.After(want), nil
		default:
			return false, errBadOp(p.Op)
		}
	}

	have := stringField(m, col)
	switch p.Op {
	case OpEq:
		return have == toString(p.Value), nil
	case OpNeq:
		return have != toString(p.Value), nil
	case OpIn:
		vals, ok := p.Value.([]string)
		if !ok {
			return false, errBadValue(p.Field)
		}
		for _, v := range vals {
			if have == v {
				return true, nil
			}
		}
		return false, nil
	case OpGte:
		return strings.Compare(have, toString(p.Value)) >= 0, nil
	case OpLte:
		return strings.Compare(have, toString(p.Value)) <= 0, nil
	default:
		return false, errBadOp(p.Op)
	}
}

func stringField(m Snapshot, col string) string {
	switch col {
	case "member_id":
		return m.MemberID
	case "status":
		return string(m.Status)
	case "region":
		return m.Region
	case "district":
		return m.District
	case "branch":
		return m.Branch
	}
	return ""
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case Status:
		return string(s)
	}
	return ""
}
