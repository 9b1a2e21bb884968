package membership

import (
	"context"

	"memberflow/fault"
)

// ErrMemberNotFound is returned when no membership row exists for the member id.
var ErrMemberNotFound = fault.NotFound("membership: member not found")

// Store is the read surface of the external membership registry. Expiry
// extension is deliberately absent: it happens inside the renewal completion
// transaction, not through this interface.
type Store interface {
	List(ctx context.Context, q Query) ([]Snapshot, error)
	GetByID(ctx context.Context, memberID string) (Snapshot, error)
}
