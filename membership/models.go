package membership

import "time"

// Status mirrors the registry's membership_status column.
type Status string

const (
	StatusActive    Status = "active"
	StatusLapsed    Status = "lapsed"
	StatusSuspended Status = "suspended"
)

// Snapshot is the registry read model consumed by the renewal engine. The
// registry owns these rows; this subsystem only reads them, except for the
// expiry-date extension applied when a renewal completes.
type Snapshot struct {
	MemberID   string    `json:"member_id"`
	ExpiryDate time.Time `json:"expiry_date"`
	Status     Status    `json:"status"`
	Region     string    `json:"region,omitempty"`
	District   string    `json:"district,omitempty"`
	Branch     string    `json:"branch,omitempty"`
}
