package renewal

import "time"

// Status is the renewal state machine. Completed, Cancelled, and Expired are
// terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// CanTransition encodes the legal edges of the state machine. Failed is not
// terminal but recovers only through a corrective update, never a transition.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled || to == StatusExpired
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Type distinguishes how a renewal came about; Grace renewals never accrue
// late fees.
type Type string

const (
	TypeAnnual  Type = "annual"
	TypePartial Type = "partial"
	TypeGrace   Type = "grace"
	TypeLate    Type = "late"
)

func ValidType(t Type) bool {
	switch t {
	case TypeAnnual, TypePartial, TypeGrace, TypeLate:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Renewal is one membership period's payment/extension workflow instance.
type Renewal struct {
	ID            string
	MembershipID  string
	MemberID      string
	Year          int
	Type          Type
	Status        Status
	DueDate       time.Time
	GraceEndDate  time.Time
	Amount        float64
	LateFee       float64
	Discount      float64
	FinalAmount   float64
	PaymentStatus PaymentStatus
	PaymentMethod string
	PaymentRef    string
	PaymentDate   *time.Time
	AutoRenew     bool
	RemindersSent int
	ProcessedAt   *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payment is one recorded payment against a renewal.
type Payment struct {
	ID         string        `json:"id"`
	RenewalID  string        `json:"renewal_id"`
	MemberID   string        `json:"member_id"`
	Amount     float64       `json:"amount"`
	Method     string        `json:"method"`
	Reference  string        `json:"reference"`
	PaidAt     time.Time     `json:"paid_at"`
	Status     PaymentStatus `json:"status"`
	Reconciled bool          `json:"reconciled"`
}
