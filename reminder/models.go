package reminder

import (
	"time"
)

// Stage is an ordinal reminder checkpoint. Stages for a renewal are recorded
// in non-decreasing order.
type Stage string

const (
	StageEarly   Stage = "early"
	StageDue     Stage = "due"
	StageOverdue Stage = "overdue"
	StageFinal   Stage = "final"
	StageGrace   Stage = "grace"

	// StageNone means no reminder is currently due.
	StageNone Stage = ""
)

var stageRanks = map[Stage]int{
	StageEarly:   1,
	StageDue:     2,
	StageOverdue: 3,
	StageFinal:   4,
	StageGrace:   5,
}

// Rank returns the stage's ordinal position, 0 for none.
func (s Stage) Rank() int {
	return stageRanks[s]
}

func ValidStage(s Stage) bool {
	return s.Rank() > 0
}

// Channel is the delivery channel a reminder goes out on.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPost  Channel = "post"
)

func ValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPost:
		return true
	}
	return false
}

// DeliveryStatus tracks one reminder through the external dispatcher.
type DeliveryStatus string

const (
	DeliveryScheduled DeliveryStatus = "scheduled"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBounced   DeliveryStatus = "bounced"
)

// CanDeliveryTransition encodes Scheduled -> Sent -> Delivered/Failed/Bounced.
func CanDeliveryTransition(from, to DeliveryStatus) bool {
	switch from {
	case DeliveryScheduled:
		return to == DeliverySent
	case DeliverySent:
		return to == DeliveryDelivered || to == DeliveryFailed || to == DeliveryBounced
	}
	return false
}

// Schedule is one staged reminder for a renewal.
type Schedule struct {
	ID           string
	RenewalID    string
	MemberID     string
	Stage        Stage
	Channel      Channel
	ScheduledFor time.Time
	SentAt       *time.Time
	Status       DeliveryStatus
	CreatedAt    time.Time
}

// StageDueAt returns the highest stage currently due for a renewal given its
// due date, grace window, and the reference date. Thresholds, in whole days
// relative to the due date:
//
//	-30..-15  early
//	-14..0    due
//	 +1..+7   overdue
//	 +8..+14  final
//	 +15..    grace, while the grace window is still open
//
// Past the grace end the renewal is expiry territory, not reminder territory.
func StageDueAt(due, graceEnd, ref time.Time) Stage {
	if ref.After(graceEnd) {
		return StageNone
	}

	days := wholeDays(ref, due)
	switch {
	case days > 30:
		return StageNone
	case days > 14:
		return StageEarly
	case days >= 0:
		return StageDue
	case days >= -7:
		return StageOverdue
	case days >= -14:
		return StageFinal
	default:
		return StageGrace
	}
}

// wholeDays counts whole calendar days from ref to target; negative when
// target is in the past.
func wholeDays(ref, target time.Time) int {
	r := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(target.Year(), target.Month(), target.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(r).Hours() / 24)
}
