// Package notify is the port to the external notification dispatcher.
// Delivery is asynchronous: Send hands a reminder off, and delivery outcomes
// arrive later as status updates recorded through the reminder scheduler.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Reminder is the cross-boundary payload handed to the dispatcher.
type Reminder struct {
	ScheduleID string
	RenewalID  string
	MemberID   string
	Stage      string
	Channel    string
}

// Outcome is the dispatcher's synchronous acknowledgement. Accepted means the
// message was queued, not that it was delivered.
type Outcome struct {
	Accepted  bool
	Reference string
}

type Dispatcher interface {
	Send(ctx context.Context, r Reminder) (Outcome, error)
}

// LogDispatcher accepts every reminder and logs it. Default wiring for
// environments without a real delivery channel.
type LogDispatcher struct {
	log *logrus.Logger
}

func NewLogDispatcher(log *logrus.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Send(_ context.Context, r Reminder) (Outcome, error) {
	d.log.WithFields(logrus.Fields{
		"schedule_id": r.ScheduleID,
		"renewal_id":  r.RenewalID,
		"member_id":   r.MemberID,
		"stage":       r.Stage,
		"channel":     r.Channel,
	}).Info("reminder dispatched")
	return Outcome{Accepted: true, Reference: r.ScheduleID}, nil
}
