package reminder

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"memberflow/fault"
	"memberflow/history"
	"memberflow/notify"
	"memberflow/renewal"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store defines the data access required by the scheduler.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, s Schedule) (Schedule, error)
	Get(ctx context.Context, q Queryer, id string) (Schedule, error)
	HighestStage(ctx context.Context, q Queryer, renewalID string) (Stage, error)
	MarkSent(ctx context.Context, tx pgx.Tx, scheduleID string, at time.Time) (Schedule, error)
	UpdateDelivery(ctx context.Context, tx pgx.Tx, scheduleID string, to DeliveryStatus) (Schedule, error)
	ListPending(ctx context.Context, q Queryer, limit int) ([]Schedule, error)
}

// Historian mirrors the audit surface used by the renewal service.
type Historian interface {
	Append(ctx context.Context, tx pgx.Tx, e history.Entry) error
}

// Service stages reminders and records delivery outcomes. It never delivers
// anything itself; that is the dispatcher's job.
type Service struct {
	db      DB
	repo    Store
	hist    Historian
	log     *logrus.Logger
	now     func() time.Time
	channel Channel
}

func NewService(db DB, repo Store, hist Historian, log *logrus.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if hist == nil {
		hist = history.NewLog()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Service{db: db, repo: repo, hist: hist, log: log, now: time.Now, channel: ChannelEmail}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithChannel overrides the delivery channel staged reminders go out on.
func (s *Service) WithChannel(c Channel) *Service {
	if ValidChannel(c) {
		s.channel = c
	}
	return s
}

// Schedule stages the highest reminder currently due for the renewal. It is
// idempotent per (renewal, stage): the bool reports whether a new row was
// created. Stages below the highest already recorded are refused so the
// recorded sequence stays non-decreasing.
func (s *Service) Schedule(ctx context.Context, rn renewal.Renewal, ref time.Time) (Schedule, bool, error) {
	stage := StageDueAt(rn.DueDate, rn.GraceEndDate, ref)
	if stage == StageNone {
		return Schedule{}, false, nil
	}

	recorded, err := s.repo.HighestStage(ctx, s.db, rn.ID)
	if err != nil {
		return Schedule{}, false, err
	}
	if stage.Rank() <= recorded.Rank() {
		return Schedule{}, false, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Schedule{}, false, fault.Persistence("reminder: begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Schedule{
		RenewalID:    rn.ID,
		MemberID:     rn.MemberID,
		Stage:        stage,
		Channel:      s.channel,
		ScheduledFor: ref,
	})
	if err != nil {
		// A concurrent scheduler staged the same stage first; idempotent.
		if fault.IsConflict(err) {
			return Schedule{}, false, nil
		}
		return Schedule{}, false, err
	}

	if err := s.hist.Append(ctx, tx, history.Entry{
		RenewalID: rn.ID,
		Activity:  history.ActivityReminderStaged,
		Actor:     "scheduler",
		Details:   map[string]any{"stage": string(stage), "channel": string(s.channel)},
	}); err != nil {
		return Schedule{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Schedule{}, false, fault.Persistence("reminder: commit schedule: %v", err)
	}
	return created, true, nil
}

// MarkSent records that the dispatcher accepted the reminder. The renewal's
// reminder counter moves exactly once per schedule row.
func (s *Service) MarkSent(ctx context.Context, scheduleID string) (Schedule, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Schedule{}, fault.Persistence("reminder: begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	sched, err := s.repo.MarkSent(ctx, tx, scheduleID, s.now())
	if err != nil {
		return Schedule{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Schedule{}, fault.Persistence("reminder: commit mark sent: %v", err)
	}
	return sched, nil
}

// RecordDelivery applies a dispatcher-reported outcome for a sent reminder.
func (s *Service) RecordDelivery(ctx context.Context, scheduleID string, outcome DeliveryStatus) (Schedule, error) {
	if !CanDeliveryTransition(DeliverySent, outcome) {
		return Schedule{}, fault.Validation("reminder: %q is not a delivery outcome", outcome)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Schedule{}, fault.Persistence("reminder: begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	sched, err := s.repo.UpdateDelivery(ctx, tx, scheduleID, outcome)
	if err != nil {
		return Schedule{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Schedule{}, fault.Persistence("reminder: commit delivery update: %v", err)
	}
	return sched, nil
}

// DispatchPending hands staged reminders to the dispatcher and marks the
// accepted ones sent. Dispatcher failures defer the reminder to the next run
// instead of failing the batch.
func (s *Service) DispatchPending(ctx context.Context, d notify.Dispatcher, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	pending, err := s.repo.ListPending(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, sched := range pending {
		outcome, err := d.Send(ctx, notify.Reminder{
			ScheduleID: sched.ID,
			RenewalID:  sched.RenewalID,
			MemberID:   sched.MemberID,
			Stage:      string(sched.Stage),
			Channel:    string(sched.Channel),
		})
		if err != nil || !outcome.Accepted {
			s.log.WithField("schedule_id", sched.ID).WithError(err).Warn("reminder dispatch deferred")
			continue
		}
		if _, err := s.MarkSent(ctx, sched.ID); err != nil {
			if fault.IsConflict(err) {
				continue
			}
			return sent, err
		}
		sent++
	}
	return sent, nil
}
