// Package trigger runs the periodic lifecycle jobs: sweeping lapsed renewals
// into Expired, planning reminder stages for open renewals, and dispatching
// scheduled reminders.
package trigger

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"memberflow/notify"
	"memberflow/reminder"
	"memberflow/renewal"
)

const jobActor = "system:scheduler"

// reminderHorizon bounds how far ahead of the due date the planner looks.
const reminderHorizon = 31 * 24 * time.Hour

// Lifecycle is the slice of the renewal service the scheduler drives.
type Lifecycle interface {
	ExpireLapsed(ctx context.Context, asOf time.Time, actor string) (int, error)
	ListOpen(ctx context.Context, horizon time.Time) ([]renewal.Renewal, error)
}

// Reminders plans and sends reminder stages.
type Reminders interface {
	Schedule(ctx context.Context, rn renewal.Renewal, ref time.Time) (reminder.Schedule, bool, error)
	DispatchPending(ctx context.Context, d notify.Dispatcher, limit int) (int, error)
}

type Scheduler struct {
	engine     *cron.Cron
	lifecycle  Lifecycle
	reminders  Reminders
	dispatcher notify.Dispatcher
	log        *logrus.Logger

	specExpirySweep  string
	specReminderPlan string
	specReminderSend string
}

func NewScheduler(
	lifecycle Lifecycle,
	reminders Reminders,
	dispatcher notify.Dispatcher,
	log *logrus.Logger,
	specExpirySweep, specReminderPlan, specReminderSend string,
) *Scheduler {
	return &Scheduler{
		engine:           cron.New(cron.WithLocation(time.UTC)),
		lifecycle:        lifecycle,
		reminders:        reminders,
		dispatcher:       dispatcher,
		log:              log,
		specExpirySweep:  specExpirySweep,
		specReminderPlan: specReminderPlan,
		specReminderSend: specReminderSend,
	}
}

// Start registers the jobs and starts the cron engine. It returns an error
// if any cron spec fails to parse.
func (s *Scheduler) Start() error {
	if _, err := s.engine.AddFunc(s.specExpirySweep, s.runExpirySweep); err != nil {
		return err
	}
	if _, err := s.engine.AddFunc(s.specReminderPlan, s.runReminderPlan); err != nil {
		return err
	}
	if _, err := s.engine.AddFunc(s.specReminderSend, s.runReminderSend); err != nil {
		return err
	}

	s.engine.Start()
	s.log.Info("lifecycle scheduler started")
	return nil
}

// Stop halts the engine and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.engine.Stop()
	<-ctx.Done()
	s.log.Info("lifecycle scheduler stopped")
}

func (s *Scheduler) runExpirySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := s.lifecycle.ExpireLapsed(ctx, time.Now().UTC(), jobActor)
	if err != nil {
		s.log.WithError(err).Error("expiry sweep failed")
		return
	}
	s.log.WithField("expired", n).Info("expiry sweep finished")
}

func (s *Scheduler) runReminderPlan() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now().UTC()
	open, err := s.lifecycle.ListOpen(ctx, now.Add(reminderHorizon))
	if err != nil {
		s.log.WithError(err).Error("reminder planning failed to list open renewals")
		return
	}

	planned := 0
	for _, rn := range open {
		_, created, err := s.reminders.Schedule(ctx, rn, now)
		if err != nil {
			s.log.WithError(err).WithField("renewal_id", rn.ID).Warn("reminder planning skipped renewal")
			continue
		}
		if created {
			planned++
		}
	}
	s.log.WithFields(logrus.Fields{"open": len(open), "planned": planned}).Info("reminder planning finished")
}

func (s *Scheduler) runReminderSend() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sent, err := s.reminders.DispatchPending(ctx, s.dispatcher, 200)
	if err != nil {
		s.log.WithError(err).Error("reminder dispatch failed")
		return
	}
	if sent > 0 {
		s.log.WithField("sent", sent).Info("reminders dispatched")
	}
}
