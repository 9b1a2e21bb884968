package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"memberflow/config"
	"memberflow/db"
	"memberflow/history"
	"memberflow/logger"
	"memberflow/notify"
	"memberflow/pricing"
	"memberflow/reminder"
	"memberflow/renewal"
	"memberflow/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	hist := history.NewLog()
	calc := pricing.NewFlat(cfg.FallbackAmount, cfg.GraceDays)

	renewals := renewal.NewService(pool, nil, hist, calc, log).
		WithFees(cfg.LateFee, cfg.FallbackAmount).
		WithGraceDays(cfg.GraceDays)
	reminders := reminder.NewService(pool, nil, hist, log)

	sched := trigger.NewScheduler(
		renewals,
		reminders,
		notify.NewLogDispatcher(log),
		log,
		cfg.CronSpecExpirySweep,
		cfg.CronSpecReminderPlan,
		cfg.CronSpecReminderSend,
	)
	if err := sched.Start(); err != nil {
		log.WithError(err).Fatal("start scheduler")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sched.Stop()
}
