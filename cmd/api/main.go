package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memberflow/api"
	"memberflow/bulk"
	"memberflow/config"
	"memberflow/db"
	"memberflow/expiry"
	"memberflow/history"
	"memberflow/logger"
	"memberflow/membership"
	"memberflow/pricing"
	"memberflow/renewal"
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

	members := membership.NewPostgresStore(pool)
	hist := history.NewLog()
	calc := pricing.NewFlat(cfg.FallbackAmount, cfg.GraceDays)

	renewals := renewal.NewService(pool, nil, hist, calc, log).
		WithFees(cfg.LateFee, cfg.FallbackAmount).
		WithGraceDays(cfg.GraceDays)
	classifier := expiry.NewClassifier(members)
	batches := bulk.NewProcessor(members, renewals, log).WithConcurrency(cfg.BulkConcurrency)

	handler := api.NewHandler(renewals, classifier, batches, log)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.Router(),
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("renewal engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown http server")
	}
}
