package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig holds all runtime configuration for the service and the
// background scheduler.
type AppConfig struct {
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string
	Environment string

	// Cron specs for the background jobs.
	CronSpecExpirySweep  string
	CronSpecReminderPlan string
	CronSpecReminderSend string

	LateFee         float64
	FallbackAmount  float64
	GraceDays       int
	BulkConcurrency int
}

// Load reads configuration from environment variables and a .env file if one
// is present. Existing env variables are never overridden by the file.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := &AppConfig{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	cfg.CronSpecExpirySweep = os.Getenv("CRON_SPEC_EXPIRY_SWEEP")
	if cfg.CronSpecExpirySweep == "" {
		cfg.CronSpecExpirySweep = "0 2 * * *" // 2 AM daily
	}

	cfg.CronSpecReminderPlan = os.Getenv("CRON_SPEC_REMINDER_PLAN")
	if cfg.CronSpecReminderPlan == "" {
		cfg.CronSpecReminderPlan = "0 3 * * *" // 3 AM daily
	}

	cfg.CronSpecReminderSend = os.Getenv("CRON_SPEC_REMINDER_SEND")
	if cfg.CronSpecReminderSend == "" {
		cfg.CronSpecReminderSend = "*/15 * * * *" // every 15 minutes
	}

	var err error
	if cfg.LateFee, err = floatEnv("LATE_FEE", 25.00); err != nil {
		return nil, err
	}
	if cfg.FallbackAmount, err = floatEnv("FALLBACK_AMOUNT", 100.00); err != nil {
		return nil, err
	}
	if cfg.GraceDays, err = intEnv("GRACE_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.BulkConcurrency, err = intEnv("BULK_CONCURRENCY", 4); err != nil {
		return nil, err
	}

	return cfg, nil
}

func floatEnv(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
