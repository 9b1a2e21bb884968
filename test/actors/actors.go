package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"memberflow/fault"
	"memberflow/reminder"
	"memberflow/renewal"
)

// expected reports whether an error is ordinary contention fallout rather
// than a defect. Conflicts and not-found are the normal currency of actors
// racing over the same rows.
func expected(err error) bool {
	return fault.IsConflict(err) || fault.IsNotFound(err) || fault.IsValidation(err)
}

// Opener tries to create competing renewals for the same membership and year
// concurrently. All but one attempt per cycle must be rejected as duplicates.
func Opener(ctx context.Context, svc *renewal.Service, membershipID string, year int, due time.Time, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.Create(ctx, renewal.CreateParams{
			MembershipID: membershipID,
			MemberID:     membershipID,
			Year:         year,
			Type:         renewal.TypeAnnual,
			DueDate:      due,
			Amount:       120,
			Actor:        "actor:opener",
		})
		if err != nil && !expected(err) {
			return fmt.Errorf("opener create: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Payer drives pending renewals through processing to completed. Losing the
// processing race to another payer is expected.
func Payer(ctx context.Context, svc *renewal.Service, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx, `SELECT id FROM renewals WHERE status='pending' ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			if _, err := svc.StartProcessing(ctx, id, "actor:payer"); err == nil {
				_, err := svc.Complete(ctx, renewal.CompleteParams{
					ID:            id,
					PaymentMethod: "card",
					PeriodMonths:  12,
					Actor:         "actor:payer",
				})
				if err != nil && !expected(err) {
					return fmt.Errorf("payer complete: %w", err)
				}
			} else if !expected(err) {
				return fmt.Errorf("payer process: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Canceller cancels random renewals. Hitting a terminal row is expected.
func Canceller(ctx context.Context, svc *renewal.Service, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx, `SELECT id FROM renewals ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			if _, err := svc.Cancel(ctx, id, "actor:canceller"); err != nil && !expected(err) {
				return fmt.Errorf("canceller: %w", err)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Sweeper periodically expires lapsed renewals, the way the cron daemon does.
func Sweeper(ctx context.Context, svc *renewal.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.ExpireLapsed(ctx, time.Now().UTC(), "actor:sweeper"); err != nil && !expected(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// Planner stages reminders for open renewals. Re-staging the same stage must
// be an idempotent no-op, never an error.
func Planner(ctx context.Context, rsvc *reminder.Service, lsvc *renewal.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		now := time.Now().UTC()
		open, err := lsvc.ListOpen(ctx, now.AddDate(0, 0, 31))
		if err != nil && !expected(err) {
			return fmt.Errorf("planner list: %w", err)
		}
		for _, rn := range open {
			if _, _, err := rsvc.Schedule(ctx, rn, now); err != nil && !expected(err) {
				return fmt.Errorf("planner schedule: %w", err)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}
