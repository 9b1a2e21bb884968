// Package history is the append-only audit log for renewal state. Entries are
// written inside the caller's transaction so a state transition and its audit
// record commit or roll back together; rows are never updated or deleted.
package history

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"

	"memberflow/fault"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Activity string

const (
	ActivityCreated         Activity = "renewal_created"
	ActivityStatusChanged   Activity = "status_changed"
	ActivityPaymentRecorded Activity = "payment_recorded"
	ActivityCorrection      Activity = "corrective_update"
	ActivityReminderStaged  Activity = "reminder_staged"
	ActivityDegradedPricing Activity = "degraded_pricing"
)

// Entry is one immutable audit record for a renewal.
type Entry struct {
	ID        int64          `json:"id"`
	RenewalID string         `json:"renewal_id"`
	Activity  Activity       `json:"activity"`
	OldStatus string         `json:"old_status,omitempty"`
	NewStatus string         `json:"new_status,omitempty"`
	Actor     string         `json:"actor"`
	Note      string         `json:"note,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Log struct{}

func NewLog() *Log {
	return &Log{}
}

// Append writes one entry inside the supplied transaction. A failed append
// must fail the surrounding transition, so errors are returned unshadowed.
func (l *Log) Append(ctx context.Context, tx pgx.Tx, e Entry) error {
	if e.RenewalID == "" {
		return fault.Validation("history: missing renewal id")
	}
	if e.Activity == "" {
		return fault.Validation("history: missing activity type")
	}

	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fault.Validation("history: marshal details: %v", err)
	}

	const insertSQL = `
		INSERT INTO renewal_history (renewal_id, activity, old_status, new_status, actor, note, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.Exec(ctx, insertSQL, e.RenewalID, e.Activity, e.OldStatus, e.NewStatus, e.Actor, e.Note, payload); err != nil {
		return fault.Persistence("history: append entry: %v", err)
	}
	return nil
}

// List returns the audit trail for a renewal, newest first.
func (l *Log) List(ctx context.Context, q Queryer, renewalID string) ([]Entry, error) {
	const query = `
		SELECT id, renewal_id, activity, old_status, new_status, actor, note, details, created_at
		FROM renewal_history
		WHERE renewal_id = $1
		ORDER BY id DESC
	`
	rows, err := q.Query(ctx, query, renewalID)
	if err != nil {
		return nil, fault.Persistence("history: list: %v", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 8)
	for rows.Next() {
		var (
			e       Entry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.RenewalID, &e.Activity, &e.OldStatus, &e.NewStatus, &e.Actor, &e.Note, &payload, &e.CreatedAt); err != nil {
			return nil, fault.Persistence("history: scan entry: %v", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Details); err != nil {
				return nil, fault.Persistence("history: decode details: %v", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("history: iterate entries: %v", err)
	}
	return entries, nil
}
