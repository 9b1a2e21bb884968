package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns invariant queries over the renewal schema. Each query selects
// violating rows, so any result at all is a failure.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_renewal",
			SQL: `SELECT membership_id, renewal_year, COUNT(*) FROM renewals
                  WHERE status NOT IN ('completed','cancelled','expired')
                  GROUP BY membership_id, renewal_year HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_completed_payment_state",
			SQL: `SELECT id FROM renewals
                  WHERE status = 'completed'
                    AND (payment_status <> 'completed' OR completed_at IS NULL)`,
		},
		{
			Name: "O3_terminal_audit_pairing",
			SQL: `SELECT r.id FROM renewals r
                  WHERE r.status IN ('completed','cancelled','expired')
                    AND NOT EXISTS (
                        SELECT 1 FROM renewal_history h
                        WHERE h.renewal_id = r.id
                          AND h.activity = 'status_changed'
                          AND h.new_status = r.status)`,
		},
		{
			Name: "O4_final_amount_formula",
			SQL: `SELECT id FROM renewals
                  WHERE final_amount < 0
                     OR ABS(final_amount - ROUND(amount + late_fee - discount, 2)) > 0.005`,
		},
		{
			Name: "O5_reminder_counter",
			SQL: `SELECT r.id FROM renewals r
                  WHERE r.reminders_sent <> (
                      SELECT COUNT(*) FROM reminder_schedules s
                      WHERE s.renewal_id = r.id AND s.sent_at IS NOT NULL)`,
		},
		{
			Name: "O6_reminder_stage_unique",
			SQL: `SELECT renewal_id, stage, COUNT(*) FROM reminder_schedules
                  GROUP BY renewal_id, stage HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_payment_overcollection",
			SQL: `SELECT r.id FROM renewals r
                  JOIN (SELECT renewal_id, SUM(amount) AS total
                        FROM renewal_payments WHERE status = 'completed'
                        GROUP BY renewal_id) p ON p.renewal_id = r.id
                  WHERE p.total > r.final_amount + 0.005`,
		},
		{
			Name: "O8_expired_grace_closed",
			SQL: `SELECT id FROM renewals
                  WHERE status = 'expired' AND grace_end_date >= now()`,
		},
		{
			Name: "O9_expired_unpaid",
			SQL: `SELECT r.id FROM renewals r
                  WHERE r.status = 'expired'
                    AND EXISTS (
                        SELECT 1 FROM renewal_payments p
                        WHERE p.renewal_id = r.id AND p.status = 'completed')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
