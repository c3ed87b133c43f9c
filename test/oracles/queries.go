// Package oracles holds SQL invariants over the closetrack tables. Each
// query returns the rows that break its invariant, so an empty result passes.
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

const progression = `ord(status, n) AS (VALUES
    ('draft', 0), ('offer_submitted', 1), ('under_contract', 2), ('inspection', 3),
    ('appraisal', 4), ('mortgage_commitment', 5), ('attorney_review', 6),
    ('closing_scheduled', 7), ('closed', 8))`

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_activity_seq_contiguous",
			SQL: `SELECT transaction_id, COUNT(*) AS entries, MAX(seq) AS last_seq
                  FROM activity_entries
                  GROUP BY transaction_id
                  HAVING COUNT(*) <> MAX(seq) OR MIN(seq) <> 1`,
		},
		{
			Name: "O2_status_matches_history",
			SQL: `SELECT t.id, t.status, h.to_status
                  FROM transactions t
                  LEFT JOIN LATERAL (
                      SELECT to_status FROM activity_entries a
                      WHERE a.transaction_id = t.id AND a.kind = 'status_changed'
                      ORDER BY a.seq DESC LIMIT 1) h ON TRUE
                  WHERE t.status <> COALESCE(h.to_status, 'draft')`,
		},
		{
			Name: "O3_history_chain",
			SQL: `WITH changes AS (
                      SELECT transaction_id, seq, from_status,
                             LAG(to_status, 1, 'draft') OVER (PARTITION BY transaction_id ORDER BY seq) AS prev_to
                      FROM activity_entries WHERE kind = 'status_changed')
                  SELECT * FROM changes WHERE from_status <> prev_to`,
		},
		{
			Name: "O4_unforced_transitions_follow_graph",
			SQL: `WITH ` + progression + `
                  SELECT a.transaction_id, a.seq, a.from_status, a.to_status
                  FROM activity_entries a
                  JOIN ord f ON f.status = a.from_status
                  LEFT JOIN ord t ON t.status = a.to_status
                  WHERE a.kind = 'status_changed' AND NOT a.forced
                    AND NOT (COALESCE(t.n = f.n + 1, FALSE) OR (a.to_status = 'cancelled' AND a.from_status <> 'closed'))
                  UNION ALL
                  SELECT a.transaction_id, a.seq, a.from_status, a.to_status
                  FROM activity_entries a
                  WHERE a.kind = 'status_changed' AND NOT a.forced AND a.from_status = 'cancelled'`,
		},
		{
			Name: "O5_version_counts_status_changes",
			SQL: `SELECT t.id, t.version, COUNT(a.seq) AS changes
                  FROM transactions t
                  LEFT JOIN activity_entries a ON a.transaction_id = t.id AND a.kind = 'status_changed'
                  GROUP BY t.id, t.version
                  HAVING t.version <> COUNT(a.seq) + 1`,
		},
		{
			Name: "O6_single_completion_entry",
			SQL: `SELECT d.id, d.is_completed, COUNT(a.seq) AS entries
                  FROM deadlines d
                  LEFT JOIN activity_entries a ON a.deadline_id = d.id AND a.kind = 'deadline_completed'
                  GROUP BY d.id, d.is_completed
                  HAVING COUNT(a.seq) <> CASE WHEN d.is_completed THEN 1 ELSE 0 END`,
		},
		{
			Name: "O7_cancelled_from_last_status",
			SQL: `SELECT t.id, t.cancelled_from, h.from_status
                  FROM transactions t
                  JOIN LATERAL (
                      SELECT from_status FROM activity_entries a
                      WHERE a.transaction_id = t.id AND a.kind = 'status_changed'
                      ORDER BY a.seq DESC LIMIT 1) h ON TRUE
                  WHERE t.status = 'cancelled' AND t.cancelled_from IS DISTINCT FROM h.from_status`,
		},
		{
			Name: "O8_delivery_timestamps",
			SQL: `SELECT id, status, delivered_at FROM deliveries
                  WHERE (status = 'delivered') <> (delivered_at IS NOT NULL)`,
		},
		{
			Name: "O9_notification_transaction_exists",
			SQL: `SELECT n.id, n.transaction_id FROM notifications n
                  WHERE n.transaction_id <> ''
                    AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.id = n.transaction_id)`,
		},
		{
			Name: "O10_activity_append_only_trigger",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'activity_entries_no_update')`,
		},
	}
}

// Run executes every oracle and returns the first failure (name and sample
// row) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
