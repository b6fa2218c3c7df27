package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is consistent.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_fee_accounting",
			SQL: `SELECT id, amount, fee_collected, net_amount FROM escrow_agreements
                  WHERE fee_collected IS NOT NULL
                    AND fee_collected + net_amount <> amount`,
		},
		{
			Name: "O2_released_within_amount",
			SQL: `SELECT a.id, a.amount, a.released_amount, SUM(m.amount) AS milestones
                  FROM escrow_agreements a
                  JOIN escrow_milestones m ON m.agreement_id = a.id AND m.released
                  GROUP BY a.id
                  HAVING SUM(m.amount) <> a.released_amount
                      OR a.released_amount > a.amount - (a.amount * a.fee_bps / 10000)`,
		},
		{
			Name: "O3_milestone_release_requires_approval",
			SQL:  `SELECT agreement_id, id FROM escrow_milestones WHERE released AND NOT approved`,
		},
		{
			Name: "O4_transfers_conserve_funds",
			SQL: `SELECT a.id, a.state, a.amount, SUM(t.amount) AS moved
                  FROM escrow_agreements a
                  JOIN escrow_transfers t ON t.agreement_id = a.id
                  GROUP BY a.id
                  HAVING SUM(t.amount) > a.amount
                      OR (a.state IN ('released', 'refunded') AND a.funded_at IS NOT NULL AND SUM(t.amount) <> a.amount)`,
		},
		{
			Name: "O5_terminal_escrow_has_transfers",
			SQL: `SELECT a.id, a.state FROM escrow_agreements a
                  WHERE a.state IN ('released', 'refunded')
                    AND a.funded_at IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM escrow_transfers t WHERE t.agreement_id = a.id)`,
		},
		{
			Name: "O6_resolved_case_has_outcome",
			SQL: `SELECT job_id, status, outcome FROM disputes
                  WHERE (status IN ('resolved', 'timeout') AND outcome = 'none')
                     OR (status = 'timeout' AND outcome <> 'split')
                     OR (status NOT IN ('resolved', 'timeout') AND outcome <> 'none')`,
		},
		{
			Name: "O7_settled_case_moved_escrow",
			SQL: `SELECT d.job_id, d.escrow_ref, a.state FROM disputes d
                  JOIN escrow_agreements a ON a.id = d.escrow_ref
                  WHERE d.settlement = 'settled' AND a.state NOT IN ('released', 'refunded')`,
		},
		{
			Name: "O8_evidence_seq_dense",
			SQL: `SELECT job_id, COUNT(*), MAX(seq) FROM dispute_evidence
                  GROUP BY job_id HAVING COUNT(*) <> MAX(seq) OR MIN(seq) <> 1`,
		},
		{
			Name: "O9_outbox_drained",
			SQL: `SELECT id, topic, status, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_fee_transfer_matches_record",
			SQL: `SELECT a.id, a.fee_collected, COALESCE(SUM(t.amount), 0) AS paid
                  FROM escrow_agreements a
                  LEFT JOIN escrow_transfers t ON t.agreement_id = a.id AND t.reason = 'fee'
                  WHERE a.state = 'released' AND a.fee_collected IS NOT NULL
                  GROUP BY a.id
                  HAVING COALESCE(SUM(t.amount), 0) <> a.fee_collected`,
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
