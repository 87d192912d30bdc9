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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_pending_deadline_per_deal",
			SQL: `SELECT deal_id, COUNT(*) FROM deadlines
                  WHERE state = 'pending'
                  GROUP BY deal_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_deadline_reference_live",
			SQL: `SELECT d.id, d.status, dl.state FROM deals d
                  JOIN deadlines dl ON dl.id = d.deadline_id
                  WHERE dl.state IN ('fired', 'cancelled')`,
		},
		{
			Name: "O3_terminal_deal_has_no_pending_deadline",
			SQL: `SELECT d.id, d.status, dl.kind FROM deals d
                  JOIN deadlines dl ON dl.deal_id = d.id
                  WHERE d.status IN ('completed', 'cancelled', 'disputed') AND dl.state = 'pending'`,
		},
		{
			Name: "O4_funded_trade_has_payment",
			SQL: `SELECT id, status, trade_phase FROM deals
                  WHERE deal_type = 'trade'
                    AND (status = 'funded' OR trade_phase IN ('funded', 'shipped'))
                    AND payment_reference IS NULL`,
		},
		{
			Name: "O5_dispute_on_paid_deal",
			SQL: `SELECT ds.id, d.id FROM disputes ds
                  JOIN deals d ON d.id = ds.deal_id
                  WHERE d.deal_type = 'trade' AND d.payment_reference IS NULL`,
		},
		{
			Name: "O6_finalized_total_matches_milestones",
			SQL: `SELECT d.id, d.total_amount, COALESCE(SUM(m.amount), 0) FROM deals d
                  LEFT JOIN milestones m ON m.deal_id = d.id
                  WHERE d.deal_type = 'milestone_project' AND d.finalized_at IS NOT NULL
                  GROUP BY d.id HAVING d.total_amount <> COALESCE(SUM(m.amount), 0)`,
		},
		{
			Name: "O7_referral_claim_consistent",
			SQL: `SELECT id FROM referrals
                  WHERE reward_claimed <> (claimed_at IS NOT NULL)`,
		},
		{
			Name: "O8_fee_within_total",
			SQL: `SELECT id, fee_amount, total_amount FROM deals
                  WHERE fee_amount > total_amount OR (payment_reference IS NULL AND fee_amount <> 0)`,
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
