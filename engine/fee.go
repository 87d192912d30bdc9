package engine

import (
	"context"

	"escrowbot/money"
)

// Fee decides the platform fee for a buyer's trade. A buyer's first trade is
// free; after that a free-trade credit waives the fee before the percentage
// applies.
func Fee(total money.Amount, priorCompleted, credits int, basisPoints int64) (fee money.Amount, useCredit bool) {
	if priorCompleted == 0 {
		return 0, false
	}
	if credits > 0 {
		return 0, true
	}
	return total.PercentFloor(basisPoints), false
}

// computeFee applies Fee to the trade's buyer, consuming a credit when one
// is used.
func (o *op) computeFee(ctx context.Context) (money.Amount, error) {
	prior, err := o.tx.CountCompletedDeals(ctx, o.deal.CounterpartyID)
	if err != nil {
		return 0, err
	}
	if prior == 0 {
		return 0, nil
	}
	buyer, err := o.tx.LockParty(ctx, o.deal.CounterpartyID)
	if err != nil {
		return 0, lookupErr(err)
	}
	fee, useCredit := Fee(o.deal.TotalAmount, prior, buyer.FreeTradeCredits, o.e.cfg.FeeBasisPoints)
	if useCredit {
		buyer.FreeTradeCredits--
		if err := o.tx.UpdateParty(ctx, buyer); err != nil {
			return 0, err
		}
	}
	o.parties[buyer.ID] = buyer
	return fee, nil
}
