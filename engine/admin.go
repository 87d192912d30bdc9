package engine

import (
	"context"
	"fmt"
	"strings"

	"escrowbot/deal"
	"escrowbot/money"
	"escrowbot/party"
)

// Split settles a funded trade by paying sellerAmount to the seller and
// refunding the rest to the buyer.
func (e *Engine) Split(ctx context.Context, actor Actor, dealID int64, sellerAmount money.Amount) (deal.Deal, error) {
	return e.run(ctx, actor, dealID, TriggerSplit, func(ctx context.Context, o *op) error {
		if sellerAmount < 0 || sellerAmount > o.deal.TotalAmount {
			return reject(ErrValidation, "the seller amount must be between 0 and %s", money.Format(o.deal.TotalAmount, o.deal.Currency))
		}
		buyerAmount := o.deal.TotalAmount - sellerAmount
		if sellerAmount.Positive() {
			seller, err := o.initiator(ctx)
			if err != nil {
				return err
			}
			if _, err := o.transfer(ctx, seller, sellerAmount, fmt.Sprintf("deal-%d-split-transfer", o.deal.ID)); err != nil {
				return err
			}
		}
		if buyerAmount.Positive() {
			if err := o.refund(ctx, *o.deal.PaymentReference, &buyerAmount, fmt.Sprintf("deal-%d-split-refund", o.deal.ID)); err != nil {
				return err
			}
		}
		if err := o.cancelDeadline(ctx); err != nil {
			return err
		}
		o.note(noteSplit(o.deal, sellerAmount, buyerAmount))
		if err := o.complete(ctx); err != nil {
			return err
		}
		return o.notifyBoth(ctx, msgSplit(o.deal, sellerAmount, buyerAmount))
	})
}

// RefundDeal returns everything still held to the payer and cancels the deal.
// For a project that is every funded, unreleased milestone.
func (e *Engine) RefundDeal(ctx context.Context, actor Actor, dealID int64, reason string) (deal.Deal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "refunded by administrator"
	}
	return e.run(ctx, actor, dealID, TriggerRefund, func(ctx context.Context, o *op) error {
		if err := o.cancelDeadline(ctx); err != nil {
			return err
		}
		if o.deal.Type == deal.TypeTrade {
			if err := o.refund(ctx, *o.deal.PaymentReference, nil, fmt.Sprintf("deal-%d-refund", o.deal.ID)); err != nil {
				return err
			}
			o.deal.Phase = deal.PhaseRefunded
		} else {
			ms, err := o.tx.Milestones(ctx, o.deal.ID)
			if err != nil {
				return err
			}
			refunded := 0
			for _, m := range ms {
				if !m.Funded() || m.Released {
					continue
				}
				if err := o.refundMilestone(ctx, &m); err != nil {
					return err
				}
				refunded++
			}
			if refunded == 0 {
				return reject(ErrInvalidState, "no milestone of this project holds funds")
			}
		}
		o.deal.Status = deal.StatusCancelled
		o.note("Admin refund: " + reason)
		return o.notifyBoth(ctx, msgAdminRefund(o.deal, reason))
	})
}

// RefundMilestone refunds one funded milestone. The project settles once
// nothing is left unreleased.
func (e *Engine) RefundMilestone(ctx context.Context, actor Actor, milestoneID int64, reason string) (deal.Milestone, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "refunded by administrator"
	}
	return e.runMilestone(ctx, actor, milestoneID, TriggerRefund, func(ctx context.Context, o *op, m *deal.Milestone) error {
		if !m.Funded() || m.Released {
			return reject(ErrInvalidState, "milestone %q holds no funds", m.Name)
		}
		if err := o.refundMilestone(ctx, m); err != nil {
			return err
		}
		o.note(fmt.Sprintf("Admin refunded milestone %q: %s", m.Name, reason))
		if err := o.notifyBoth(ctx, msgMilestoneRefunded(o.deal, *m, reason)); err != nil {
			return err
		}
		return o.settleProject(ctx)
	})
}

// refundMilestone refunds m and persists it as released and refunded.
func (o *op) refundMilestone(ctx context.Context, m *deal.Milestone) error {
	if err := o.refund(ctx, *m.PaymentReference, nil, fmt.Sprintf("milestone-%d-refund", m.ID)); err != nil {
		return err
	}
	now := o.e.now().UTC()
	m.Released = true
	m.RefundedAt = &now
	return o.tx.UpdateMilestone(ctx, *m)
}

// Resolve reopens a disputed deal. The phase is left as it was.
func (e *Engine) Resolve(ctx context.Context, actor Actor, dealID int64) (deal.Deal, error) {
	return e.run(ctx, actor, dealID, TriggerResolve, func(ctx context.Context, o *op) error {
		o.deal.Status = deal.StatusPending
		o.note("Dispute resolved by administrator, deal reopened.")
		return o.notifyBoth(ctx, msgResolved(o.deal))
	})
}

func (e *Engine) Verify(ctx context.Context, actor Actor, handle int64) (party.Party, error) {
	return e.setVerified(ctx, actor, handle, true)
}

func (e *Engine) Unverify(ctx context.Context, actor Actor, handle int64) (party.Party, error) {
	return e.setVerified(ctx, actor, handle, false)
}

func (e *Engine) setVerified(ctx context.Context, actor Actor, handle int64, verified bool) (party.Party, error) {
	if !actor.IsAdmin() {
		return party.Party{}, reject(ErrUnauthorized, "only an administrator can change verification")
	}
	var out party.Party
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.PartyByHandle(ctx, handle)
		if err != nil {
			return lookupErr(err)
		}
		if p, err = tx.LockParty(ctx, p.ID); err != nil {
			return lookupErr(err)
		}
		if p.Verified == verified {
			out = p
			return nil
		}
		p.Verified = verified
		if err := tx.UpdateParty(ctx, p); err != nil {
			return err
		}
		out = p
		return tx.Enqueue(ctx, notifyParty(p, msgVerified(verified)))
	})
	return out, err
}
