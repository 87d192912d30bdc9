package engine

import (
	"context"
	"fmt"
	"strings"

	"escrowbot/deal"
	"escrowbot/dispute"
	"escrowbot/notify"
)

// RaiseDispute freezes a deal until an administrator acts. No funds move and
// any live deadline is cancelled.
func (e *Engine) RaiseDispute(ctx context.Context, actor Actor, dealID int64, reason string, evidence *string) (dispute.Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return dispute.Record{}, reject(ErrValidation, "a dispute needs a reason")
	}
	if actor.role != roleParty {
		return dispute.Record{}, reject(ErrUnauthorized, "disputes are raised by a participant")
	}
	var rec dispute.Record
	_, err := e.run(ctx, actor, dealID, TriggerRaiseDispute, func(ctx context.Context, o *op) error {
		if o.deal.Type == deal.TypeMilestone {
			ms, err := o.tx.Milestones(ctx, o.deal.ID)
			if err != nil {
				return err
			}
			if !anyHeld(ms) {
				return reject(ErrInvalidState, "no milestone of this project holds funds")
			}
		}
		if err := o.cancelDeadline(ctx); err != nil {
			return err
		}
		o.deal.Status = deal.StatusDisputed

		var err error
		rec, err = o.tx.InsertDispute(ctx, dispute.Record{
			DealID:      o.deal.ID,
			RaisedBy:    o.actorID,
			Reason:      reason,
			EvidenceRef: evidence,
		})
		if err != nil {
			return lookupErr(err)
		}

		by, err := o.party(ctx, o.actorID)
		if err != nil {
			return err
		}
		if err := o.notifyAdmins(ctx, msgDisputeForAdmin(o.deal, by, reason), adminActions(o.deal)...); err != nil {
			return err
		}
		return o.notifyBoth(ctx, msgDisputeForParties(o.deal))
	})
	return rec, err
}

// anyHeld reports whether some milestone is funded and not yet released.
func anyHeld(ms []deal.Milestone) bool {
	for _, m := range ms {
		if m.Funded() && !m.Released {
			return true
		}
	}
	return false
}

func adminActions(d deal.Deal) []notify.Action {
	if d.Type == deal.TypeMilestone {
		return []notify.Action{
			{Label: "↩️ Refund project", Data: fmt.Sprintf("admin_refund:%d", d.ID)},
			{Label: "🔓 Reopen", Data: fmt.Sprintf("admin_resolve:%d", d.ID)},
		}
	}
	return []notify.Action{
		{Label: "✅ Release to seller", Data: fmt.Sprintf("admin_split:%d:%s", d.ID, d.TotalAmount)},
		{Label: "↩️ Refund buyer", Data: fmt.Sprintf("admin_refund:%d", d.ID)},
		{Label: "🔓 Reopen", Data: fmt.Sprintf("admin_resolve:%d", d.ID)},
	}
}
