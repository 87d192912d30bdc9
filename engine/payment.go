package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"escrowbot/deadline"
	"escrowbot/deal"
	"escrowbot/money"
	"escrowbot/notify"
)

// Payment is a confirmed collection routed to a deal or one of its
// milestones.
type Payment struct {
	// EventID is the processor's event id; each is applied at most once.
	EventID     string
	DealID      int64
	MilestoneID int64
	Reference   string
	// Amount and Currency are checked against the deal when set.
	Amount   money.Amount
	Currency string
}

// ConfirmPayment funds a trade or a milestone. A redelivered event, or a
// second confirmation for an already funded target, returns
// ErrDuplicateEvent with nothing changed.
func (e *Engine) ConfirmPayment(ctx context.Context, p Payment) (deal.Deal, error) {
	if strings.TrimSpace(p.Reference) == "" {
		return deal.Deal{}, reject(ErrValidation, "payment has no reference")
	}
	var out deal.Deal
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if p.EventID != "" {
			if err := tx.ReserveEvent(ctx, p.EventID); err != nil {
				return err
			}
		}

		var m deal.Milestone
		dealID := p.DealID
		if p.MilestoneID != 0 {
			var err error
			m, err = tx.Milestone(ctx, p.MilestoneID)
			if err != nil {
				return lookupErr(err)
			}
			if dealID != 0 && dealID != m.DealID {
				return reject(ErrValidation, "milestone %d does not belong to deal %d", m.ID, dealID)
			}
			dealID = m.DealID
		}

		o, err := e.open(ctx, tx, SystemActor(), dealID)
		if err != nil {
			return err
		}
		switch o.deal.Type {
		case deal.TypeTrade:
			if o.deal.HasPayment() {
				return ErrDuplicateEvent
			}
			if p.MilestoneID != 0 {
				return reject(ErrValidation, "trade %d has no milestones", o.deal.ID)
			}
		case deal.TypeMilestone:
			if p.MilestoneID == 0 {
				return reject(ErrValidation, "payment for project %d names no milestone", o.deal.ID)
			}
			// Re-read under the deal lock.
			if m, err = tx.Milestone(ctx, p.MilestoneID); err != nil {
				return lookupErr(err)
			}
			if m.Funded() {
				return ErrDuplicateEvent
			}
		}
		if err := o.check(TriggerPaymentConfirmed); err != nil {
			return err
		}
		if err := o.matches(p, m); err != nil {
			return err
		}

		if o.deal.Type == deal.TypeTrade {
			err = o.fundTrade(ctx, p.Reference)
		} else {
			err = o.fundMilestone(ctx, m, p.Reference)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateDeal(ctx, o.deal); err != nil {
			return err
		}
		out = o.deal
		return nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		e.logger.Info("payment already applied", "event_id", p.EventID, "deal_id", p.DealID, "milestone_id", p.MilestoneID)
	}
	return out, err
}

func (o *op) matches(p Payment, m deal.Milestone) error {
	if p.Currency != "" && !strings.EqualFold(p.Currency, o.deal.Currency) {
		return reject(ErrValidation, "payment currency %s does not match %s", p.Currency, o.deal.Currency)
	}
	want := o.deal.TotalAmount
	if o.deal.Type == deal.TypeMilestone {
		want = m.Amount
	}
	if p.Amount != 0 && p.Amount != want {
		return reject(ErrValidation, "payment of %s does not match %s", p.Amount, want)
	}
	return nil
}

func (o *op) fundTrade(ctx context.Context, ref string) error {
	if err := o.cancelDeadline(ctx); err != nil {
		return err
	}
	fee, err := o.computeFee(ctx)
	if err != nil {
		return err
	}
	o.deal.Status = deal.StatusFunded
	o.deal.Phase = deal.PhaseFunded
	o.deal.PaymentReference = &ref
	o.deal.FeeAmount = fee
	if err := o.schedule(ctx, deadline.KindShipBy); err != nil {
		return err
	}
	text := msgTradeFunded(o.deal, o.e.cfg.ShipBy)
	if err := o.notify(ctx, o.deal.InitiatorID, text,
		notify.Action{Label: "📦 Mark as shipped", Data: fmt.Sprintf("ship:%d", o.deal.ID)},
	); err != nil {
		return err
	}
	return o.notify(ctx, o.deal.CounterpartyID, text)
}

func (o *op) fundMilestone(ctx context.Context, m deal.Milestone, ref string) error {
	m.PaymentReference = &ref
	if err := o.tx.UpdateMilestone(ctx, m); err != nil {
		return err
	}
	if o.deal.Status == deal.StatusPending {
		o.deal.Status = deal.StatusFunded
	}
	text := msgMilestoneFunded(o.deal, m)
	if err := o.notify(ctx, o.deal.InitiatorID, text,
		notify.Action{Label: "✅ Release " + m.Name, Data: fmt.Sprintf("release:%d", m.ID)},
	); err != nil {
		return err
	}
	return o.notify(ctx, o.deal.CounterpartyID, text)
}
