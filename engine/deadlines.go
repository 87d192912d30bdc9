package engine

import (
	"context"
	"errors"
	"fmt"

	"escrowbot/deadline"
	"escrowbot/deal"
)

var deadlineTriggers = map[deadline.Kind]Trigger{
	deadline.KindOfferExpiry:     TriggerOfferExpiry,
	deadline.KindShipBy:          TriggerShipBy,
	deadline.KindDeliveryConfirm: TriggerDeliveryConfirm,
}

// FireDeadline applies a due deadline to its deal. A deadline that no longer
// matches the deal's slot or whose guard fails is stale and is consumed
// with a nil error. Gateway and storage errors are returned so the caller
// retries.
func (e *Engine) FireDeadline(ctx context.Context, dl deadline.Deadline) error {
	trig, ok := deadlineTriggers[dl.Kind]
	if !ok {
		return fmt.Errorf("engine: unknown deadline kind %q", dl.Kind)
	}
	_, err := e.run(ctx, SystemActor(), dl.DealID, trig, func(ctx context.Context, o *op) error {
		if o.deal.DeadlineID == nil || *o.deal.DeadlineID != dl.ID {
			return reject(ErrInvalidState, "deadline %s was superseded", dl.ID)
		}
		o.deal.DeadlineID = nil

		switch dl.Kind {
		case deadline.KindOfferExpiry:
			o.deal.Status = deal.StatusCancelled
			o.note(noteExpired(o.e.cfg.OfferExpiry))
			return o.notify(ctx, o.deal.InitiatorID, msgOfferExpired(o.deal, o.e.cfg.OfferExpiry))
		case deadline.KindShipBy:
			if err := o.refund(ctx, *o.deal.PaymentReference, nil, fmt.Sprintf("deal-%d-refund", o.deal.ID)); err != nil {
				return err
			}
			o.deal.Status = deal.StatusCancelled
			o.deal.Phase = deal.PhaseRefunded
			o.note(noteAutoRefund(o.e.cfg.ShipBy))
			return o.notifyBoth(ctx, msgAutoRefunded(o.deal, o.e.cfg.ShipBy))
		default:
			if err := o.releaseTrade(ctx); err != nil {
				return err
			}
			o.note(noteAutoRelease(o.e.cfg.DeliveryConfirm))
			return o.notifyBoth(ctx, msgAutoReleased(o.deal, o.e.cfg.DeliveryConfirm))
		}
	})
	if err == nil {
		e.logger.Info("deadline fired", "deadline_id", dl.ID, "deal_id", dl.DealID, "kind", dl.Kind)
		return nil
	}
	if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound) {
		e.logger.Info("stale deadline ignored", "deadline_id", dl.ID, "deal_id", dl.DealID, "kind", dl.Kind, "reason", Reason(err))
		return nil
	}
	return err
}
