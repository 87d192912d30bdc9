// Package reconcile applies payment processor events to the escrow engine.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"escrowbot/deal"
	"escrowbot/engine"
	"escrowbot/gateway"
)

type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	// Ignored events are acknowledged to the processor without any effect.
	Ignored Outcome = "ignored"
)

// Confirmer is the engine entry point payments flow through.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, p engine.Payment) (deal.Deal, error)
}

type Reconciler struct {
	confirmer Confirmer
	logger    *slog.Logger
}

func New(confirmer Confirmer, logger *slog.Logger) *Reconciler {
	return &Reconciler{confirmer: confirmer, logger: logger}
}

// Reconcile resolves the event's target and confirms the payment. An error is
// returned only for failures a redelivery may fix; events that cannot be
// applied are logged and reported as Ignored.
func (r *Reconciler) Reconcile(ctx context.Context, ev gateway.Event) (Outcome, error) {
	if ev.Type != gateway.EventCheckoutCompleted {
		return Ignored, nil
	}
	p, err := paymentFor(ev)
	if err != nil {
		r.logger.Error("unroutable payment event", "event_id", ev.ID, "error", err)
		return Ignored, nil
	}

	d, err := r.confirmer.ConfirmPayment(ctx, p)
	switch {
	case err == nil:
		r.logger.Info("payment reconciled", "event_id", ev.ID, "deal_id", d.ID, "milestone_id", p.MilestoneID, "status", d.Status)
		return Applied, nil
	case errors.Is(err, engine.ErrDuplicateEvent):
		return Duplicate, nil
	case engine.IsRejection(err):
		r.logger.Error("payment event rejected", "event_id", ev.ID, "deal_id", p.DealID, "milestone_id", p.MilestoneID, "reason", engine.Reason(err))
		return Ignored, nil
	default:
		return "", fmt.Errorf("reconcile: event %s: %w", ev.ID, err)
	}
}

func paymentFor(ev gateway.Event) (engine.Payment, error) {
	p := engine.Payment{
		EventID:   ev.ID,
		Reference: ev.PaymentReference,
		Amount:    ev.Amount,
		Currency:  ev.Currency,
	}
	var err error
	if raw := ev.Metadata[gateway.MetaMilestoneID]; raw != "" {
		if p.MilestoneID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return engine.Payment{}, fmt.Errorf("bad %s %q", gateway.MetaMilestoneID, raw)
		}
	}
	if raw := ev.Metadata[gateway.MetaDealID]; raw != "" {
		if p.DealID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return engine.Payment{}, fmt.Errorf("bad %s %q", gateway.MetaDealID, raw)
		}
	}
	if p.DealID == 0 && p.MilestoneID == 0 {
		return engine.Payment{}, errors.New("no deal or milestone in metadata")
	}
	return p, nil
}
