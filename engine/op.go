package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"escrowbot/deadline"
	"escrowbot/deal"
	"escrowbot/gateway"
	"escrowbot/money"
	"escrowbot/notify"
	"escrowbot/party"
)

// op is one transition in flight: the locked deal plus the unit of work.
type op struct {
	e       *Engine
	tx      Tx
	actor   Actor
	actorID int64
	deal    deal.Deal
	parties map[int64]party.Party
}

func (o *op) party(ctx context.Context, id int64) (party.Party, error) {
	if p, ok := o.parties[id]; ok {
		return p, nil
	}
	p, err := o.tx.Party(ctx, id)
	if err != nil {
		return party.Party{}, lookupErr(err)
	}
	o.parties[id] = p
	return p, nil
}

func (o *op) initiator(ctx context.Context) (party.Party, error) {
	return o.party(ctx, o.deal.InitiatorID)
}

func (o *op) counterparty(ctx context.Context) (party.Party, error) {
	return o.party(ctx, o.deal.CounterpartyID)
}

func (o *op) notify(ctx context.Context, partyID int64, text string, actions ...notify.Action) error {
	p, err := o.party(ctx, partyID)
	if err != nil {
		return err
	}
	return o.tx.Enqueue(ctx, notifyParty(p, text, actions...))
}

func notifyParty(p party.Party, text string, actions ...notify.Action) notify.Message {
	return notify.Message{ChatID: p.Handle, Text: text, Actions: actions}
}

func (o *op) notifyBoth(ctx context.Context, text string) error {
	if err := o.notify(ctx, o.deal.InitiatorID, text); err != nil {
		return err
	}
	return o.notify(ctx, o.deal.CounterpartyID, text)
}

func (o *op) notifyAdmins(ctx context.Context, text string, actions ...notify.Action) error {
	for _, h := range o.e.cfg.Admins {
		if err := o.tx.Enqueue(ctx, notify.Message{ChatID: h, Text: text, Actions: actions}); err != nil {
			return err
		}
	}
	return nil
}

func (o *op) note(text string) {
	if o.deal.AdminNotes == "" {
		o.deal.AdminNotes = text
		return
	}
	o.deal.AdminNotes = strings.TrimRight(o.deal.AdminNotes, "\n") + "\n" + text
}

// schedule replaces the deal's live deadline.
func (o *op) schedule(ctx context.Context, kind deadline.Kind) error {
	var after time.Duration
	switch kind {
	case deadline.KindOfferExpiry:
		after = o.e.cfg.OfferExpiry
	case deadline.KindShipBy:
		after = o.e.cfg.ShipBy
	case deadline.KindDeliveryConfirm:
		after = o.e.cfg.DeliveryConfirm
	}
	_, err := o.e.deadlines.Schedule(ctx, o.tx, &o.deal, kind, after)
	return err
}

func (o *op) cancelDeadline(ctx context.Context) error {
	return o.e.deadlines.Cancel(ctx, o.tx, &o.deal)
}

// transfer pays a party's payout account. The idempotency key makes a
// caller's retry after a failed commit safe at the processor.
func (o *op) transfer(ctx context.Context, to party.Party, amount money.Amount, key string) (string, error) {
	if !to.HasPayoutAccount() {
		return "", reject(ErrValidation, "%s has not connected a payout account", to.DisplayName())
	}
	ref, err := o.e.gateway.Transfer(ctx, gateway.TransferRequest{
		Amount:         amount,
		Currency:       o.deal.Currency,
		Destination:    *to.PayoutAccount,
		Tag:            transferGroup(o.deal.ID),
		IdempotencyKey: key,
	})
	if err != nil {
		return "", &GatewayFailure{Op: "transfer", Err: err}
	}
	return ref, nil
}

// refund returns a payment to its payer; a nil amount refunds it in full.
func (o *op) refund(ctx context.Context, paymentRef string, amount *money.Amount, key string) error {
	_, err := o.e.gateway.Refund(ctx, gateway.RefundRequest{
		PaymentReference: paymentRef,
		Amount:           amount,
		IdempotencyKey:   key,
	})
	if err != nil {
		return &GatewayFailure{Op: "refund", Err: err}
	}
	return nil
}

// complete closes the deal successfully, persisting it first so the
// referral check counts it among the party's completed deals.
func (o *op) complete(ctx context.Context) error {
	o.deal.Status = deal.StatusCompleted
	if o.deal.Type == deal.TypeTrade {
		o.deal.Phase = deal.PhaseCompleted
	}
	o.deal.DeadlineID = nil
	if err := o.tx.UpdateDeal(ctx, o.deal); err != nil {
		return err
	}
	if err := o.promptRatings(ctx); err != nil {
		return err
	}
	for _, id := range []int64{o.deal.InitiatorID, o.deal.CounterpartyID} {
		if err := o.rewardReferral(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (o *op) promptRatings(ctx context.Context) error {
	for _, id := range []int64{o.deal.InitiatorID, o.deal.CounterpartyID} {
		other, err := o.party(ctx, o.deal.Other(id))
		if err != nil {
			return err
		}
		actions := make([]notify.Action, 0, 6)
		for n := 1; n <= 5; n++ {
			actions = append(actions, notify.Action{
				Label: strings.Repeat("⭐", n),
				Data:  fmt.Sprintf("rate:%d:%d", o.deal.ID, n),
			})
		}
		actions = append(actions, notify.Action{Label: "Skip", Data: fmt.Sprintf("rate_skip:%d", o.deal.ID)})
		if err := o.notify(ctx, id, msgRatePrompt(o.deal, other), actions...); err != nil {
			return err
		}
	}
	return nil
}

func transferGroup(dealID int64) string {
	return fmt.Sprintf("deal-%d", dealID)
}
