package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"escrowbot/deadline"
	"escrowbot/deal"
	"escrowbot/gateway"
	"escrowbot/money"
	"escrowbot/notify"
	"escrowbot/party"
)

type TradeParams struct {
	CounterpartyHandle int64
	Title              string
	Amount             money.Amount
	Currency           string
}

// CreateTrade opens a pending trade with the actor as seller.
func (e *Engine) CreateTrade(ctx context.Context, actor Actor, p TradeParams) (deal.Deal, error) {
	if actor.role != roleParty {
		return deal.Deal{}, reject(ErrUnauthorized, "trades are created by a participant")
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return deal.Deal{}, reject(ErrValidation, "a trade needs a description")
	}
	if !p.Amount.Positive() {
		return deal.Deal{}, reject(ErrValidation, "the amount must be greater than zero")
	}
	currency, err := e.currency(p.Currency)
	if err != nil {
		return deal.Deal{}, err
	}

	var out deal.Deal
	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		seller, err := tx.EnsureParty(ctx, actor.Handle, "")
		if err != nil {
			return err
		}
		buyer, err := counterpartyFor(ctx, tx, p.CounterpartyHandle)
		if err != nil {
			return err
		}
		if buyer.ID == seller.ID {
			return reject(ErrValidation, "you cannot trade with yourself")
		}
		out, err = tx.InsertDeal(ctx, deal.Deal{
			InitiatorID:    seller.ID,
			CounterpartyID: buyer.ID,
			Title:          title,
			Currency:       currency,
			TotalAmount:    p.Amount,
			Type:           deal.TypeTrade,
			Status:         deal.StatusPending,
			Phase:          deal.PhaseNone,
		})
		return err
	})
	return out, err
}

func counterpartyFor(ctx context.Context, tx Tx, handle int64) (party.Party, error) {
	p, err := tx.PartyByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return party.Party{}, reject(ErrNotFound, "the other party has not started the bot yet")
		}
		return party.Party{}, err
	}
	return p, nil
}

func (e *Engine) currency(c string) (string, error) {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return e.cfg.DefaultCurrency, nil
	}
	if len(c) != 3 {
		return "", reject(ErrValidation, "currency must be a three letter code")
	}
	for _, r := range c {
		if r < 'a' || r > 'z' {
			return "", reject(ErrValidation, "currency must be a three letter code")
		}
	}
	return c, nil
}

// SendOffer presents the trade to the buyer and starts the offer expiry clock.
func (e *Engine) SendOffer(ctx context.Context, actor Actor, dealID int64) (deal.Deal, error) {
	return e.run(ctx, actor, dealID, TriggerSendOffer, func(ctx context.Context, o *op) error {
		seller, err := o.initiator(ctx)
		if err != nil {
			return err
		}
		if !seller.HasPayoutAccount() {
			return reject(ErrValidation, "connect a payout account before sending an offer")
		}
		now := o.e.now().UTC()
		o.deal.OfferSentAt = &now
		if err := o.schedule(ctx, deadline.KindOfferExpiry); err != nil {
			return err
		}
		return o.notify(ctx, o.deal.CounterpartyID, msgOfferSent(o.deal, seller, o.e.cfg.OfferExpiry),
			notify.Action{Label: "💳 Pay " + amountOf(o.deal), Data: fmt.Sprintf("pay:%d", o.deal.ID)},
			notify.Action{Label: "❌ Decline", Data: fmt.Sprintf("decline:%d", o.deal.ID)},
		)
	})
}

// PayTrade opens a checkout for the buyer. Funding happens when the
// processor confirms the payment.
func (e *Engine) PayTrade(ctx context.Context, actor Actor, dealID int64) (gateway.Checkout, error) {
	var checkout gateway.Checkout
	_, err := e.run(ctx, actor, dealID, TriggerPay, func(ctx context.Context, o *op) error {
		var err error
		checkout, err = o.e.gateway.Collect(ctx, gateway.CollectRequest{
			Amount:        o.deal.TotalAmount,
			Currency:      o.deal.Currency,
			Description:   o.deal.Title,
			Metadata:      map[string]string{gateway.MetaDealID: fmt.Sprint(o.deal.ID)},
			TransferGroup: transferGroup(o.deal.ID),
		})
		if err != nil {
			return &GatewayFailure{Op: "collect", Err: err}
		}
		return nil
	})
	return checkout, err
}

func (e *Engine) MarkShipped(ctx context.Context, actor Actor, dealID int64) (deal.Deal, error) {
	return e.run(ctx, actor, dealID, TriggerMarkShipped, func(ctx context.Context, o *op) error {
		o.deal.Phase = deal.PhaseShipped
		if err := o.schedule(ctx, deadline.KindDeliveryConfirm); err != nil {
			return err
		}
		text := msgShipped(o.deal, o.e.cfg.DeliveryConfirm)
		if err := o.notify(ctx, o.deal.InitiatorID, text); err != nil {
			return err
		}
		return o.notify(ctx, o.deal.CounterpartyID, text,
			notify.Action{Label: "✅ Confirm delivery", Data: fmt.Sprintf("confirm:%d", o.deal.ID)},
			notify.Action{Label: "⚠️ Open dispute", Data: fmt.Sprintf("dispute:%d", o.deal.ID)},
		)
	})
}

func (e *Engine) ConfirmDelivery(ctx context.Context, actor Actor, dealID int64) (deal.Deal, error) {
	return e.run(ctx, actor, dealID, TriggerConfirmDelivery, func(ctx context.Context, o *op) error {
		if err := o.cancelDeadline(ctx); err != nil {
			return err
		}
		if err := o.releaseTrade(ctx); err != nil {
			return err
		}
		return o.notifyBoth(ctx, msgTradeCompleted(o.deal))
	})
}

func (e *Engine) Decline(ctx context.Context, actor Actor, dealID int64) (deal.Deal, error) {
	return e.run(ctx, actor, dealID, TriggerDecline, func(ctx context.Context, o *op) error {
		if err := o.cancelDeadline(ctx); err != nil {
			return err
		}
		o.deal.Status = deal.StatusCancelled
		o.note(noteDeclined)
		return o.notify(ctx, o.deal.InitiatorID, msgDeclined(o.deal))
	})
}

func (e *Engine) CancelDraft(ctx context.Context, actor Actor, dealID int64) (deal.Deal, error) {
	return e.run(ctx, actor, dealID, TriggerCancelDraft, func(ctx context.Context, o *op) error {
		o.deal.Status = deal.StatusCancelled
		return nil
	})
}

// releaseTrade pays the seller what the buyer paid minus the platform fee
// and completes the trade.
func (o *op) releaseTrade(ctx context.Context) error {
	seller, err := o.initiator(ctx)
	if err != nil {
		return err
	}
	if payout := o.deal.TotalAmount - o.deal.FeeAmount; payout.Positive() {
		if _, err := o.transfer(ctx, seller, payout, fmt.Sprintf("deal-%d-release", o.deal.ID)); err != nil {
			return err
		}
	}
	return o.complete(ctx)
}
