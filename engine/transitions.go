package engine

import (
	"escrowbot/deal"
)

// Trigger names one transition of the lifecycle.
type Trigger string

const (
	TriggerSendOffer        Trigger = "send_offer"
	TriggerPay              Trigger = "pay"
	TriggerPaymentConfirmed Trigger = "payment_confirmed"
	TriggerMarkShipped      Trigger = "mark_shipped"
	TriggerConfirmDelivery  Trigger = "confirm_delivery"
	TriggerDecline          Trigger = "decline"
	TriggerCancelDraft      Trigger = "cancel_draft"
	TriggerRaiseDispute     Trigger = "raise_dispute"
	TriggerOfferExpiry      Trigger = "offer_expiry"
	TriggerShipBy           Trigger = "ship_by"
	TriggerDeliveryConfirm  Trigger = "delivery_confirm"

	TriggerAddMilestone     Trigger = "add_milestone"
	TriggerFinalize         Trigger = "finalize"
	TriggerDepositMilestone Trigger = "deposit_milestone"
	TriggerReleaseMilestone Trigger = "release_milestone"

	TriggerSplit   Trigger = "split"
	TriggerRefund  Trigger = "refund"
	TriggerResolve Trigger = "resolve"
)

// who is the set of actors a rule admits.
type who uint8

const (
	byInitiator who = 1 << iota
	byCounterparty
	bySystem
	byAdmin

	byEither = byInitiator | byCounterparty
)

type rule struct {
	who   who
	guard func(d deal.Deal) bool
	// reason explains a failed guard to the caller.
	reason string
}

type ruleKey struct {
	dealType deal.Type
	trigger  Trigger
}

// live means funds can still move: not disputed and not terminal.
func live(d deal.Deal) bool {
	return d.Status != deal.StatusDisputed && !d.Status.Terminal()
}

func offerPhase(d deal.Deal) bool {
	return d.Status == deal.StatusPending && d.Phase == deal.PhaseNone
}

func fundsHeld(d deal.Deal) bool {
	return d.Phase == deal.PhaseFunded || d.Phase == deal.PhaseShipped
}

var transitions = map[ruleKey]rule{
	{deal.TypeTrade, TriggerSendOffer}: {
		who:    byInitiator,
		guard:  func(d deal.Deal) bool { return offerPhase(d) && d.OfferSentAt == nil },
		reason: "the offer was already sent or the trade is no longer a draft",
	},
	{deal.TypeTrade, TriggerPay}: {
		who:    byCounterparty,
		guard:  func(d deal.Deal) bool { return offerPhase(d) && d.OfferSentAt != nil },
		reason: "this trade is not awaiting payment",
	},
	{deal.TypeTrade, TriggerPaymentConfirmed}: {
		who:    bySystem,
		guard:  offerPhase,
		reason: "this trade is not awaiting payment",
	},
	{deal.TypeTrade, TriggerMarkShipped}: {
		who:    byInitiator,
		guard:  func(d deal.Deal) bool { return live(d) && d.Phase == deal.PhaseFunded },
		reason: "the trade is not funded and awaiting shipment",
	},
	{deal.TypeTrade, TriggerConfirmDelivery}: {
		who:    byCounterparty,
		guard:  func(d deal.Deal) bool { return live(d) && d.Phase == deal.PhaseShipped },
		reason: "the item has not been marked as shipped",
	},
	{deal.TypeTrade, TriggerDecline}: {
		who:    byCounterparty,
		guard:  func(d deal.Deal) bool { return offerPhase(d) && d.OfferSentAt != nil },
		reason: "there is no open offer to decline",
	},
	{deal.TypeTrade, TriggerCancelDraft}: {
		who:    byInitiator,
		guard:  func(d deal.Deal) bool { return offerPhase(d) && d.OfferSentAt == nil },
		reason: "only an unsent draft can be cancelled",
	},
	{deal.TypeTrade, TriggerRaiseDispute}: {
		who:    byEither,
		guard:  func(d deal.Deal) bool { return live(d) && fundsHeld(d) },
		reason: "only a funded trade can be disputed",
	},
	{deal.TypeTrade, TriggerOfferExpiry}: {
		who:    bySystem,
		guard:  offerPhase,
		reason: "the offer is no longer pending",
	},
	{deal.TypeTrade, TriggerShipBy}: {
		who:    bySystem,
		guard:  func(d deal.Deal) bool { return live(d) && d.Phase == deal.PhaseFunded },
		reason: "the trade is no longer awaiting shipment",
	},
	{deal.TypeTrade, TriggerDeliveryConfirm}: {
		who:    bySystem,
		guard:  func(d deal.Deal) bool { return live(d) && d.Phase == deal.PhaseShipped },
		reason: "the trade is no longer awaiting delivery confirmation",
	},
	{deal.TypeTrade, TriggerSplit}: {
		who:    byAdmin,
		guard:  func(d deal.Deal) bool { return d.HasPayment() && !d.Status.Terminal() },
		reason: "the trade holds no payment to split",
	},
	{deal.TypeTrade, TriggerRefund}: {
		who:    byAdmin,
		guard:  func(d deal.Deal) bool { return d.HasPayment() && !d.Status.Terminal() },
		reason: "the trade holds no payment to refund",
	},
	{deal.TypeTrade, TriggerResolve}: {
		who:    byAdmin,
		guard:  func(d deal.Deal) bool { return d.Status == deal.StatusDisputed },
		reason: "the deal is not disputed",
	},

	{deal.TypeMilestone, TriggerAddMilestone}: {
		who:    byInitiator,
		guard:  func(d deal.Deal) bool { return d.Status == deal.StatusPending && !d.Finalized() },
		reason: "milestones can only be added before the project is finalized",
	},
	{deal.TypeMilestone, TriggerFinalize}: {
		who:    byInitiator,
		guard:  func(d deal.Deal) bool { return d.Status == deal.StatusPending && !d.Finalized() },
		reason: "the project is already finalized",
	},
	{deal.TypeMilestone, TriggerDepositMilestone}: {
		who:    byInitiator,
		guard:  func(d deal.Deal) bool { return live(d) && d.Finalized() },
		reason: "the project is not open for deposits",
	},
	{deal.TypeMilestone, TriggerPaymentConfirmed}: {
		who:    bySystem,
		guard:  func(d deal.Deal) bool { return !d.Status.Terminal() && d.Finalized() },
		reason: "the project is closed",
	},
	{deal.TypeMilestone, TriggerReleaseMilestone}: {
		who:    byInitiator,
		guard:  func(d deal.Deal) bool { return live(d) && d.Finalized() },
		reason: "the project is not open for releases",
	},
	{deal.TypeMilestone, TriggerRaiseDispute}: {
		who:    byEither,
		guard:  live,
		reason: "the project cannot be disputed in its current state",
	},
	{deal.TypeMilestone, TriggerRefund}: {
		who:    byAdmin,
		guard:  func(d deal.Deal) bool { return !d.Status.Terminal() },
		reason: "the project is closed",
	},
	{deal.TypeMilestone, TriggerResolve}: {
		who:    byAdmin,
		guard:  func(d deal.Deal) bool { return d.Status == deal.StatusDisputed },
		reason: "the deal is not disputed",
	},
}

// check authorizes the actor for trig, then evaluates its guard. An admin
// passes any party authorization, but never a guard.
func (o *op) check(trig Trigger) error {
	r, ok := transitions[ruleKey{o.deal.Type, trig}]
	if !ok {
		return reject(ErrInvalidState, "%s does not apply to a %s deal", trig, o.deal.Type)
	}
	if err := o.authorize(r.who); err != nil {
		return err
	}
	if !r.guard(o.deal) {
		return reject(ErrInvalidState, "%s", r.reason)
	}
	return nil
}

func (o *op) authorize(w who) error {
	switch o.actor.role {
	case roleSystem:
		if w&bySystem != 0 {
			return nil
		}
		return reject(ErrUnauthorized, "this action needs a participant")
	case roleAdmin:
		if w&(byAdmin|byEither) != 0 {
			return nil
		}
		return reject(ErrUnauthorized, "this transition is automatic")
	}

	if w&byInitiator != 0 && o.actorID == o.deal.InitiatorID {
		return nil
	}
	if w&byCounterparty != 0 && o.actorID == o.deal.CounterpartyID {
		return nil
	}
	if !o.deal.Involves(o.actorID) {
		return reject(ErrUnauthorized, "you are not part of this deal")
	}
	if w&byAdmin != 0 {
		return reject(ErrUnauthorized, "only an administrator can do this")
	}
	return reject(ErrUnauthorized, "the other party has to do this")
}
