// Package gateway is the payment processor capability the engine calls.
package gateway

import (
	"context"

	"escrowbot/money"
)

// Metadata keys attached to a checkout so the confirmation can be routed back.
const (
	MetaDealID      = "deal_id"
	MetaMilestoneID = "milestone_id"
)

type CollectRequest struct {
	Amount        money.Amount
	Currency      string
	Description   string
	Metadata      map[string]string
	TransferGroup string
}

type Checkout struct {
	Reference string
	URL       string
}

type TransferRequest struct {
	Amount         money.Amount
	Currency       string
	Destination    string
	Tag            string
	IdempotencyKey string
}

// RefundRequest refunds the whole payment when Amount is nil.
type RefundRequest struct {
	PaymentReference string
	Amount           *money.Amount
	IdempotencyKey   string
}

type Gateway interface {
	Collect(ctx context.Context, req CollectRequest) (Checkout, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
	CreatePayoutAccount(ctx context.Context) (string, error)
	OnboardingLink(ctx context.Context, accountID string) (string, error)
}

// EventCheckoutCompleted is the only event type that moves money into escrow.
const EventCheckoutCompleted = "checkout.session.completed"

// Event is a payment confirmation as reported by the processor.
type Event struct {
	ID               string
	Type             string
	PaymentReference string
	Amount           money.Amount
	Currency         string
	Metadata         map[string]string
}
