package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"escrowbot/money"
)

// ErrBadSignature signals a webhook whose signature does not verify.
var ErrBadSignature = errors.New("gateway: webhook signature mismatch")

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL is where checkout and onboarding flows send the user back to.
	BaseURL string
}

// Stripe implements Gateway with destination transfers from the platform
// balance. Funds sit on the platform account until released.
type Stripe struct {
	api *client.API
	cfg StripeConfig
}

func NewStripe(cfg StripeConfig) *Stripe {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Stripe{api: client.New(cfg.SecretKey, nil), cfg: cfg}
}

func (s *Stripe) Collect(ctx context.Context, req CollectRequest) (Checkout, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(s.cfg.BaseURL + "/payment/success"),
		CancelURL:          stripe.String(s.cfg.BaseURL + "/payment/cancel"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(strings.ToLower(req.Currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
				UnitAmount: stripe.Int64(int64(req.Amount)),
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.TransferGroup != "" {
		params.PaymentIntentData.TransferGroup = stripe.String(req.TransferGroup)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return Checkout{}, fmt.Errorf("gateway: create checkout: %w", err)
	}
	return Checkout{Reference: sess.ID, URL: sess.URL}, nil
}

func (s *Stripe) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.Tag),
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", fmt.Errorf("gateway: transfer: %w", err)
	}
	return tr.ID, nil
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentReference),
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(int64(*req.Amount))
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	rf, err := s.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("gateway: refund: %w", err)
	}
	return rf.ID, nil
}

func (s *Stripe) CreatePayoutAccount(ctx context.Context) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
	}
	params.Context = ctx

	acct, err := s.api.Accounts.New(params)
	if err != nil {
		return "", fmt.Errorf("gateway: create account: %w", err)
	}
	return acct.ID, nil
}

func (s *Stripe) OnboardingLink(ctx context.Context, accountID string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(s.cfg.BaseURL + "/payout/refresh"),
		ReturnURL:  stripe.String(s.cfg.BaseURL + "/payout/return"),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := s.api.AccountLinks.New(params)
	if err != nil {
		return "", fmt.Errorf("gateway: onboarding link: %w", err)
	}
	return link.URL, nil
}

// ParseWebhook verifies the signature header and extracts a checkout
// completion. Other event types come back with only ID and Type set.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return decodeEvent(ev)
}

func decodeEvent(ev stripe.Event) (Event, error) {
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if out.Type != EventCheckoutCompleted || ev.Data == nil {
		return out, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return Event{}, fmt.Errorf("gateway: decode checkout session: %w", err)
	}
	out.Metadata = sess.Metadata
	out.Amount = money.Amount(sess.AmountTotal)
	out.Currency = string(sess.Currency)
	if sess.PaymentIntent != nil {
		out.PaymentReference = sess.PaymentIntent.ID
	}
	if out.PaymentReference == "" {
		// Without a payment intent there is nothing to refund or reconcile against.
		out.PaymentReference = sess.ID
	}
	return out, nil
}
