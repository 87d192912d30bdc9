package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

const testWebhookSecret = "whsec_test"

func sign(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestParseWebhookCheckoutCompleted(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"payment_intent": "pi_1",
			"amount_total": 10000,
			"currency": "usd",
			"metadata": {"deal_id": "12"}
		}}
	}`)
	s := NewStripe(StripeConfig{SecretKey: "sk_test", WebhookSecret: testWebhookSecret})

	ev, err := s.ParseWebhook(payload, sign(t, payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.ID != "evt_1" || ev.Type != EventCheckoutCompleted {
		t.Fatalf("unexpected envelope %+v", ev)
	}
	if ev.PaymentReference != "pi_1" {
		t.Fatalf("expected payment intent reference, got %q", ev.PaymentReference)
	}
	if ev.Amount != 10000 || ev.Currency != "usd" {
		t.Fatalf("unexpected amount %d %s", ev.Amount, ev.Currency)
	}
	if ev.Metadata[MetaDealID] != "12" {
		t.Fatalf("metadata lost: %v", ev.Metadata)
	}
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)
	s := NewStripe(StripeConfig{SecretKey: "sk_test", WebhookSecret: testWebhookSecret})

	_, err := s.ParseWebhook(payload, sign(t, payload, "whsec_other"))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestParseWebhookIgnoresOtherTypes(t *testing.T) {
	payload := []byte(`{"id":"evt_3","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge"}}}`)
	s := NewStripe(StripeConfig{SecretKey: "sk_test", WebhookSecret: testWebhookSecret})

	ev, err := s.ParseWebhook(payload, sign(t, payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Type != "charge.refunded" || ev.PaymentReference != "" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
