package engine

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"

	"escrowbot/deal"
	"escrowbot/referral"
)

func TestReferral_RewardOnFirstCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedParty(t, 700, "referrer", nil)

	if _, err := h.engine.RegisterReferral(ctx, buyerHandle, "buyer", referral.Code(700)); err != nil {
		t.Fatalf("register referral: %v", err)
	}

	complete := func(amount string) {
		d := h.fundedTrade(t, amount)
		if _, err := h.engine.MarkShipped(ctx, PartyActor(sellerHandle), d.ID); err != nil {
			t.Fatalf("mark shipped: %v", err)
		}
		if _, err := h.engine.ConfirmDelivery(ctx, PartyActor(buyerHandle), d.ID); err != nil {
			t.Fatalf("confirm delivery: %v", err)
		}
	}
	complete("10.00")
	complete("20.00")

	if got := h.store.partyByHandle(t, 700).FreeTradeCredits; got != 1 {
		t.Fatalf("expected exactly one credit, got %d", got)
	}
	if len(h.store.messagesTo(700)) != 1 {
		t.Errorf("expected one reward notification")
	}
}

func TestRegisterReferral_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		handle int64
		code   string
		want   error
	}{
		{"malformed", 800, "hello", ErrValidation},
		{"unknown referrer", 800, referral.Code(12345), ErrNotFound},
		{"self", sellerHandle, referral.Code(sellerHandle), ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.engine.RegisterReferral(ctx, tc.handle, "", tc.code); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := h.engine.RegisterReferral(ctx, 801, "new", referral.Code(sellerHandle)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.engine.RegisterReferral(ctx, 801, "new", referral.Code(buyerHandle)); !errors.Is(err, ErrValidation) {
		t.Fatalf("second referral: expected validation, got %v", err)
	}
}

func TestRegisterReferral_OnlyNewUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedParty(t, 700, "referrer", nil)
	d := h.fundedTrade(t, "10.00")
	if _, err := h.engine.Split(ctx, h.admin(t), d.ID, d.TotalAmount); err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, err := h.engine.RegisterReferral(ctx, buyerHandle, "", referral.Code(700)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation for a party with completed deals, got %v", err)
	}
}

// A release and the delivery deadline race for the same trade. Exactly one
// wins, funds move once and the referral pays out once.
func TestConcurrentReleaseIsAppliedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedParty(t, 700, "referrer", nil)
	if _, err := h.engine.RegisterReferral(ctx, buyerHandle, "", referral.Code(700)); err != nil {
		t.Fatalf("register referral: %v", err)
	}
	d := h.fundedTrade(t, "50.00")
	if _, err := h.engine.MarkShipped(ctx, PartyActor(sellerHandle), d.ID); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}
	dl := h.store.liveDeadlines(d.ID)[0]

	var g errgroup.Group
	results := make([]error, 4)
	g.Go(func() error {
		_, results[0] = h.engine.ConfirmDelivery(ctx, PartyActor(buyerHandle), d.ID)
		return nil
	})
	g.Go(func() error {
		results[1] = h.engine.FireDeadline(ctx, dl)
		return nil
	})
	g.Go(func() error {
		_, results[2] = h.engine.RaiseDispute(ctx, PartyActor(buyerHandle), d.ID, "late", nil)
		return nil
	})
	g.Go(func() error {
		results[3] = h.engine.FireDeadline(ctx, dl)
		return nil
	})
	_ = g.Wait()

	for i, err := range results {
		if err != nil && !errors.Is(err, ErrInvalidState) {
			t.Fatalf("racer %d: unexpected error %v", i, err)
		}
	}
	transfers, refunds := h.gw.snapshot()
	got := h.store.deal(t, d.ID)
	switch got.Status {
	case deal.StatusCompleted:
		if len(transfers) != 1 {
			t.Fatalf("completed with %d transfers", len(transfers))
		}
		if credits := h.store.partyByHandle(t, 700).FreeTradeCredits; credits != 1 {
			t.Fatalf("expected one referral credit, got %d", credits)
		}
	case deal.StatusDisputed:
		if len(transfers) != 0 {
			t.Fatalf("disputed with %d transfers", len(transfers))
		}
	default:
		t.Fatalf("unexpected final status %s", got.Status)
	}
	if len(refunds) != 0 {
		t.Fatalf("unexpected refunds %+v", refunds)
	}
}

func TestSubmitReviewAndProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.fundedTrade(t, "10.00")

	if _, err := h.engine.SubmitReview(ctx, PartyActor(buyerHandle), d.ID, 5, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("review before completion: expected invalid state, got %v", err)
	}
	if _, err := h.engine.Split(ctx, h.admin(t), d.ID, d.TotalAmount); err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, err := h.engine.SubmitReview(ctx, PartyActor(buyerHandle), d.ID, 6, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("rating 6: expected validation, got %v", err)
	}
	rev, err := h.engine.SubmitReview(ctx, PartyActor(buyerHandle), d.ID, 4, " quick shipping ")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if rev.RevieweeID != h.store.partyByHandle(t, sellerHandle).ID || rev.Comment != "quick shipping" {
		t.Fatalf("unexpected review %+v", rev)
	}
	if _, err := h.engine.SubmitReview(ctx, PartyActor(buyerHandle), d.ID, 3, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate review: expected validation, got %v", err)
	}

	prof, err := h.engine.Profile(ctx, sellerHandle)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if prof.CompletedDeals != 1 || prof.Reviews.Count != 1 || prof.Reviews.Average != 4 {
		t.Fatalf("unexpected profile %+v", prof)
	}
}

func TestConnectPayoutAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	link, err := h.engine.ConnectPayoutAccount(ctx, PartyActor(600))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	p := h.store.partyByHandle(t, 600)
	if !p.HasPayoutAccount() || link != "https://connect.test/"+*p.PayoutAccount {
		t.Fatalf("unexpected account %+v and link %q", p, link)
	}
	again, err := h.engine.ConnectPayoutAccount(ctx, PartyActor(600))
	if err != nil || again != link {
		t.Fatalf("reconnect should reuse the account: %q %v", again, err)
	}
}

func TestDashboard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.fundedTrade(t, "10.00")
	h.seedParty(t, 300, "stranger", nil)

	proj, err := h.engine.Dashboard(ctx, PartyActor(buyerHandle), d.ID)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if proj.Deadline == nil || proj.Initiator.Handle != sellerHandle || proj.Counterparty.Handle != buyerHandle {
		t.Fatalf("unexpected projection %+v", proj)
	}
	if _, err := h.engine.Dashboard(ctx, PartyActor(300), d.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger dashboard: expected unauthorized, got %v", err)
	}
	if _, err := h.engine.Dashboard(ctx, h.admin(t), d.ID); err != nil {
		t.Fatalf("admin dashboard: %v", err)
	}
	deals, err := h.engine.DealsFor(ctx, PartyActor(sellerHandle), 0)
	if err != nil || len(deals) != 1 {
		t.Fatalf("deals for seller: %v %d", err, len(deals))
	}
}
