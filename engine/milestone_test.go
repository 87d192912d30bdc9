package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"escrowbot/deal"
	"escrowbot/money"
)

// project creates a project owned by the seller handle with the buyer handle
// as contractor, so the contractor's payout account is set.
func (h *harness) project(t *testing.T, amounts ...string) (deal.Deal, []deal.Milestone) {
	t.Helper()
	ctx := context.Background()
	var inputs []MilestoneInput
	for i, a := range amounts {
		inputs = append(inputs, MilestoneInput{Name: fmt.Sprintf("Phase %d", i+1), Amount: money.MustParse(a)})
	}
	d, err := h.engine.CreateProject(ctx, PartyActor(sellerHandle), ProjectParams{
		CounterpartyHandle: buyerHandle,
		Title:              "Website rebuild",
		Milestones:         inputs,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if d, err = h.engine.Finalize(ctx, PartyActor(sellerHandle), d.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return d, h.store.milestones(d.ID)
}

func (h *harness) fund(t *testing.T, m deal.Milestone) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.engine.DepositMilestone(ctx, PartyActor(sellerHandle), m.ID); err != nil {
		t.Fatalf("deposit %d: %v", m.ID, err)
	}
	_, err := h.engine.ConfirmPayment(ctx, Payment{
		EventID:     fmt.Sprintf("evt_m%d", m.ID),
		DealID:      m.DealID,
		MilestoneID: m.ID,
		Reference:   fmt.Sprintf("pi_m%d", m.ID),
		Amount:      m.Amount,
	})
	if err != nil {
		t.Fatalf("confirm milestone %d: %v", m.ID, err)
	}
}

func TestMilestoneProject_ReleaseAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, ms := h.project(t, "60.00", "40.00")
	if d.TotalAmount != money.MustParse("100.00") || len(ms) != 2 {
		t.Fatalf("expected total 100.00 across 2 milestones, got %s across %d", d.TotalAmount, len(ms))
	}

	h.fund(t, ms[0])
	h.fund(t, ms[1])
	if got := h.store.deal(t, d.ID); got.Status != deal.StatusFunded {
		t.Fatalf("expected funded project, got %s", got.Status)
	}

	first, err := h.engine.ReleaseMilestone(ctx, PartyActor(sellerHandle), ms[0].ID)
	if err != nil {
		t.Fatalf("release first: %v", err)
	}
	if !first.Released || first.TransferReference == nil {
		t.Fatalf("expected released milestone with transfer, got %+v", first)
	}
	if got := h.store.deal(t, d.ID); got.Status != deal.StatusFunded {
		t.Fatalf("project completed early: %s", got.Status)
	}
	if _, err := h.engine.ReleaseMilestone(ctx, PartyActor(sellerHandle), ms[0].ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double release: expected invalid state, got %v", err)
	}

	if _, err := h.engine.ReleaseMilestone(ctx, PartyActor(sellerHandle), ms[1].ID); err != nil {
		t.Fatalf("release second: %v", err)
	}
	if got := h.store.deal(t, d.ID); got.Status != deal.StatusCompleted {
		t.Fatalf("expected completed project, got %s", got.Status)
	}
	transfers, _ := h.gw.snapshot()
	if len(transfers) != 2 || transfers[0].Destination != "acct_buyer" || transfers[1].Amount != money.MustParse("40.00") {
		t.Fatalf("unexpected transfers %+v", transfers)
	}
}

func TestMilestoneProject_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, ms := h.project(t, "25.00")

	if _, err := h.engine.AddMilestone(ctx, PartyActor(sellerHandle), d.ID, MilestoneInput{Name: "Extra", Amount: 100}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("add after finalize: expected invalid state, got %v", err)
	}
	if _, err := h.engine.ReleaseMilestone(ctx, PartyActor(sellerHandle), ms[0].ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("release unfunded: expected invalid state, got %v", err)
	}
	if _, err := h.engine.DepositMilestone(ctx, PartyActor(buyerHandle), ms[0].ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("contractor deposit: expected unauthorized, got %v", err)
	}
	if _, err := h.engine.RaiseDispute(ctx, PartyActor(buyerHandle), d.ID, "scope", nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("dispute without funds: expected invalid state, got %v", err)
	}

	h.fund(t, ms[0])
	if _, err := h.engine.DepositMilestone(ctx, PartyActor(sellerHandle), ms[0].ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("deposit funded: expected invalid state, got %v", err)
	}
	_, err := h.engine.ConfirmPayment(ctx, Payment{EventID: "evt_again", MilestoneID: ms[0].ID, Reference: "pi_again"})
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("second confirmation: expected duplicate, got %v", err)
	}

	if _, err := h.engine.RaiseDispute(ctx, PartyActor(buyerHandle), d.ID, "scope", nil); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := h.engine.ReleaseMilestone(ctx, PartyActor(sellerHandle), ms[0].ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("release while disputed: expected invalid state, got %v", err)
	}
}

func TestMilestoneProject_BuildThenFinalize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.engine.CreateProject(ctx, PartyActor(sellerHandle), ProjectParams{CounterpartyHandle: buyerHandle, Title: "Logo"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.engine.Finalize(ctx, PartyActor(sellerHandle), d.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("finalize empty: expected validation, got %v", err)
	}
	for _, a := range []string{"10.00", "15.50"} {
		if _, err := h.engine.AddMilestone(ctx, PartyActor(sellerHandle), d.ID, MilestoneInput{Name: "Draft", Amount: money.MustParse(a)}); err != nil {
			t.Fatalf("add milestone: %v", err)
		}
	}
	if _, err := h.engine.AddMilestone(ctx, PartyActor(sellerHandle), d.ID, MilestoneInput{Name: "Free", Amount: 0}); !errors.Is(err, ErrValidation) {
		t.Fatalf("zero milestone: expected validation, got %v", err)
	}
	d, err = h.engine.Finalize(ctx, PartyActor(sellerHandle), d.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if d.TotalAmount != money.MustParse("25.50") || d.TotalAmount != deal.Sum(h.store.milestones(d.ID)) {
		t.Fatalf("total %s does not match milestones", d.TotalAmount)
	}
}

func TestRefundMilestone_SettlesProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := h.admin(t)
	d, ms := h.project(t, "60.00", "40.00")
	h.fund(t, ms[0])
	h.fund(t, ms[1])

	if _, err := h.engine.ReleaseMilestone(ctx, PartyActor(sellerHandle), ms[0].ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := h.engine.RefundMilestone(ctx, admin, ms[0].ID, "oops"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("refund released milestone: expected invalid state, got %v", err)
	}
	m, err := h.engine.RefundMilestone(ctx, admin, ms[1].ID, "contractor left")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !m.Released || m.RefundedAt == nil {
		t.Fatalf("expected released and refunded marker, got %+v", m)
	}
	if got := h.store.deal(t, d.ID); got.Status != deal.StatusCompleted {
		t.Fatalf("project with a paid milestone should complete, got %s", got.Status)
	}
}

func TestRefundDeal_ProjectRefundsHeldMilestones(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, ms := h.project(t, "10.00", "20.00", "30.00")
	h.fund(t, ms[0])
	h.fund(t, ms[1])

	got, err := h.engine.RefundDeal(ctx, h.admin(t), d.ID, "cancelled by owner")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got.Status != deal.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	_, refunds := h.gw.snapshot()
	if len(refunds) != 2 {
		t.Fatalf("expected two milestone refunds, got %d", len(refunds))
	}
	for _, m := range h.store.milestones(d.ID)[:2] {
		if !m.Released || m.RefundedAt == nil {
			t.Errorf("milestone %d not marked refunded", m.ID)
		}
	}
}

func TestParseMilestones(t *testing.T) {
	got, err := ParseMilestones("Design: 50\n\n  Build: 120.50 \nLaunch:30.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []MilestoneInput{
		{Name: "Design", Amount: money.MustParse("50.00")},
		{Name: "Build", Amount: money.MustParse("120.50")},
		{Name: "Launch", Amount: money.MustParse("30.50")},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d milestones, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("milestone %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	for _, bad := range []string{"", "Design 50", "Design: 1.234", ": 10", "Design: 0"} {
		if _, err := ParseMilestones(bad); !errors.Is(err, ErrValidation) {
			t.Errorf("ParseMilestones(%q): expected validation, got %v", bad, err)
		}
	}
}
