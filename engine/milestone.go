package engine

import (
	"context"
	"fmt"
	"strings"

	"escrowbot/deal"
	"escrowbot/gateway"
	"escrowbot/money"
	"escrowbot/notify"
)

type ProjectParams struct {
	CounterpartyHandle int64
	Title              string
	Currency           string
	Milestones         []MilestoneInput
}

// CreateProject opens a milestone project owned by the actor. Milestones may
// be added until it is finalized.
func (e *Engine) CreateProject(ctx context.Context, actor Actor, p ProjectParams) (deal.Deal, error) {
	if actor.role != roleParty {
		return deal.Deal{}, reject(ErrUnauthorized, "projects are created by a participant")
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return deal.Deal{}, reject(ErrValidation, "a project needs a title")
	}
	for _, in := range p.Milestones {
		if err := in.validate(); err != nil {
			return deal.Deal{}, err
		}
	}
	currency, err := e.currency(p.Currency)
	if err != nil {
		return deal.Deal{}, err
	}

	var out deal.Deal
	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		owner, err := tx.EnsureParty(ctx, actor.Handle, "")
		if err != nil {
			return err
		}
		contractor, err := counterpartyFor(ctx, tx, p.CounterpartyHandle)
		if err != nil {
			return err
		}
		if contractor.ID == owner.ID {
			return reject(ErrValidation, "you cannot hire yourself")
		}
		d, err := tx.InsertDeal(ctx, deal.Deal{
			InitiatorID:    owner.ID,
			CounterpartyID: contractor.ID,
			Title:          title,
			Currency:       currency,
			Type:           deal.TypeMilestone,
			Status:         deal.StatusPending,
			Phase:          deal.PhaseNone,
		})
		if err != nil {
			return err
		}
		for _, in := range p.Milestones {
			m, err := tx.InsertMilestone(ctx, deal.Milestone{DealID: d.ID, Name: in.Name, Amount: in.Amount})
			if err != nil {
				return err
			}
			d.TotalAmount += m.Amount
		}
		if err := tx.UpdateDeal(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

func (e *Engine) AddMilestone(ctx context.Context, actor Actor, dealID int64, in MilestoneInput) (deal.Milestone, error) {
	if err := in.validate(); err != nil {
		return deal.Milestone{}, err
	}
	var m deal.Milestone
	_, err := e.run(ctx, actor, dealID, TriggerAddMilestone, func(ctx context.Context, o *op) error {
		var err error
		m, err = o.tx.InsertMilestone(ctx, deal.Milestone{DealID: o.deal.ID, Name: in.Name, Amount: in.Amount})
		if err != nil {
			return err
		}
		ms, err := o.tx.Milestones(ctx, o.deal.ID)
		if err != nil {
			return err
		}
		o.deal.TotalAmount = deal.Sum(ms)
		return nil
	})
	return m, err
}

// Finalize fixes the project's milestones and total amount.
func (e *Engine) Finalize(ctx context.Context, actor Actor, dealID int64) (deal.Deal, error) {
	return e.run(ctx, actor, dealID, TriggerFinalize, func(ctx context.Context, o *op) error {
		ms, err := o.tx.Milestones(ctx, o.deal.ID)
		if err != nil {
			return err
		}
		if len(ms) == 0 {
			return reject(ErrValidation, "add at least one milestone before finalizing")
		}
		now := o.e.now().UTC()
		o.deal.TotalAmount = deal.Sum(ms)
		o.deal.FinalizedAt = &now
		owner, err := o.initiator(ctx)
		if err != nil {
			return err
		}
		return o.notify(ctx, o.deal.CounterpartyID, msgProjectFinalized(o.deal, owner, len(ms)),
			notify.Action{Label: "📋 View project", Data: fmt.Sprintf("project:%d", o.deal.ID)},
		)
	})
}

// DepositMilestone opens a checkout for one unfunded milestone.
func (e *Engine) DepositMilestone(ctx context.Context, actor Actor, milestoneID int64) (gateway.Checkout, error) {
	var checkout gateway.Checkout
	_, err := e.runMilestone(ctx, actor, milestoneID, TriggerDepositMilestone, func(ctx context.Context, o *op, m *deal.Milestone) error {
		if m.Funded() || m.Released {
			return reject(ErrInvalidState, "milestone %q is already funded", m.Name)
		}
		var err error
		checkout, err = o.e.gateway.Collect(ctx, gateway.CollectRequest{
			Amount:      m.Amount,
			Currency:    o.deal.Currency,
			Description: fmt.Sprintf("%s: %s", o.deal.Title, m.Name),
			Metadata: map[string]string{
				gateway.MetaDealID:      fmt.Sprint(o.deal.ID),
				gateway.MetaMilestoneID: fmt.Sprint(m.ID),
			},
			TransferGroup: transferGroup(o.deal.ID),
		})
		if err != nil {
			return &GatewayFailure{Op: "collect", Err: err}
		}
		return nil
	})
	return checkout, err
}

// ReleaseMilestone pays a funded milestone to the contractor. Releasing the
// last one completes the project.
func (e *Engine) ReleaseMilestone(ctx context.Context, actor Actor, milestoneID int64) (deal.Milestone, error) {
	return e.runMilestone(ctx, actor, milestoneID, TriggerReleaseMilestone, func(ctx context.Context, o *op, m *deal.Milestone) error {
		if m.Released {
			return reject(ErrInvalidState, "milestone %q was already released", m.Name)
		}
		if !m.Funded() {
			return reject(ErrInvalidState, "milestone %q is not funded yet", m.Name)
		}
		contractor, err := o.counterparty(ctx)
		if err != nil {
			return err
		}
		ref, err := o.transfer(ctx, contractor, m.Amount, fmt.Sprintf("milestone-%d-release", m.ID))
		if err != nil {
			return err
		}
		m.TransferReference = &ref
		m.Released = true
		if err := o.tx.UpdateMilestone(ctx, *m); err != nil {
			return err
		}
		if err := o.notifyBoth(ctx, msgMilestoneReleased(o.deal, *m)); err != nil {
			return err
		}
		return o.settleProject(ctx)
	})
}

// runMilestone is run for transitions addressed by milestone. fn receives the
// milestone as read under the deal lock and persists any change to it.
func (e *Engine) runMilestone(ctx context.Context, actor Actor, milestoneID int64, trig Trigger, fn func(ctx context.Context, o *op, m *deal.Milestone) error) (deal.Milestone, error) {
	var out deal.Milestone
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		m, err := tx.Milestone(ctx, milestoneID)
		if err != nil {
			return lookupErr(err)
		}
		o, err := e.open(ctx, tx, actor, m.DealID)
		if err != nil {
			return err
		}
		if err := o.check(trig); err != nil {
			return err
		}
		if m, err = tx.Milestone(ctx, milestoneID); err != nil {
			return lookupErr(err)
		}
		if err := fn(ctx, o, &m); err != nil {
			return err
		}
		if err := tx.UpdateDeal(ctx, o.deal); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// settleProject closes the project once every milestone is released. It
// completes if any milestone paid the contractor and is cancelled otherwise.
func (o *op) settleProject(ctx context.Context) error {
	ms, err := o.tx.Milestones(ctx, o.deal.ID)
	if err != nil {
		return err
	}
	if !deal.AllReleased(ms) {
		return nil
	}
	for _, m := range ms {
		if m.Transferred() {
			if err := o.complete(ctx); err != nil {
				return err
			}
			return o.notifyBoth(ctx, msgProjectCompleted(o.deal))
		}
	}
	o.deal.Status = deal.StatusCancelled
	return nil
}

type MilestoneInput struct {
	Name   string
	Amount money.Amount
}

func (in MilestoneInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return reject(ErrValidation, "a milestone needs a name")
	}
	if !in.Amount.Positive() {
		return reject(ErrValidation, "milestone %q must have an amount greater than zero", in.Name)
	}
	return nil
}
