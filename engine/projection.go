package engine

import (
	"context"
	"errors"

	"escrowbot/deadline"
	"escrowbot/deal"
	"escrowbot/dispute"
	"escrowbot/party"
)

// Projection is the read model of one deal shown to its parties and admins.
type Projection struct {
	Deal         deal.Deal
	Milestones   []deal.Milestone
	Initiator    party.Party
	Counterparty party.Party
	Deadline     *deadline.Deadline
	Disputes     []dispute.Record
}

// Dashboard returns the deal as seen by an involved party or an admin.
func (e *Engine) Dashboard(ctx context.Context, actor Actor, dealID int64) (Projection, error) {
	var out Projection
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		d, err := tx.Deal(ctx, dealID)
		if err != nil {
			return lookupErr(err)
		}
		if !actor.IsAdmin() && !actor.IsSystem() {
			p, err := tx.PartyByHandle(ctx, actor.Handle)
			if err != nil && !errors.Is(err, party.ErrNotFound) {
				return err
			}
			if err != nil || !d.Involves(p.ID) {
				return reject(ErrUnauthorized, "you are not part of this deal")
			}
		}
		out = Projection{Deal: d}
		if out.Initiator, err = tx.Party(ctx, d.InitiatorID); err != nil {
			return err
		}
		if out.Counterparty, err = tx.Party(ctx, d.CounterpartyID); err != nil {
			return err
		}
		if d.Type == deal.TypeMilestone {
			if out.Milestones, err = tx.Milestones(ctx, d.ID); err != nil {
				return err
			}
		}
		if d.DeadlineID != nil {
			dl, err := tx.Deadline(ctx, *d.DeadlineID)
			switch {
			case err == nil:
				out.Deadline = &dl
			case !errors.Is(err, deadline.ErrNotFound):
				return err
			}
		}
		out.Disputes, err = tx.Disputes(ctx, d.ID)
		return err
	})
	return out, err
}

// DealsFor lists the actor's most recent deals.
func (e *Engine) DealsFor(ctx context.Context, actor Actor, limit int) ([]deal.Deal, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	var out []deal.Deal
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.PartyByHandle(ctx, actor.Handle)
		if err != nil {
			if errors.Is(err, party.ErrNotFound) {
				return nil
			}
			return err
		}
		out, err = tx.DealsForParty(ctx, p.ID, limit)
		return err
	})
	return out, err
}
