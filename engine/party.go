package engine

import (
	"context"
	"errors"
	"strings"

	"escrowbot/deal"
	"escrowbot/party"
	"escrowbot/review"
)

// EnsureParty registers a chat participant on first contact and refreshes
// the stored username.
func (e *Engine) EnsureParty(ctx context.Context, handle int64, username string) (party.Party, error) {
	var out party.Party
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.EnsureParty(ctx, handle, strings.TrimPrefix(username, "@"))
		return err
	})
	return out, err
}

// ConnectPayoutAccount returns an onboarding link for the actor's payout
// account, creating the account on first use.
func (e *Engine) ConnectPayoutAccount(ctx context.Context, actor Actor) (string, error) {
	if actor.role != roleParty {
		return "", reject(ErrUnauthorized, "payout accounts belong to a participant")
	}
	var link string
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.EnsureParty(ctx, actor.Handle, "")
		if err != nil {
			return err
		}
		if p, err = tx.LockParty(ctx, p.ID); err != nil {
			return lookupErr(err)
		}
		if !p.HasPayoutAccount() {
			account, err := e.gateway.CreatePayoutAccount(ctx)
			if err != nil {
				return &GatewayFailure{Op: "create payout account", Err: err}
			}
			p.PayoutAccount = &account
			if err := tx.UpdateParty(ctx, p); err != nil {
				return err
			}
		}
		link, err = e.gateway.OnboardingLink(ctx, *p.PayoutAccount)
		if err != nil {
			return &GatewayFailure{Op: "onboarding link", Err: err}
		}
		return nil
	})
	return link, err
}

// SubmitReview rates the other side of a completed deal.
func (e *Engine) SubmitReview(ctx context.Context, actor Actor, dealID int64, rating int, comment string) (review.Review, error) {
	if actor.role != roleParty {
		return review.Review{}, reject(ErrUnauthorized, "reviews are written by a participant")
	}
	if rating < review.MinRating || rating > review.MaxRating {
		return review.Review{}, reject(ErrValidation, "rating must be between %d and %d", review.MinRating, review.MaxRating)
	}
	var out review.Review
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		reviewer, err := tx.PartyByHandle(ctx, actor.Handle)
		if err != nil {
			if errors.Is(err, party.ErrNotFound) {
				return reject(ErrUnauthorized, "you are not part of this deal")
			}
			return err
		}
		d, err := tx.Deal(ctx, dealID)
		if err != nil {
			return lookupErr(err)
		}
		if !d.Involves(reviewer.ID) {
			return reject(ErrUnauthorized, "you are not part of this deal")
		}
		if d.Status != deal.StatusCompleted {
			return reject(ErrInvalidState, "only completed deals can be reviewed")
		}
		out, err = tx.InsertReview(ctx, review.Review{
			DealID:     d.ID,
			ReviewerID: reviewer.ID,
			RevieweeID: d.Other(reviewer.ID),
			Rating:     rating,
			Comment:    strings.TrimSpace(comment),
		})
		if errors.Is(err, review.ErrDuplicate) {
			return reject(ErrValidation, "you already reviewed this deal")
		}
		return err
	})
	return out, err
}

// Profile is a party's public reputation.
type Profile struct {
	Party          party.Party
	CompletedDeals int
	Reviews        review.Stats
}

func (e *Engine) Profile(ctx context.Context, handle int64) (Profile, error) {
	var out Profile
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.PartyByHandle(ctx, handle)
		if err != nil {
			return lookupErr(err)
		}
		completed, err := tx.CountCompletedDeals(ctx, p.ID)
		if err != nil {
			return err
		}
		stats, err := tx.ReviewStats(ctx, p.ID, 3)
		if err != nil {
			return err
		}
		out = Profile{Party: p, CompletedDeals: completed, Reviews: stats}
		return nil
	})
	return out, err
}
