package engine

import (
	"context"
	"errors"
	"strings"

	"escrowbot/party"
	"escrowbot/referral"
)

// rewardReferral grants the referrer a free-trade credit when partyID has just
// completed its first deal. The claim is written before the credit so a
// second completion path claims nothing.
func (o *op) rewardReferral(ctx context.Context, partyID int64) error {
	ref, err := o.tx.LockReferralFor(ctx, partyID)
	if err != nil {
		if errors.Is(err, referral.ErrNotFound) {
			return nil
		}
		return err
	}
	if ref.RewardClaimed {
		return nil
	}
	completed, err := o.tx.CountCompletedDeals(ctx, partyID)
	if err != nil {
		return err
	}
	if completed != 1 {
		return nil
	}
	if err := o.tx.MarkReferralClaimed(ctx, ref.ID); err != nil {
		if errors.Is(err, referral.ErrAlreadyClaimed) {
			return nil
		}
		return err
	}

	referrer, err := o.tx.LockParty(ctx, ref.ReferrerID)
	if err != nil {
		return lookupErr(err)
	}
	referrer.FreeTradeCredits++
	if err := o.tx.UpdateParty(ctx, referrer); err != nil {
		return err
	}
	o.parties[referrer.ID] = referrer

	referred, err := o.party(ctx, partyID)
	if err != nil {
		return err
	}
	o.e.logger.Info("referral reward granted", "referral_id", ref.ID, "referrer_id", referrer.ID, "referred_id", partyID)
	return o.notify(ctx, referrer.ID, msgReferralReward(referred))
}

// RegisterReferral records that handle joined through a referral link. Only a
// party without completed deals can be referred.
func (e *Engine) RegisterReferral(ctx context.Context, handle int64, username, code string) (referral.Referral, error) {
	referrerHandle, err := referral.ParseCode(strings.TrimSpace(code))
	if err != nil {
		return referral.Referral{}, reject(ErrValidation, "that referral link is not valid")
	}
	var out referral.Referral
	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		referrer, err := tx.PartyByHandle(ctx, referrerHandle)
		if err != nil {
			if errors.Is(err, party.ErrNotFound) {
				return reject(ErrNotFound, "the referring user is unknown")
			}
			return err
		}
		referred, err := tx.EnsureParty(ctx, handle, username)
		if err != nil {
			return err
		}
		completed, err := tx.CountCompletedDeals(ctx, referred.ID)
		if err != nil {
			return err
		}
		if completed > 0 {
			return reject(ErrValidation, "referrals only apply to new users")
		}
		out, err = tx.InsertReferral(ctx, referral.Referral{ReferrerID: referrer.ID, ReferredID: referred.ID})
		switch {
		case errors.Is(err, referral.ErrSelfReferral):
			return reject(ErrValidation, "you cannot refer yourself")
		case errors.Is(err, referral.ErrAlreadyReferred):
			return reject(ErrValidation, "you were already referred")
		}
		return err
	})
	return out, err
}
