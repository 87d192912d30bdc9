package engine

import (
	"context"

	"escrowbot/deadline"
	"escrowbot/deal"
	"escrowbot/dispute"
	"escrowbot/notify"
	"escrowbot/party"
	"escrowbot/referral"
	"escrowbot/review"
)

// Store runs fn as one unit of work. It commits only when fn returns nil.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view the engine mutates state through.
// Lookups return the owning package's ErrNotFound sentinel when a row is missing.
type Tx interface {
	EnsureParty(ctx context.Context, handle int64, username string) (party.Party, error)
	Party(ctx context.Context, id int64) (party.Party, error)
	PartyByHandle(ctx context.Context, handle int64) (party.Party, error)
	LockParty(ctx context.Context, id int64) (party.Party, error)
	UpdateParty(ctx context.Context, p party.Party) error
	CountCompletedDeals(ctx context.Context, partyID int64) (int, error)

	InsertDeal(ctx context.Context, d deal.Deal) (deal.Deal, error)
	Deal(ctx context.Context, id int64) (deal.Deal, error)
	// LockDeal is the per-deal serialization point.
	LockDeal(ctx context.Context, id int64) (deal.Deal, error)
	UpdateDeal(ctx context.Context, d deal.Deal) error
	DealsForParty(ctx context.Context, partyID int64, limit int) ([]deal.Deal, error)
	InsertMilestone(ctx context.Context, m deal.Milestone) (deal.Milestone, error)
	Milestone(ctx context.Context, id int64) (deal.Milestone, error)
	Milestones(ctx context.Context, dealID int64) ([]deal.Milestone, error)
	UpdateMilestone(ctx context.Context, m deal.Milestone) error

	deadline.Store
	Deadline(ctx context.Context, id string) (deadline.Deadline, error)

	InsertDispute(ctx context.Context, rec dispute.Record) (dispute.Record, error)
	Disputes(ctx context.Context, dealID int64) ([]dispute.Record, error)
	InsertReview(ctx context.Context, rev review.Review) (review.Review, error)
	ReviewStats(ctx context.Context, revieweeID int64, recent int) (review.Stats, error)
	InsertReferral(ctx context.Context, ref referral.Referral) (referral.Referral, error)
	LockReferralFor(ctx context.Context, referredID int64) (referral.Referral, error)
	MarkReferralClaimed(ctx context.Context, id int64) error

	// ReserveEvent records a processed payment event id and returns
	// ErrDuplicateEvent when it was recorded before.
	ReserveEvent(ctx context.Context, key string) error
	Enqueue(ctx context.Context, msg notify.Message) error
}
