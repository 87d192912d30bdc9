// Package store backs the engine's unit of work with a Postgres transaction.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowbot/deadline"
	"escrowbot/deal"
	"escrowbot/dispute"
	"escrowbot/engine"
	"escrowbot/notify"
	"escrowbot/outbox"
	"escrowbot/party"
	"escrowbot/referral"
	"escrowbot/review"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Postgres struct {
	pool      TxBeginner
	parties   *party.Repository
	deals     *deal.Repository
	deadlines *deadline.Repository
	disputes  *dispute.Repository
	reviews   *review.Repository
	referrals *referral.Repository
}

func New(pool TxBeginner) *Postgres {
	return &Postgres{
		pool:      pool,
		parties:   party.NewRepository(),
		deals:     deal.NewRepository(),
		deadlines: deadline.NewRepository(),
		disputes:  dispute.NewRepository(),
		reviews:   review.NewRepository(),
		referrals: referral.NewRepository(),
	}
}

// InTx commits only when fn returns nil; any error rolls the whole unit back.
func (s *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	s  *Postgres
	tx pgx.Tx
}

var _ engine.Tx = (*pgTx)(nil)

func (t *pgTx) EnsureParty(ctx context.Context, handle int64, username string) (party.Party, error) {
	return t.s.parties.Ensure(ctx, t.tx, handle, username)
}

func (t *pgTx) Party(ctx context.Context, id int64) (party.Party, error) {
	return t.s.parties.Get(ctx, t.tx, id)
}

func (t *pgTx) PartyByHandle(ctx context.Context, handle int64) (party.Party, error) {
	return t.s.parties.GetByHandle(ctx, t.tx, handle)
}

func (t *pgTx) LockParty(ctx context.Context, id int64) (party.Party, error) {
	return t.s.parties.GetForUpdate(ctx, t.tx, id)
}

func (t *pgTx) UpdateParty(ctx context.Context, p party.Party) error {
	return t.s.parties.Update(ctx, t.tx, p)
}

func (t *pgTx) CountCompletedDeals(ctx context.Context, partyID int64) (int, error) {
	return t.s.deals.CountCompleted(ctx, t.tx, partyID)
}

func (t *pgTx) InsertDeal(ctx context.Context, d deal.Deal) (deal.Deal, error) {
	return t.s.deals.Insert(ctx, t.tx, d)
}

func (t *pgTx) Deal(ctx context.Context, id int64) (deal.Deal, error) {
	return t.s.deals.Get(ctx, t.tx, id)
}

func (t *pgTx) LockDeal(ctx context.Context, id int64) (deal.Deal, error) {
	return t.s.deals.GetForUpdate(ctx, t.tx, id)
}

func (t *pgTx) UpdateDeal(ctx context.Context, d deal.Deal) error {
	return t.s.deals.Update(ctx, t.tx, d)
}

func (t *pgTx) DealsForParty(ctx context.Context, partyID int64, limit int) ([]deal.Deal, error) {
	return t.s.deals.ListForParty(ctx, t.tx, partyID, limit)
}

func (t *pgTx) InsertMilestone(ctx context.Context, m deal.Milestone) (deal.Milestone, error) {
	return t.s.deals.InsertMilestone(ctx, t.tx, m)
}

func (t *pgTx) Milestone(ctx context.Context, id int64) (deal.Milestone, error) {
	return t.s.deals.GetMilestone(ctx, t.tx, id)
}

func (t *pgTx) Milestones(ctx context.Context, dealID int64) ([]deal.Milestone, error) {
	return t.s.deals.Milestones(ctx, t.tx, dealID)
}

func (t *pgTx) UpdateMilestone(ctx context.Context, m deal.Milestone) error {
	return t.s.deals.UpdateMilestone(ctx, t.tx, m)
}

func (t *pgTx) InsertDeadline(ctx context.Context, d deadline.Deadline) error {
	return t.s.deadlines.Insert(ctx, t.tx, d)
}

func (t *pgTx) CancelDeadline(ctx context.Context, id string) error {
	return t.s.deadlines.Cancel(ctx, t.tx, id)
}

func (t *pgTx) Deadline(ctx context.Context, id string) (deadline.Deadline, error) {
	return t.s.deadlines.Get(ctx, t.tx, id)
}

func (t *pgTx) InsertDispute(ctx context.Context, rec dispute.Record) (dispute.Record, error) {
	return t.s.disputes.Create(ctx, t.tx, rec)
}

func (t *pgTx) Disputes(ctx context.Context, dealID int64) ([]dispute.Record, error) {
	return t.s.disputes.ListForDeal(ctx, t.tx, dealID)
}

func (t *pgTx) InsertReview(ctx context.Context, rev review.Review) (review.Review, error) {
	return t.s.reviews.Create(ctx, t.tx, rev)
}

func (t *pgTx) ReviewStats(ctx context.Context, revieweeID int64, recent int) (review.Stats, error) {
	return t.s.reviews.StatsFor(ctx, t.tx, revieweeID, recent)
}

func (t *pgTx) InsertReferral(ctx context.Context, ref referral.Referral) (referral.Referral, error) {
	return t.s.referrals.Create(ctx, t.tx, ref)
}

func (t *pgTx) LockReferralFor(ctx context.Context, referredID int64) (referral.Referral, error) {
	return t.s.referrals.GetByReferredForUpdate(ctx, t.tx, referredID)
}

func (t *pgTx) MarkReferralClaimed(ctx context.Context, id int64) error {
	return t.s.referrals.MarkClaimed(ctx, t.tx, id)
}

// ReserveEvent inserts the event id; the primary key turns a redelivery into
// ErrDuplicateEvent.
func (t *pgTx) ReserveEvent(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
	`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return engine.ErrDuplicateEvent
		}
		return fmt.Errorf("store: reserve event: %w", err)
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, msg notify.Message) error {
	return outbox.Enqueue(ctx, t.tx, msg)
}
