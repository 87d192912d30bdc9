package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound          = errors.New("deal: not found")
	ErrMilestoneNotFound = errors.New("deal: milestone not found")
)

const dealColumns = `id, initiator_id, counterparty_id, title, currency, total_amount, deal_type,
	status, trade_phase, payment_reference, fee_amount, offer_sent_at, finalized_at,
	admin_notes, deadline_id::text, created_at, updated_at`

const milestoneColumns = `id, deal_id, name, amount, payment_reference, transfer_reference, released, refunded_at, created_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error) {
	query := `
		INSERT INTO deals (initiator_id, counterparty_id, title, currency, total_amount, deal_type, status, trade_phase, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + dealColumns

	out, err := scanDeal(tx.QueryRow(ctx, query,
		d.InitiatorID, d.CounterpartyID, d.Title, d.Currency, d.TotalAmount,
		d.Type, d.Status, phaseArg(d.Phase), d.FinalizedAt,
	))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id int64) (Deal, error) {
	return r.get(ctx, tx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
}

// GetForUpdate locks the deal row. Every guarded transition goes through
// here, which serializes concurrent triggers on the same deal.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Deal, error) {
	return r.get(ctx, tx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id)
}

func (r *Repository) get(ctx context.Context, tx pgx.Tx, query string, id int64) (Deal, error) {
	d, err := scanDeal(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: get: %w", err)
	}
	return d, nil
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, d Deal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE deals
		SET total_amount = $2,
		    status = $3,
		    trade_phase = $4,
		    payment_reference = $5,
		    fee_amount = $6,
		    offer_sent_at = $7,
		    finalized_at = $8,
		    admin_notes = $9,
		    deadline_id = $10::uuid,
		    updated_at = now()
		WHERE id = $1
	`, d.ID, d.TotalAmount, d.Status, phaseArg(d.Phase), d.PaymentReference, d.FeeAmount,
		d.OfferSentAt, d.FinalizedAt, d.AdminNotes, d.DeadlineID)
	if err != nil {
		return fmt.Errorf("deal: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountCompleted counts completed deals in which the party took part on either side.
func (r *Repository) CountCompleted(ctx context.Context, tx pgx.Tx, partyID int64) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM deals
		WHERE status = 'completed' AND (initiator_id = $1 OR counterparty_id = $1)
	`, partyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("deal: count completed: %w", err)
	}
	return n, nil
}

// ListForParty returns the most recent deals of a party, newest first.
func (r *Repository) ListForParty(ctx context.Context, tx pgx.Tx, partyID int64, limit int) ([]Deal, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := tx.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE initiator_id = $1 OR counterparty_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, partyID, limit)
	if err != nil {
		return nil, fmt.Errorf("deal: list: %w", err)
	}
	defer rows.Close()

	out := make([]Deal, 0, limit)
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) InsertMilestone(ctx context.Context, tx pgx.Tx, m Milestone) (Milestone, error) {
	out, err := scanMilestone(tx.QueryRow(ctx, `
		INSERT INTO milestones (deal_id, name, amount)
		VALUES ($1, $2, $3)
		RETURNING `+milestoneColumns, m.DealID, m.Name, m.Amount))
	if err != nil {
		return Milestone{}, fmt.Errorf("deal: insert milestone: %w", err)
	}
	return out, nil
}

func (r *Repository) Milestones(ctx context.Context, tx pgx.Tx, dealID int64) ([]Milestone, error) {
	rows, err := tx.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE deal_id = $1 ORDER BY id`, dealID)
	if err != nil {
		return nil, fmt.Errorf("deal: list milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate milestones: %w", err)
	}
	return out, nil
}

func (r *Repository) GetMilestone(ctx context.Context, tx pgx.Tx, id int64) (Milestone, error) {
	m, err := scanMilestone(tx.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("deal: get milestone: %w", err)
	}
	return m, nil
}

func (r *Repository) UpdateMilestone(ctx context.Context, tx pgx.Tx, m Milestone) error {
	tag, err := tx.Exec(ctx, `
		UPDATE milestones
		SET payment_reference = $2,
		    transfer_reference = $3,
		    released = $4,
		    refunded_at = $5
		WHERE id = $1
	`, m.ID, m.PaymentReference, m.TransferReference, m.Released, m.RefundedAt)
	if err != nil {
		return fmt.Errorf("deal: update milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

func phaseArg(p Phase) *string {
	if p == PhaseNone {
		return nil
	}
	s := string(p)
	return &s
}

func scanDeal(row pgx.Row) (Deal, error) {
	var (
		d     Deal
		phase *string
	)
	err := row.Scan(
		&d.ID,
		&d.InitiatorID,
		&d.CounterpartyID,
		&d.Title,
		&d.Currency,
		&d.TotalAmount,
		&d.Type,
		&d.Status,
		&phase,
		&d.PaymentReference,
		&d.FeeAmount,
		&d.OfferSentAt,
		&d.FinalizedAt,
		&d.AdminNotes,
		&d.DeadlineID,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return Deal{}, err
	}
	if phase != nil {
		d.Phase = Phase(*phase)
	}
	return d, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID,
		&m.DealID,
		&m.Name,
		&m.Amount,
		&m.PaymentReference,
		&m.TransferReference,
		&m.Released,
		&m.RefundedAt,
		&m.CreatedAt,
	)
	return m, err
}
