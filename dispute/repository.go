package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var ErrEmptyReason = errors.New("dispute: reason is required")

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	if rec.Reason == "" {
		return Record{}, ErrEmptyReason
	}
	const query = `
		INSERT INTO disputes (deal_id, raised_by, reason, evidence_ref)
		VALUES ($1, $2, $3, $4)
		RETURNING id, deal_id, raised_by, reason, evidence_ref, created_at
	`
	out, err := scanRecord(tx.QueryRow(ctx, query, rec.DealID, rec.RaisedBy, rec.Reason, rec.EvidenceRef))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return out, nil
}

func (r *Repository) ListForDeal(ctx context.Context, tx pgx.Tx, dealID int64) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, deal_id, raised_by, reason, evidence_ref, created_at
		FROM disputes
		WHERE deal_id = $1
		ORDER BY created_at DESC, id DESC
	`, dealID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 2)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.DealID, &rec.RaisedBy, &rec.Reason, &rec.EvidenceRef, &rec.CreatedAt)
	return rec, err
}
