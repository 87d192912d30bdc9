package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicate signals that the reviewer already rated this deal.
	ErrDuplicate   = errors.New("review: already submitted for this deal")
	ErrRatingRange = errors.New("review: rating must be between 1 and 5")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, rev Review) (Review, error) {
	if rev.Rating < MinRating || rev.Rating > MaxRating {
		return Review{}, ErrRatingRange
	}
	const query = `
		INSERT INTO reviews (deal_id, reviewer_id, reviewee_id, rating, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, deal_id, reviewer_id, reviewee_id, rating, comment, created_at
	`
	out, err := scanReview(tx.QueryRow(ctx, query, rev.DealID, rev.ReviewerID, rev.RevieweeID, rev.Rating, rev.Comment))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Review{}, ErrDuplicate
		}
		return Review{}, fmt.Errorf("review: create: %w", err)
	}
	return out, nil
}

// StatsFor returns count and average rating received by the party, plus the latest few reviews.
func (r *Repository) StatsFor(ctx context.Context, tx pgx.Tx, revieweeID int64, recent int) (Stats, error) {
	var (
		st  Stats
		avg *float64
	)
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*), AVG(rating)::float8 FROM reviews WHERE reviewee_id = $1
	`, revieweeID).Scan(&st.Count, &avg); err != nil {
		return Stats{}, fmt.Errorf("review: stats: %w", err)
	}
	if avg != nil {
		st.Average = *avg
	}
	if recent <= 0 || st.Count == 0 {
		return st, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, deal_id, reviewer_id, reviewee_id, rating, comment, created_at
		FROM reviews
		WHERE reviewee_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, revieweeID, recent)
	if err != nil {
		return Stats{}, fmt.Errorf("review: recent: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rev, err := scanReview(rows)
		if err != nil {
			return Stats{}, fmt.Errorf("review: scan: %w", err)
		}
		st.Recent = append(st.Recent, rev)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("review: iterate: %w", err)
	}
	return st, nil
}

func scanReview(row pgx.Row) (Review, error) {
	var rev Review
	err := row.Scan(&rev.ID, &rev.DealID, &rev.ReviewerID, &rev.RevieweeID, &rev.Rating, &rev.Comment, &rev.CreatedAt)
	return rev, err
}
