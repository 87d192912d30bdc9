package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("deadline: not found")

const deadlineColumns = `id::text, deal_id, kind, fire_at, state, attempts, last_error, created_at`

// Repository holds the statements used inside engine transactions.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Deadline) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO deadlines (id, deal_id, kind, fire_at, state, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6)
	`, d.ID, d.DealID, d.Kind, d.FireAt, d.State, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("deadline: insert: %w", err)
	}
	return nil
}

// Cancel is a no-op for deadlines that already fired or were cancelled.
func (r *Repository) Cancel(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `
		UPDATE deadlines SET state = 'cancelled'
		WHERE id = $1::uuid AND state IN ('pending', 'firing')
	`, id)
	if err != nil {
		return fmt.Errorf("deadline: cancel: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Deadline, error) {
	d, err := scanDeadline(tx.QueryRow(ctx, `SELECT `+deadlineColumns+` FROM deadlines WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deadline{}, ErrNotFound
		}
		return Deadline{}, fmt.Errorf("deadline: get: %w", err)
	}
	return d, nil
}

// PGDueSource claims due deadlines for the sweeper straight off the pool.
type PGDueSource struct {
	pool *pgxpool.Pool
}

func NewDueSource(pool *pgxpool.Pool) *PGDueSource {
	return &PGDueSource{pool: pool}
}

// ClaimDue moves up to limit due deadlines to firing. Rows stuck in firing
// longer than staleAfter are reclaimed, which is what makes delivery
// at-least-once across a crash.
func (s *PGDueSource) ClaimDue(ctx context.Context, limit int, staleAfter time.Duration) ([]Deadline, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM deadlines
			WHERE (state = 'pending' AND fire_at <= now())
			   OR (state = 'firing' AND claimed_at < now() - ($2 * INTERVAL '1 second'))
			ORDER BY fire_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE deadlines AS d
		SET state = 'firing',
		    claimed_at = now(),
		    attempts = d.attempts + 1
		FROM candidates
		WHERE d.id = candidates.id
		RETURNING d.id::text, d.deal_id, d.kind, d.fire_at, d.state, d.attempts, d.last_error, d.created_at
	`, limit, int(staleAfter.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("deadline: claim due: %w", err)
	}
	defer rows.Close()

	var out []Deadline
	for rows.Next() {
		d, err := scanDeadline(rows)
		if err != nil {
			return nil, fmt.Errorf("deadline: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deadline: iterate: %w", err)
	}
	return out, nil
}

func (s *PGDueSource) Complete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deadlines SET state = 'fired', claimed_at = NULL, last_error = NULL
		WHERE id = $1::uuid AND state = 'firing'
	`, id)
	if err != nil {
		return fmt.Errorf("deadline: complete: %w", err)
	}
	return nil
}

// Retry hands a claimed deadline back to pending. A deadline cancelled while
// it was firing stays cancelled.
func (s *PGDueSource) Retry(ctx context.Context, id string, after time.Duration, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deadlines
		SET state = 'pending',
		    fire_at = now() + ($2 * INTERVAL '1 second'),
		    claimed_at = NULL,
		    last_error = $3
		WHERE id = $1::uuid AND state = 'firing'
	`, id, int(after.Seconds()), truncate(reason))
	if err != nil {
		return fmt.Errorf("deadline: retry: %w", err)
	}
	return nil
}

func (s *PGDueSource) Fail(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deadlines SET state = 'failed', claimed_at = NULL, last_error = $2
		WHERE id = $1::uuid AND state = 'firing'
	`, id, truncate(reason))
	if err != nil {
		return fmt.Errorf("deadline: fail: %w", err)
	}
	return nil
}

func truncate(reason string) string {
	if len(reason) > 2000 {
		return reason[:2000]
	}
	return reason
}

func scanDeadline(row pgx.Row) (Deadline, error) {
	var d Deadline
	err := row.Scan(&d.ID, &d.DealID, &d.Kind, &d.FireAt, &d.State, &d.Attempts, &d.LastError, &d.CreatedAt)
	return d, err
}
