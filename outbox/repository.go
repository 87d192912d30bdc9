// Package outbox stores notification intents in the same transaction as the
// state change that produced them and drains them to a notifier.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowbot/notify"
)

// Entry is a claimed outbox row.
type Entry struct {
	ID       int64
	Message  notify.Message
	Attempts int
}

// Enqueue writes a message inside the caller's transaction. It becomes
// visible to the dispatcher only if that transaction commits.
func Enqueue(ctx context.Context, tx pgx.Tx, msg notify.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outbox: marshal: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (chat_id, payload)
		VALUES ($1, $2::jsonb)
	`, msg.ChatID, string(payload)); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// PGSource claims and settles outbox rows off the pool.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

func (s *PGSource) Claim(ctx context.Context, limit int, staleAfter time.Duration) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM outbox
			WHERE (status = 'pending' AND next_attempt_at <= now())
			   OR (status = 'processing' AND processing_started_at < now() - ($2 * INTERVAL '1 second'))
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox AS o
		SET status = 'processing',
		    processing_started_at = now(),
		    attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.payload::text, o.attempts
	`, limit, int(staleAfter.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			payload string
		)
		if err := rows.Scan(&e.ID, &payload, &e.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Message); err != nil {
			return nil, fmt.Errorf("outbox: decode %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (s *PGSource) MarkSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'sent', sent_at = now(), processing_started_at = NULL, last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (s *PGSource) MarkFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'pending',
		    next_attempt_at = now() + ($2 * INTERVAL '1 second'),
		    processing_started_at = NULL,
		    last_error = $3
		WHERE id = $1
	`, id, int(retryAfter.Seconds()), reason)
	return err
}

func (s *PGSource) MarkDead(ctx context.Context, id int64, reason string) error {
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'dead', processing_started_at = NULL, last_error = $2
		WHERE id = $1
	`, id, reason)
	return err
}
