package party

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound signals that no party matches the lookup.
var ErrNotFound = errors.New("party: not found")

const partyColumns = `id, handle, username, verified, free_trade_credits, payout_account, created_at, updated_at`

// Repository reads and writes parties inside a caller-owned transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Ensure creates the party on first sight and refreshes a changed username.
func (r *Repository) Ensure(ctx context.Context, tx pgx.Tx, handle int64, username string) (Party, error) {
	const query = `
		INSERT INTO parties (handle, username)
		VALUES ($1, $2)
		ON CONFLICT (handle) DO UPDATE
		SET username = COALESCE(NULLIF(EXCLUDED.username, ''), parties.username),
		    updated_at = CASE WHEN EXCLUDED.username <> '' AND EXCLUDED.username <> parties.username
		                      THEN now() ELSE parties.updated_at END
		RETURNING ` + partyColumns

	p, err := scanParty(tx.QueryRow(ctx, query, handle, username))
	if err != nil {
		return Party{}, fmt.Errorf("party: ensure: %w", err)
	}
	return p, nil
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id int64) (Party, error) {
	return r.get(ctx, tx, `SELECT `+partyColumns+` FROM parties WHERE id = $1`, id)
}

// GetForUpdate locks the party row until the transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Party, error) {
	return r.get(ctx, tx, `SELECT `+partyColumns+` FROM parties WHERE id = $1 FOR UPDATE`, id)
}

func (r *Repository) GetByHandle(ctx context.Context, tx pgx.Tx, handle int64) (Party, error) {
	return r.get(ctx, tx, `SELECT `+partyColumns+` FROM parties WHERE handle = $1`, handle)
}

func (r *Repository) GetByHandleForUpdate(ctx context.Context, tx pgx.Tx, handle int64) (Party, error) {
	return r.get(ctx, tx, `SELECT `+partyColumns+` FROM parties WHERE handle = $1 FOR UPDATE`, handle)
}

func (r *Repository) get(ctx context.Context, tx pgx.Tx, query string, arg int64) (Party, error) {
	p, err := scanParty(tx.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrNotFound
		}
		return Party{}, fmt.Errorf("party: get: %w", err)
	}
	return p, nil
}

// Update persists the mutable fields: verified flag, credits and payout account.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, p Party) error {
	tag, err := tx.Exec(ctx, `
		UPDATE parties
		SET verified = $2,
		    free_trade_credits = $3,
		    payout_account = $4,
		    updated_at = now()
		WHERE id = $1
	`, p.ID, p.Verified, p.FreeTradeCredits, p.PayoutAccount)
	if err != nil {
		return fmt.Errorf("party: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanParty(row pgx.Row) (Party, error) {
	var p Party
	err := row.Scan(
		&p.ID,
		&p.Handle,
		&p.Username,
		&p.Verified,
		&p.FreeTradeCredits,
		&p.PayoutAccount,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
