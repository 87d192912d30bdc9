package referral

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound       = errors.New("referral: not found")
	ErrAlreadyClaimed = errors.New("referral: reward already claimed")
	// ErrAlreadyReferred signals the unique referred_id constraint.
	ErrAlreadyReferred = errors.New("referral: party already referred")
	ErrSelfReferral    = errors.New("referral: cannot refer yourself")
	ErrBadCode         = errors.New("referral: malformed code")
)

const referralColumns = `id, referrer_id, referred_id, reward_claimed, created_at, claimed_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, ref Referral) (Referral, error) {
	if ref.ReferrerID == ref.ReferredID {
		return Referral{}, ErrSelfReferral
	}
	out, err := scanReferral(tx.QueryRow(ctx, `
		INSERT INTO referrals (referrer_id, referred_id)
		VALUES ($1, $2)
		RETURNING `+referralColumns, ref.ReferrerID, ref.ReferredID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Referral{}, ErrAlreadyReferred
		}
		return Referral{}, fmt.Errorf("referral: create: %w", err)
	}
	return out, nil
}

// GetByReferredForUpdate locks the referral of a referred party so that
// concurrent completions observe the claim one at a time.
func (r *Repository) GetByReferredForUpdate(ctx context.Context, tx pgx.Tx, referredID int64) (Referral, error) {
	ref, err := scanReferral(tx.QueryRow(ctx, `
		SELECT `+referralColumns+` FROM referrals WHERE referred_id = $1 FOR UPDATE
	`, referredID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Referral{}, ErrNotFound
		}
		return Referral{}, fmt.Errorf("referral: get: %w", err)
	}
	return ref, nil
}

// MarkClaimed flips the reward flag. The WHERE clause keeps it one-way even
// without the row lock.
func (r *Repository) MarkClaimed(ctx context.Context, tx pgx.Tx, id int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE referrals SET reward_claimed = true, claimed_at = now()
		WHERE id = $1 AND reward_claimed = false
	`, id)
	if err != nil {
		return fmt.Errorf("referral: mark claimed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// ParseCode extracts the referrer handle from a "ref_<handle>" deep-link payload.
func ParseCode(payload string) (int64, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(payload), CodePrefix)
	if !ok || rest == "" {
		return 0, ErrBadCode
	}
	handle, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || handle <= 0 {
		return 0, ErrBadCode
	}
	return handle, nil
}

// Code builds the deep-link payload for a referrer.
func Code(referrerHandle int64) string {
	return CodePrefix + strconv.FormatInt(referrerHandle, 10)
}

func scanReferral(row pgx.Row) (Referral, error) {
	var ref Referral
	err := row.Scan(&ref.ID, &ref.ReferrerID, &ref.ReferredID, &ref.RewardClaimed, &ref.CreatedAt, &ref.ClaimedAt)
	return ref, err
}
