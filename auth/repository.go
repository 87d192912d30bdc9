package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrOperatorNotFound = errors.New("auth: operator not found")
	// ErrDuplicateUsername signals the unique username constraint.
	ErrDuplicateUsername = errors.New("auth: username already exists")
)

type Repository interface {
	CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error)
	GetOperatorByUsername(ctx context.Context, username string) (Operator, error)
}

type CreateOperatorParams struct {
	Username     string
	PasswordHash string
	Handle       int64
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const operatorColumns = `id, username, password_hash, handle, created_at`

func (r *PGRepository) CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error) {
	const insertSQL = `
		INSERT INTO operators (username, password_hash, handle)
		VALUES ($1, $2, $3)
		RETURNING ` + operatorColumns

	op, err := scanOperator(r.pool.QueryRow(ctx, insertSQL, params.Username, params.PasswordHash, params.Handle))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Operator{}, ErrDuplicateUsername
		}
		return Operator{}, fmt.Errorf("auth: create operator: %w", err)
	}
	return op, nil
}

func (r *PGRepository) GetOperatorByUsername(ctx context.Context, username string) (Operator, error) {
	op, err := scanOperator(r.pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, ErrOperatorNotFound
		}
		return Operator{}, fmt.Errorf("auth: get operator: %w", err)
	}
	return op, nil
}

func scanOperator(row pgx.Row) (Operator, error) {
	var op Operator
	if err := row.Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Handle, &op.CreatedAt); err != nil {
		return Operator{}, err
	}
	return op, nil
}
