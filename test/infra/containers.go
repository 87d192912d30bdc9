package infra

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer wraps a throwaway Postgres. The zero value stands for an
// externally managed database and terminates as a no-op.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres starts the given image (postgres:16 when empty) and waits
// until it accepts connections.
func StartPostgres(ctx context.Context, image string) (*PGContainer, string, error) {
	if image == "" {
		image = "postgres:16"
	}
	pgC, err := postgres.Run(ctx, image,
		postgres.WithDatabase("escrow"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("start %s: %w", image, err)
	}
	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable", "application_name=escrow_stress")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("container dsn: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
