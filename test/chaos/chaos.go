// Package chaos injects connection failures into a running stress test.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates random backends of the stress database. Rolled back
// transactions must leave deals, deadlines and the outbox consistent.
type Killer struct {
	Pool     *pgxpool.Pool
	Every    time.Duration
	Odds     int // one in Odds ticks actually kills
	Killed   atomic.Int64
	randIntn func(int) int
}

func NewKiller(pool *pgxpool.Pool) *Killer {
	return &Killer{Pool: pool, Every: 2 * time.Second, Odds: 5, randIntn: rand.Intn}
}

// Run kills until ctx is cancelled or stop is closed.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(k.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if k.Odds > 1 && k.randIntn(k.Odds) != 0 {
				continue
			}
			var n int64
			err := k.Pool.QueryRow(ctx, `
				SELECT count(*) FROM (
					SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database()
					  AND pid <> pg_backend_pid()
					  AND state IN ('active', 'idle in transaction')
					ORDER BY random() LIMIT 1
				) t`).Scan(&n)
			if err == nil {
				k.Killed.Add(n)
			}
		}
	}
}
