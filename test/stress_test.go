package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowbot/deadline"
	"escrowbot/engine"
	"escrowbot/store"
	"escrowbot/test/actors"
	"escrowbot/test/chaos"
	"escrowbot/test/infra"
	"escrowbot/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flImage       = flag.String("image", "postgres:16", "container image when Docker is available")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	if os.Getenv("STRESS_TEST") == "" && *flDSN == "" && os.Getenv("STRESS_TEST_PG_DSN") == "" {
		t.Skip("set STRESS_TEST=1, STRESS_TEST_PG_DSN or -dsn to run the stress test")
	}
	seed := *flSeed
	seedRNG(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	dsn, shared, pgC := pickDatabase(t, ctx)
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	if err := infra.Reset(ctx, pool); err != nil {
		t.Fatalf("reset: %v", err)
	}

	stats := &actors.Stats{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := mustSeed(t, ctx, pool, stats, logger)
	newSweeper := func() *deadline.Sweeper {
		return deadline.NewSweeper(deadline.NewDueSource(pool), env.Engine, logger, deadline.SweeperConfig{BatchSize: 20})
	}

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Creator(ctx2, env, stop) })
		g.Go(func() error { return actors.Payer(ctx2, env, stop) })
	}
	g.Go(func() error { return actors.Shipper(ctx2, env, stop) })
	g.Go(func() error { return actors.Receiver(ctx2, env, stop) })
	g.Go(func() error { return actors.Disputer(ctx2, env, stop) })
	g.Go(func() error { return actors.Arbiter(ctx2, env, stop) })
	// two sweeper processes claim from the same due rows
	for i := 0; i < 2; i++ {
		s := newSweeper()
		g.Go(func() error { return actors.Sweeper(ctx2, s, stats, stop) })
	}
	killer := chaos.NewKiller(pool)
	go killer.Run(ctx2, stop)

	// schedule oracle checks until duration reached
	until := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(until) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	t.Logf("applied=%d rejected=%d duplicates=%d errors=%d killed=%d (seed=%d)",
		stats.Applied.Load(), stats.Rejected.Load(), stats.Duplicates.Load(), stats.Errors.Load(),
		killer.Killed.Load(), seed)
	if err := stats.LastError(); err != nil {
		t.Logf("last infrastructure error: %v", err)
	}
	if stats.Applied.Load() == 0 {
		t.Fatalf("no transition was applied (seed=%d)", seed)
	}
}

// pickDatabase prefers an explicit DSN, then a container, then a local server.
// shared reports whether the database outlives the run and needs schema isolation.
func pickDatabase(t *testing.T, ctx context.Context) (dsn string, shared bool, pgC *infra.PGContainer) {
	t.Helper()
	if dsn := *flDSN; dsn != "" {
		return dsn, true, &infra.PGContainer{}
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return dsn, true, &infra.PGContainer{}
	}
	if dockerAvailable(ctx) {
		pgC, dsn, err := infra.StartPostgres(ctx, *flImage)
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		return dsn, false, pgC
	}
	dsn, err := infra.InitLocalDatabase(ctx)
	if err != nil {
		t.Fatalf("init local database: %v", err)
	}
	return dsn, false, &infra.PGContainer{}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

const adminHandle = 9_000_000

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, stats *actors.Stats, logger *slog.Logger) actors.Env {
	t.Helper()
	eng := engine.New(store.New(pool), &actors.Gateway{}, engine.Config{
		FeeBasisPoints:  500,
		OfferExpiry:     400 * time.Millisecond,
		ShipBy:          600 * time.Millisecond,
		DeliveryConfirm: 600 * time.Millisecond,
		Admins:          []int64{adminHandle},
	}, logger)

	env := actors.Env{Engine: eng, Pool: pool, Admin: adminHandle, Stats: stats}
	for i := int64(1); i <= 4; i++ {
		seller, buyer := 1_000+i, 2_000+i
		if _, err := eng.ConnectPayoutAccount(ctx, engine.PartyActor(seller)); err != nil {
			t.Fatalf("seed seller %d: %v", seller, err)
		}
		if _, err := eng.EnsureParty(ctx, buyer, fmt.Sprintf("buyer%d", i)); err != nil {
			t.Fatalf("seed buyer %d: %v", buyer, err)
		}
		env.Sellers = append(env.Sellers, seller)
		env.Buyers = append(env.Buyers, buyer)
	}
	return env
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"deals", `SELECT id, status, trade_phase, payment_reference, deadline_id, updated_at FROM deals ORDER BY updated_at DESC LIMIT 50`},
		{"deadlines", `SELECT id, deal_id, kind, state, attempts, fire_at FROM deadlines ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, chat_id, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
