package deadline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"escrowbot/retry"
)

// DueSource hands out due deadlines and records how firing went.
type DueSource interface {
	ClaimDue(ctx context.Context, limit int, staleAfter time.Duration) ([]Deadline, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, after time.Duration, reason string) error
	Fail(ctx context.Context, id string, reason string) error
}

// Firer applies a deadline's transition. A nil error means the deadline is
// done with, including when the deal had already moved on.
type Firer interface {
	FireDeadline(ctx context.Context, d Deadline) error
}

type SweeperConfig struct {
	Schedule    string
	BatchSize   int
	StaleAfter  time.Duration
	MaxAttempts int
}

// Sweeper polls persisted deadlines on a cron schedule. Because it starts
// with an immediate sweep, deadlines that expired while the process was
// down fire on startup.
type Sweeper struct {
	source DueSource
	firer  Firer
	logger *slog.Logger
	cfg    SweeperConfig
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
}

func NewSweeper(source DueSource, firer Firer, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Sweeper{
		source: source,
		firer:  firer,
		logger: logger,
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
	}
}

// Run sweeps once, then on every tick of the schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("initial deadline sweep failed", "error", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("deadline sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}
	s.logger.Info("scheduled deadline sweeper", "schedule", s.cfg.Schedule)
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// SweepOnce fires every currently due deadline and returns how many were claimed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	due, err := s.source.ClaimDue(ctx, s.cfg.BatchSize, s.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}
	for _, d := range due {
		s.fire(ctx, d)
	}
	return len(due), nil
}

func (s *Sweeper) fire(ctx context.Context, d Deadline) {
	log := s.logger.With("deadline_id", d.ID, "deal_id", d.DealID, "kind", string(d.Kind), "attempt", d.Attempts)

	err := s.firer.FireDeadline(ctx, d)
	if err == nil {
		if err := s.source.Complete(ctx, d.ID); err != nil {
			log.Error("mark deadline fired", "error", err)
		}
		return
	}

	if d.Attempts >= s.cfg.MaxAttempts {
		log.Error("deadline abandoned after repeated failures", "error", err)
		if ferr := s.source.Fail(ctx, d.ID, err.Error()); ferr != nil {
			log.Error("mark deadline failed", "error", ferr)
		}
		return
	}

	delay := retry.Delay(d.Attempts)
	log.Warn("deadline fire failed, will retry", "error", err, "retry_in", delay)
	if rerr := s.source.Retry(ctx, d.ID, delay, err.Error()); rerr != nil {
		log.Error("reschedule deadline", "error", rerr)
	}
}
