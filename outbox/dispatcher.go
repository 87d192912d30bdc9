package outbox

import (
	"context"
	"log/slog"
	"time"

	"escrowbot/notify"
	"escrowbot/retry"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 2 * time.Second
	defaultStaleProcessing = 2 * time.Minute
	defaultMaxAttempts     = 12
)

// Source is the claim/settle side of the outbox table.
type Source interface {
	Claim(ctx context.Context, limit int, staleAfter time.Duration) ([]Entry, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error
	MarkDead(ctx context.Context, id int64, reason string) error
}

type Dispatcher struct {
	source       Source
	notifier     notify.Notifier
	logger       *slog.Logger
	batchSize    int
	pollInterval time.Duration
	staleAfter   time.Duration
	maxAttempts  int
}

func NewDispatcher(source Source, notifier notify.Notifier, logger *slog.Logger, pollInterval time.Duration) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Dispatcher{
		source:       source,
		notifier:     notifier,
		logger:       logger,
		batchSize:    defaultBatchSize,
		pollInterval: pollInterval,
		staleAfter:   defaultStaleProcessing,
		maxAttempts:  defaultMaxAttempts,
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// FlushOnce delivers one batch and returns how many messages were sent.
func (d *Dispatcher) FlushOnce(ctx context.Context) (int, error) {
	entries, err := d.source.Claim(ctx, d.batchSize, d.staleAfter)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, e := range entries {
		if err := d.notifier.Send(ctx, e.Message); err != nil {
			if e.Attempts >= d.maxAttempts {
				d.logger.Error("dropping undeliverable notification", "outbox_id", e.ID, "chat_id", e.Message.ChatID, "error", err)
				_ = d.source.MarkDead(ctx, e.ID, err.Error())
				continue
			}
			_ = d.source.MarkFailed(ctx, e.ID, retry.Delay(e.Attempts), err.Error())
			continue
		}
		if err := d.source.MarkSent(ctx, e.ID); err != nil {
			d.logger.Error("mark notification sent", "outbox_id", e.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}
