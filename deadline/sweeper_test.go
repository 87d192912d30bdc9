package deadline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeDueSource struct {
	due       []Deadline
	completed []string
	retried   map[string]time.Duration
	failed    []string
}

func (f *fakeDueSource) ClaimDue(ctx context.Context, limit int, staleAfter time.Duration) ([]Deadline, error) {
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeDueSource) Complete(ctx context.Context, id string) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeDueSource) Retry(ctx context.Context, id string, after time.Duration, reason string) error {
	if f.retried == nil {
		f.retried = make(map[string]time.Duration)
	}
	f.retried[id] = after
	return nil
}

func (f *fakeDueSource) Fail(ctx context.Context, id string, reason string) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakeFirer struct {
	mu    sync.Mutex
	errs  map[string]error
	fired []string
}

func (f *fakeFirer) FireDeadline(ctx context.Context, d Deadline) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, d.ID)
	return f.errs[d.ID]
}

func (f *fakeFirer) firedSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepOnceRoutesOutcomes(t *testing.T) {
	source := &fakeDueSource{due: []Deadline{
		{ID: "ok", DealID: 1, Kind: KindShipBy, Attempts: 1},
		{ID: "flaky", DealID: 2, Kind: KindDeliveryConfirm, Attempts: 2},
		{ID: "dead", DealID: 3, Kind: KindShipBy, Attempts: 10},
	}}
	firer := &fakeFirer{errs: map[string]error{
		"flaky": errors.New("gateway unavailable"),
		"dead":  errors.New("gateway unavailable"),
	}}
	sw := NewSweeper(source, firer, discardLogger(), SweeperConfig{MaxAttempts: 10})

	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 claimed, got %d", n)
	}
	if len(firer.fired) != 3 {
		t.Fatalf("expected every claimed deadline fired, got %v", firer.fired)
	}
	if len(source.completed) != 1 || source.completed[0] != "ok" {
		t.Fatalf("unexpected completed set %v", source.completed)
	}
	if delay, ok := source.retried["flaky"]; !ok || delay != 4*time.Second {
		t.Fatalf("expected flaky retried after 4s, got %v (%v)", delay, ok)
	}
	if len(source.failed) != 1 || source.failed[0] != "dead" {
		t.Fatalf("expected dead deadline abandoned, got %v", source.failed)
	}
}

func TestRunSweepsImmediatelyOnStart(t *testing.T) {
	source := &fakeDueSource{due: []Deadline{{ID: "overdue", DealID: 9, Kind: KindOfferExpiry, Attempts: 1}}}
	firer := &fakeFirer{}
	sw := NewSweeper(source, firer, discardLogger(), SweeperConfig{Schedule: "@every 1h"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if len(firer.firedSnapshot()) == 1 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("overdue deadline was not fired on startup")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}
