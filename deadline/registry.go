package deadline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"escrowbot/deal"
)

// Store is the transactional slice of persistence the registry writes through.
type Store interface {
	InsertDeadline(ctx context.Context, d Deadline) error
	CancelDeadline(ctx context.Context, id string) error
}

// Registry keeps the one-live-deadline-per-deal slot. The slot is the deal's
// DeadlineID; callers persist the deal in the same unit of work.
type Registry struct {
	now   func() time.Time
	newID func() string
}

func NewRegistry() *Registry {
	return &Registry{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) WithIDGenerator(gen func() string) *Registry {
	r.newID = gen
	return r
}

// Schedule cancels whatever the deal's slot points at, then records a new
// pending deadline firing after the given delay and points the slot at it.
func (r *Registry) Schedule(ctx context.Context, s Store, d *deal.Deal, kind Kind, after time.Duration) (Deadline, error) {
	if !kind.Valid() {
		return Deadline{}, fmt.Errorf("deadline: unknown kind %q", kind)
	}
	if err := r.Cancel(ctx, s, d); err != nil {
		return Deadline{}, err
	}

	now := r.now().UTC()
	next := Deadline{
		ID:        r.newID(),
		DealID:    d.ID,
		Kind:      kind,
		FireAt:    now.Add(after),
		State:     StatePending,
		CreatedAt: now,
	}
	if err := s.InsertDeadline(ctx, next); err != nil {
		return Deadline{}, fmt.Errorf("deadline: schedule %s: %w", kind, err)
	}
	id := next.ID
	d.DeadlineID = &id
	return next, nil
}

// Cancel marks the slot's deadline cancelled and clears the slot. It is
// advisory: a sweeper already holding the deadline may still fire it, and
// the engine's guards reject that late fire.
func (r *Registry) Cancel(ctx context.Context, s Store, d *deal.Deal) error {
	if d.DeadlineID == nil {
		return nil
	}
	if err := s.CancelDeadline(ctx, *d.DeadlineID); err != nil {
		return fmt.Errorf("deadline: cancel %s: %w", *d.DeadlineID, err)
	}
	d.DeadlineID = nil
	return nil
}
