// Package engine is the single authority for escrow state changes. Party
// actions, payment confirmations and fired deadlines all enter through the
// same guarded transitions, each run as one unit of work on a locked deal.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"escrowbot/deadline"
	"escrowbot/deal"
	"escrowbot/dispute"
	"escrowbot/gateway"
	"escrowbot/party"
	"escrowbot/referral"
)

type Config struct {
	// FeeBasisPoints is the platform fee in 1/100 of a percent.
	FeeBasisPoints  int64
	DefaultCurrency string
	OfferExpiry     time.Duration
	ShipBy          time.Duration
	DeliveryConfirm time.Duration
	// Admins are the chat handles allowed to act as administrator.
	Admins []int64
}

func (c Config) withDefaults() Config {
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "usd"
	}
	if c.OfferExpiry <= 0 {
		c.OfferExpiry = 24 * time.Hour
	}
	if c.ShipBy <= 0 {
		c.ShipBy = 7 * 24 * time.Hour
	}
	if c.DeliveryConfirm <= 0 {
		c.DeliveryConfirm = 7 * 24 * time.Hour
	}
	return c
}

type Engine struct {
	store     Store
	gateway   gateway.Gateway
	deadlines *deadline.Registry
	cfg       Config
	admins    map[int64]bool
	logger    *slog.Logger
	now       func() time.Time
}

func New(store Store, gw gateway.Gateway, cfg Config, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	admins := make(map[int64]bool, len(cfg.Admins))
	for _, h := range cfg.Admins {
		admins[h] = true
	}
	return &Engine{
		store:     store,
		gateway:   gw,
		deadlines: deadline.NewRegistry(),
		cfg:       cfg,
		admins:    admins,
		logger:    logger,
		now:       time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.deadlines.WithClock(now)
	return e
}

type role int

const (
	roleParty role = iota
	roleAdmin
	roleSystem
)

// Actor identifies who triggers a transition. Admin actors can only be
// minted by Engine.AdminActor.
type Actor struct {
	Handle int64
	role   role
}

// PartyActor is a chat participant acting on their own behalf.
func PartyActor(handle int64) Actor {
	return Actor{Handle: handle, role: roleParty}
}

// SystemActor drives payment confirmations and fired deadlines.
func SystemActor() Actor {
	return Actor{role: roleSystem}
}

// AdminActor returns an administrator actor for a configured admin handle.
func (e *Engine) AdminActor(handle int64) (Actor, error) {
	if !e.admins[handle] {
		return Actor{}, reject(ErrUnauthorized, "not an administrator")
	}
	return Actor{Handle: handle, role: roleAdmin}, nil
}

func (a Actor) IsAdmin() bool  { return a.role == roleAdmin }
func (a Actor) IsSystem() bool { return a.role == roleSystem }

// run locks the deal, checks the trigger's rule and applies fn. The deal as
// left by fn is persisted before commit.
func (e *Engine) run(ctx context.Context, actor Actor, dealID int64, trig Trigger, fn func(ctx context.Context, o *op) error) (deal.Deal, error) {
	var out deal.Deal
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := e.open(ctx, tx, actor, dealID)
		if err != nil {
			return err
		}
		if err := o.check(trig); err != nil {
			return err
		}
		if err := fn(ctx, o); err != nil {
			return err
		}
		if err := tx.UpdateDeal(ctx, o.deal); err != nil {
			return err
		}
		out = o.deal
		return nil
	})
	return out, err
}

func (e *Engine) open(ctx context.Context, tx Tx, actor Actor, dealID int64) (*op, error) {
	d, err := tx.LockDeal(ctx, dealID)
	if err != nil {
		return nil, lookupErr(err)
	}
	o := &op{e: e, tx: tx, actor: actor, deal: d, parties: make(map[int64]party.Party, 2)}
	if actor.role == roleParty {
		p, err := tx.PartyByHandle(ctx, actor.Handle)
		if err != nil {
			if errors.Is(err, party.ErrNotFound) {
				return nil, reject(ErrUnauthorized, "you are not part of this deal")
			}
			return nil, err
		}
		o.actorID = p.ID
		o.parties[p.ID] = p
	}
	return o, nil
}

// lookupErr turns a missing-row sentinel into a NotFound rejection.
func lookupErr(err error) error {
	switch {
	case errors.Is(err, deal.ErrNotFound):
		return reject(ErrNotFound, "deal not found")
	case errors.Is(err, deal.ErrMilestoneNotFound):
		return reject(ErrNotFound, "milestone not found")
	case errors.Is(err, party.ErrNotFound):
		return reject(ErrNotFound, "user not found")
	case errors.Is(err, deadline.ErrNotFound):
		return reject(ErrNotFound, "deadline not found")
	case errors.Is(err, referral.ErrNotFound):
		return reject(ErrNotFound, "referral not found")
	case errors.Is(err, dispute.ErrEmptyReason):
		return reject(ErrValidation, "a dispute needs a reason")
	}
	return err
}
