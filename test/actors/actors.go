package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowbot/deadline"
	"escrowbot/engine"
	"escrowbot/gateway"
	"escrowbot/money"
)

// Stats counts outcomes across all actors. Rejections are expected under
// contention; Errors are infrastructure failures such as killed backends.
type Stats struct {
	Applied    atomic.Int64
	Rejected   atomic.Int64
	Duplicates atomic.Int64
	Errors     atomic.Int64

	mu        sync.Mutex
	lastError error
}

func (s *Stats) record(ctx context.Context, err error) {
	switch {
	case err == nil:
		s.Applied.Add(1)
	case errors.Is(err, engine.ErrDuplicateEvent):
		s.Duplicates.Add(1)
	case engine.IsRejection(err):
		s.Rejected.Add(1)
	case ctx.Err() != nil:
	default:
		s.Errors.Add(1)
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
	}
}

func (s *Stats) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Gateway accepts every call. Ids are unique per call.
type Gateway struct {
	seq atomic.Int64
}

func (g *Gateway) next(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, g.seq.Add(1))
}

func (g *Gateway) Collect(context.Context, gateway.CollectRequest) (gateway.Checkout, error) {
	ref := g.next("cs")
	return gateway.Checkout{Reference: ref, URL: "https://checkout.invalid/" + ref}, nil
}

func (g *Gateway) Transfer(context.Context, gateway.TransferRequest) (string, error) {
	return g.next("tr"), nil
}

func (g *Gateway) Refund(context.Context, gateway.RefundRequest) (string, error) {
	return g.next("re"), nil
}

func (g *Gateway) CreatePayoutAccount(context.Context) (string, error) {
	return g.next("acct"), nil
}

func (g *Gateway) OnboardingLink(_ context.Context, id string) (string, error) {
	return "https://connect.invalid/" + id, nil
}

// Env is what every actor works against.
type Env struct {
	Engine  *engine.Engine
	Pool    *pgxpool.Pool
	Sellers []int64
	Buyers  []int64
	Admin   int64
	Stats   *Stats
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// pick returns a random deal id matching where, or false if none does.
func pick(ctx context.Context, pool *pgxpool.Pool, where string) (int64, bool) {
	var id int64
	err := pool.QueryRow(ctx, `SELECT id FROM deals WHERE `+where+` ORDER BY random() LIMIT 1`).Scan(&id)
	return id, err == nil
}

// Creator drafts trades between random parties and sends the offers.
func Creator(ctx context.Context, env Env, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		seller := env.Sellers[rand.Intn(len(env.Sellers))]
		buyer := env.Buyers[rand.Intn(len(env.Buyers))]
		d, err := env.Engine.CreateTrade(ctx, engine.PartyActor(seller), engine.TradeParams{
			CounterpartyHandle: buyer,
			Title:              "stress item",
			Amount:             money.Amount(1000 + rand.Int63n(50000)),
		})
		env.Stats.record(ctx, err)
		if err == nil {
			_, err = env.Engine.SendOffer(ctx, engine.PartyActor(seller), d.ID)
			env.Stats.record(ctx, err)
		}
		pause(20, 30)
	}
	return nil
}

// Payer delivers checkout confirmations for offered trades. Event ids repeat
// so that redelivery and second payments both occur.
func Payer(ctx context.Context, env Env, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		id, ok := pick(ctx, env.Pool, `deal_type = 'trade' AND status IN ('pending', 'funded') AND offer_sent_at IS NOT NULL`)
		if ok {
			var total money.Amount
			var currency string
			if err := env.Pool.QueryRow(ctx, `SELECT total_amount, currency FROM deals WHERE id = $1`, id).Scan(&total, &currency); err == nil {
				_, err := env.Engine.ConfirmPayment(ctx, engine.Payment{
					EventID:   fmt.Sprintf("evt_%d_%d", id, rand.Intn(2)),
					DealID:    id,
					Reference: fmt.Sprintf("pi_%d", id),
					Amount:    total,
					Currency:  currency,
				})
				env.Stats.record(ctx, err)
			}
		}
		pause(10, 20)
	}
	return nil
}

// Shipper marks funded trades as shipped on behalf of their seller.
func Shipper(ctx context.Context, env Env, stop <-chan struct{}) error {
	return asParty(ctx, env, stop, `deal_type = 'trade' AND status = 'funded' AND trade_phase = 'funded'`, true,
		func(ctx context.Context, actor engine.Actor, id int64) error {
			_, err := env.Engine.MarkShipped(ctx, actor, id)
			return err
		})
}

// Receiver confirms delivery of shipped trades on behalf of their buyer.
func Receiver(ctx context.Context, env Env, stop <-chan struct{}) error {
	return asParty(ctx, env, stop, `deal_type = 'trade' AND status = 'funded' AND trade_phase = 'shipped'`, false,
		func(ctx context.Context, actor engine.Actor, id int64) error {
			_, err := env.Engine.ConfirmDelivery(ctx, actor, id)
			return err
		})
}

// Disputer freezes random funded trades on behalf of the buyer.
func Disputer(ctx context.Context, env Env, stop <-chan struct{}) error {
	return asParty(ctx, env, stop, `deal_type = 'trade' AND status = 'funded'`, false,
		func(ctx context.Context, actor engine.Actor, id int64) error {
			_, err := env.Engine.RaiseDispute(ctx, actor, id, "item not as described", nil)
			return err
		})
}

func asParty(ctx context.Context, env Env, stop <-chan struct{}, where string, initiator bool, fn func(context.Context, engine.Actor, int64) error) error {
	column := "counterparty_id"
	if initiator {
		column = "initiator_id"
	}
	for !done(ctx, stop) {
		id, ok := pick(ctx, env.Pool, where)
		if ok {
			var handle int64
			err := env.Pool.QueryRow(ctx, `SELECT p.handle FROM deals d JOIN parties p ON p.id = d.`+column+` WHERE d.id = $1`, id).Scan(&handle)
			if err == nil {
				env.Stats.record(ctx, fn(ctx, engine.PartyActor(handle), id))
			} else if !errors.Is(err, pgx.ErrNoRows) {
				env.Stats.record(ctx, err)
			}
		}
		pause(15, 30)
	}
	return nil
}

// Arbiter settles disputed deals with a random admin primitive.
func Arbiter(ctx context.Context, env Env, stop <-chan struct{}) error {
	admin, err := env.Engine.AdminActor(env.Admin)
	if err != nil {
		return err
	}
	for !done(ctx, stop) {
		id, ok := pick(ctx, env.Pool, `status = 'disputed'`)
		if ok {
			switch rand.Intn(3) {
			case 0:
				var total money.Amount
				if err := env.Pool.QueryRow(ctx, `SELECT total_amount FROM deals WHERE id = $1`, id).Scan(&total); err == nil {
					_, err = env.Engine.Split(ctx, admin, id, money.Amount(rand.Int63n(int64(total)+1)))
					env.Stats.record(ctx, err)
				}
			case 1:
				_, err := env.Engine.RefundDeal(ctx, admin, id, "")
				env.Stats.record(ctx, err)
			default:
				_, err := env.Engine.Resolve(ctx, admin, id)
				env.Stats.record(ctx, err)
			}
		}
		pause(30, 40)
	}
	return nil
}

// Sweeper fires due deadlines in a tight loop, racing the party actors.
func Sweeper(ctx context.Context, s *deadline.Sweeper, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		if _, err := s.SweepOnce(ctx); err != nil {
			stats.record(ctx, err)
		}
		pause(50, 50)
	}
	return nil
}
