package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowbot/db"
	"escrowbot/deal"
	"escrowbot/engine"
	"escrowbot/gateway"
	"escrowbot/money"
)

// TestTradeLifecycle_Integration runs a trade end to end against PostgreSQL
// via DATABASE_URL, including a redelivered payment event.
func TestTradeLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	base := time.Now().UnixNano() % 1_000_000_000_000
	sellerHandle, buyerHandle := base, base+1
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(New(pool), stubGateway{}, engine.Config{FeeBasisPoints: 500}, logger)

	if _, err := eng.EnsureParty(ctx, buyerHandle, "buyer"); err != nil {
		t.Fatalf("ensure buyer: %v", err)
	}
	if _, err := eng.ConnectPayoutAccount(ctx, engine.PartyActor(sellerHandle)); err != nil {
		t.Fatalf("connect seller: %v", err)
	}

	d, err := eng.CreateTrade(ctx, engine.PartyActor(sellerHandle), engine.TradeParams{
		CounterpartyHandle: buyerHandle,
		Title:              "Integration widget",
		Amount:             money.MustParse("100.00"),
	})
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	if _, err := eng.SendOffer(ctx, engine.PartyActor(sellerHandle), d.ID); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	payment := engine.Payment{EventID: fmt.Sprintf("evt_%d", base), DealID: d.ID, Reference: fmt.Sprintf("pi_%d", base)}
	if _, err := eng.ConfirmPayment(ctx, payment); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if _, err := eng.ConfirmPayment(ctx, payment); !errors.Is(err, engine.ErrDuplicateEvent) {
		t.Fatalf("redelivery: expected duplicate, got %v", err)
	}

	var pending int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM deadlines WHERE deal_id = $1 AND state = 'pending'`, d.ID).Scan(&pending); err != nil {
		t.Fatalf("count deadlines: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected one pending deadline, got %d", pending)
	}

	if _, err := eng.MarkShipped(ctx, engine.PartyActor(sellerHandle), d.ID); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}
	done, err := eng.ConfirmDelivery(ctx, engine.PartyActor(buyerHandle), d.ID)
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if done.Status != deal.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	var queued int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE chat_id IN ($1, $2)`, sellerHandle, buyerHandle).Scan(&queued); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if queued == 0 {
		t.Fatalf("expected notifications in the outbox")
	}
}

type stubGateway struct{}

func (stubGateway) Collect(ctx context.Context, req gateway.CollectRequest) (gateway.Checkout, error) {
	return gateway.Checkout{Reference: "cs_stub", URL: "https://checkout.test/cs_stub"}, nil
}

func (stubGateway) Transfer(ctx context.Context, req gateway.TransferRequest) (string, error) {
	return "tr_" + req.IdempotencyKey, nil
}

func (stubGateway) Refund(ctx context.Context, req gateway.RefundRequest) (string, error) {
	return "re_" + req.IdempotencyKey, nil
}

func (stubGateway) CreatePayoutAccount(ctx context.Context) (string, error) {
	return fmt.Sprintf("acct_%d", time.Now().UnixNano()), nil
}

func (stubGateway) OnboardingLink(ctx context.Context, accountID string) (string, error) {
	return "https://connect.test/" + accountID, nil
}
