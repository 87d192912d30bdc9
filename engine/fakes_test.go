package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"escrowbot/deadline"
	"escrowbot/deal"
	"escrowbot/dispute"
	"escrowbot/gateway"
	"escrowbot/notify"
	"escrowbot/party"
	"escrowbot/referral"
	"escrowbot/review"
)

var errLiveDeadline = errors.New("memstore: deal already has a pending deadline")

type memState struct {
	seq        int64
	parties    map[int64]party.Party
	deals      map[int64]deal.Deal
	milestones map[int64]deal.Milestone
	deadlines  map[string]deadline.Deadline
	disputes   []dispute.Record
	reviews    []review.Review
	referrals  map[int64]referral.Referral
	events     map[string]bool
	outbox     []notify.Message
}

func (s memState) clone() memState {
	out := s
	out.parties = make(map[int64]party.Party, len(s.parties))
	for k, v := range s.parties {
		out.parties[k] = v
	}
	out.deals = make(map[int64]deal.Deal, len(s.deals))
	for k, v := range s.deals {
		out.deals[k] = v
	}
	out.milestones = make(map[int64]deal.Milestone, len(s.milestones))
	for k, v := range s.milestones {
		out.milestones[k] = v
	}
	out.deadlines = make(map[string]deadline.Deadline, len(s.deadlines))
	for k, v := range s.deadlines {
		out.deadlines[k] = v
	}
	out.referrals = make(map[int64]referral.Referral, len(s.referrals))
	for k, v := range s.referrals {
		out.referrals[k] = v
	}
	out.events = make(map[string]bool, len(s.events))
	for k, v := range s.events {
		out.events[k] = v
	}
	out.disputes = append([]dispute.Record(nil), s.disputes...)
	out.reviews = append([]review.Review(nil), s.reviews...)
	out.outbox = append([]notify.Message(nil), s.outbox...)
	return out
}

// memStore serializes every unit of work and discards its writes unless fn
// returns nil.
type memStore struct {
	mu    sync.Mutex
	state memState
	txs   int
}

func newMemStore() *memStore {
	return &memStore{state: memState{}.clone()}
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs++
	work := s.state.clone()
	if err := fn(ctx, &memTx{st: &work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *memStore) deal(t *testing.T, id int64) deal.Deal {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.state.deals[id]
	if !ok {
		t.Fatalf("deal %d not stored", id)
	}
	return d
}

func (s *memStore) partyByHandle(t *testing.T, handle int64) party.Party {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.state.parties {
		if p.Handle == handle {
			return p
		}
	}
	t.Fatalf("party %d not stored", handle)
	return party.Party{}
}

func (s *memStore) milestones(dealID int64) []deal.Milestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: &s.state}).milestonesOf(dealID)
}

// liveDeadlines returns the pending deadlines of a deal.
func (s *memStore) liveDeadlines(dealID int64) []deadline.Deadline {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deadline.Deadline
	for _, d := range s.state.deadlines {
		if d.DealID == dealID && d.State == deadline.StatePending {
			out = append(out, d)
		}
	}
	return out
}

func (s *memStore) messages() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Message(nil), s.state.outbox...)
}

func (s *memStore) messagesTo(chatID int64) []notify.Message {
	var out []notify.Message
	for _, m := range s.messages() {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

type memTx struct {
	st *memState
}

func (t *memTx) next() int64 {
	t.st.seq++
	return t.st.seq
}

func (t *memTx) EnsureParty(ctx context.Context, handle int64, username string) (party.Party, error) {
	for id, p := range t.st.parties {
		if p.Handle == handle {
			if username != "" {
				p.Username = username
				t.st.parties[id] = p
			}
			return p, nil
		}
	}
	p := party.Party{ID: t.next(), Handle: handle, Username: username, CreatedAt: testNow, UpdatedAt: testNow}
	t.st.parties[p.ID] = p
	return p, nil
}

func (t *memTx) Party(ctx context.Context, id int64) (party.Party, error) {
	p, ok := t.st.parties[id]
	if !ok {
		return party.Party{}, party.ErrNotFound
	}
	return p, nil
}

func (t *memTx) PartyByHandle(ctx context.Context, handle int64) (party.Party, error) {
	for _, p := range t.st.parties {
		if p.Handle == handle {
			return p, nil
		}
	}
	return party.Party{}, party.ErrNotFound
}

func (t *memTx) LockParty(ctx context.Context, id int64) (party.Party, error) {
	return t.Party(ctx, id)
}

func (t *memTx) UpdateParty(ctx context.Context, p party.Party) error {
	if _, ok := t.st.parties[p.ID]; !ok {
		return party.ErrNotFound
	}
	t.st.parties[p.ID] = p
	return nil
}

func (t *memTx) CountCompletedDeals(ctx context.Context, partyID int64) (int, error) {
	n := 0
	for _, d := range t.st.deals {
		if d.Status == deal.StatusCompleted && d.Involves(partyID) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertDeal(ctx context.Context, d deal.Deal) (deal.Deal, error) {
	d.ID = t.next()
	d.CreatedAt = testNow
	d.UpdatedAt = testNow
	t.st.deals[d.ID] = d
	return d, nil
}

func (t *memTx) Deal(ctx context.Context, id int64) (deal.Deal, error) {
	d, ok := t.st.deals[id]
	if !ok {
		return deal.Deal{}, deal.ErrNotFound
	}
	return d, nil
}

func (t *memTx) LockDeal(ctx context.Context, id int64) (deal.Deal, error) {
	return t.Deal(ctx, id)
}

func (t *memTx) UpdateDeal(ctx context.Context, d deal.Deal) error {
	if _, ok := t.st.deals[d.ID]; !ok {
		return deal.ErrNotFound
	}
	t.st.deals[d.ID] = d
	return nil
}

func (t *memTx) DealsForParty(ctx context.Context, partyID int64, limit int) ([]deal.Deal, error) {
	var out []deal.Deal
	for _, d := range t.st.deals {
		if d.Involves(partyID) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) InsertMilestone(ctx context.Context, m deal.Milestone) (deal.Milestone, error) {
	m.ID = t.next()
	m.CreatedAt = testNow
	t.st.milestones[m.ID] = m
	return m, nil
}

func (t *memTx) Milestone(ctx context.Context, id int64) (deal.Milestone, error) {
	m, ok := t.st.milestones[id]
	if !ok {
		return deal.Milestone{}, deal.ErrMilestoneNotFound
	}
	return m, nil
}

func (t *memTx) Milestones(ctx context.Context, dealID int64) ([]deal.Milestone, error) {
	return t.milestonesOf(dealID), nil
}

func (t *memTx) milestonesOf(dealID int64) []deal.Milestone {
	var out []deal.Milestone
	for _, m := range t.st.milestones {
		if m.DealID == dealID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memTx) UpdateMilestone(ctx context.Context, m deal.Milestone) error {
	if _, ok := t.st.milestones[m.ID]; !ok {
		return deal.ErrMilestoneNotFound
	}
	t.st.milestones[m.ID] = m
	return nil
}

func (t *memTx) InsertDeadline(ctx context.Context, d deadline.Deadline) error {
	for _, other := range t.st.deadlines {
		if other.DealID == d.DealID && other.State == deadline.StatePending {
			return errLiveDeadline
		}
	}
	t.st.deadlines[d.ID] = d
	return nil
}

func (t *memTx) CancelDeadline(ctx context.Context, id string) error {
	d, ok := t.st.deadlines[id]
	if ok && d.Live() {
		d.State = deadline.StateCancelled
		t.st.deadlines[id] = d
	}
	return nil
}

func (t *memTx) Deadline(ctx context.Context, id string) (deadline.Deadline, error) {
	d, ok := t.st.deadlines[id]
	if !ok {
		return deadline.Deadline{}, deadline.ErrNotFound
	}
	return d, nil
}

func (t *memTx) InsertDispute(ctx context.Context, rec dispute.Record) (dispute.Record, error) {
	if rec.Reason == "" {
		return dispute.Record{}, dispute.ErrEmptyReason
	}
	rec.ID = t.next()
	rec.CreatedAt = testNow
	t.st.disputes = append(t.st.disputes, rec)
	return rec, nil
}

func (t *memTx) Disputes(ctx context.Context, dealID int64) ([]dispute.Record, error) {
	var out []dispute.Record
	for _, r := range t.st.disputes {
		if r.DealID == dealID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) InsertReview(ctx context.Context, rev review.Review) (review.Review, error) {
	for _, r := range t.st.reviews {
		if r.DealID == rev.DealID && r.ReviewerID == rev.ReviewerID {
			return review.Review{}, review.ErrDuplicate
		}
	}
	rev.ID = t.next()
	rev.CreatedAt = testNow
	t.st.reviews = append(t.st.reviews, rev)
	return rev, nil
}

func (t *memTx) ReviewStats(ctx context.Context, revieweeID int64, recent int) (review.Stats, error) {
	var stats review.Stats
	sum := 0
	for i := len(t.st.reviews) - 1; i >= 0; i-- {
		r := t.st.reviews[i]
		if r.RevieweeID != revieweeID {
			continue
		}
		stats.Count++
		sum += r.Rating
		if len(stats.Recent) < recent {
			stats.Recent = append(stats.Recent, r)
		}
	}
	if stats.Count > 0 {
		stats.Average = float64(sum) / float64(stats.Count)
	}
	return stats, nil
}

func (t *memTx) InsertReferral(ctx context.Context, ref referral.Referral) (referral.Referral, error) {
	if ref.ReferrerID == ref.ReferredID {
		return referral.Referral{}, referral.ErrSelfReferral
	}
	for _, r := range t.st.referrals {
		if r.ReferredID == ref.ReferredID {
			return referral.Referral{}, referral.ErrAlreadyReferred
		}
	}
	ref.ID = t.next()
	ref.CreatedAt = testNow
	t.st.referrals[ref.ID] = ref
	return ref, nil
}

func (t *memTx) LockReferralFor(ctx context.Context, referredID int64) (referral.Referral, error) {
	for _, r := range t.st.referrals {
		if r.ReferredID == referredID {
			return r, nil
		}
	}
	return referral.Referral{}, referral.ErrNotFound
}

func (t *memTx) MarkReferralClaimed(ctx context.Context, id int64) error {
	r, ok := t.st.referrals[id]
	if !ok || r.RewardClaimed {
		return referral.ErrAlreadyClaimed
	}
	r.RewardClaimed = true
	now := testNow
	r.ClaimedAt = &now
	t.st.referrals[id] = r
	return nil
}

func (t *memTx) ReserveEvent(ctx context.Context, key string) error {
	if t.st.events[key] {
		return ErrDuplicateEvent
	}
	t.st.events[key] = true
	return nil
}

func (t *memTx) Enqueue(ctx context.Context, msg notify.Message) error {
	t.st.outbox = append(t.st.outbox, msg)
	return nil
}

// fakeGateway records money movement and honors idempotency keys the way the
// processor does.
type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	collects  []gateway.CollectRequest
	transfers []gateway.TransferRequest
	refunds   []gateway.RefundRequest
	seen      map[string]string
	failWith  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{seen: make(map[string]string)}
}

func (g *fakeGateway) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWith = err
}

func (g *fakeGateway) ref(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func (g *fakeGateway) Collect(ctx context.Context, req gateway.CollectRequest) (gateway.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return gateway.Checkout{}, g.failWith
	}
	g.collects = append(g.collects, req)
	ref := g.ref("cs")
	return gateway.Checkout{Reference: ref, URL: "https://checkout.test/" + ref}, nil
}

func (g *fakeGateway) Transfer(ctx context.Context, req gateway.TransferRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return "", g.failWith
	}
	if ref, ok := g.seen[req.IdempotencyKey]; ok {
		return ref, nil
	}
	g.transfers = append(g.transfers, req)
	ref := g.ref("tr")
	g.seen[req.IdempotencyKey] = ref
	return ref, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req gateway.RefundRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return "", g.failWith
	}
	if ref, ok := g.seen[req.IdempotencyKey]; ok {
		return ref, nil
	}
	g.refunds = append(g.refunds, req)
	ref := g.ref("re")
	g.seen[req.IdempotencyKey] = ref
	return ref, nil
}

func (g *fakeGateway) CreatePayoutAccount(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return "", g.failWith
	}
	return g.ref("acct"), nil
}

func (g *fakeGateway) OnboardingLink(ctx context.Context, accountID string) (string, error) {
	return "https://connect.test/" + accountID, nil
}

func (g *fakeGateway) snapshot() ([]gateway.TransferRequest, []gateway.RefundRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.TransferRequest(nil), g.transfers...), append([]gateway.RefundRequest(nil), g.refunds...)
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const (
	sellerHandle int64 = 100
	buyerHandle  int64 = 200
	adminHandle  int64 = 900
)

type harness struct {
	engine *Engine
	store  *memStore
	gw     *fakeGateway
	clock  time.Time
}

// newHarness seeds a seller and a buyer who both have payout accounts.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: newMemStore(), gw: newFakeGateway(), clock: testNow}
	cfg := Config{FeeBasisPoints: 500, DefaultCurrency: "usd", Admins: []int64{adminHandle}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = New(h.store, h.gw, cfg, logger).WithClock(func() time.Time { return h.clock })

	seller := "acct_seller"
	buyer := "acct_buyer"
	h.seedParty(t, sellerHandle, "seller", &seller)
	h.seedParty(t, buyerHandle, "buyer", &buyer)
	return h
}

func (h *harness) seedParty(t *testing.T, handle int64, username string, account *string) party.Party {
	t.Helper()
	var out party.Party
	err := h.store.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		p, err := tx.EnsureParty(ctx, handle, username)
		if err != nil {
			return err
		}
		p.PayoutAccount = account
		out = p
		return tx.UpdateParty(ctx, p)
	})
	if err != nil {
		t.Fatalf("seed party %d: %v", handle, err)
	}
	return out
}

func (h *harness) admin(t *testing.T) Actor {
	t.Helper()
	a, err := h.engine.AdminActor(adminHandle)
	if err != nil {
		t.Fatalf("admin actor: %v", err)
	}
	return a
}
