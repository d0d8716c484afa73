package exchange

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
	"github.com/uhyunpark/marketsim/pkg/app/core/market"
	"github.com/uhyunpark/marketsim/pkg/app/core/orderbook"
	"github.com/uhyunpark/marketsim/pkg/app/core/session"
	"github.com/uhyunpark/marketsim/pkg/app/core/settlement"
	"github.com/uhyunpark/marketsim/pkg/storage"
	"github.com/uhyunpark/marketsim/pkg/util"
)

var day = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorder struct {
	mu    sync.Mutex
	snaps []BookSnapshot
}

func (r *recorder) Publish(s BookSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []BookSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BookSnapshot(nil), r.snaps...)
}

func testSeed() *storage.Seed {
	prev := d("9.50")
	return &storage.Seed{
		Instruments: []storage.SeedInstrument{
			{Instrument: account.Instrument{ID: "X", Symbol: "X"}, PreviousClose: &prev},
			{Instrument: account.Instrument{ID: "Y", Symbol: "Y"}},
		},
		Portfolios: []storage.SeedPortfolio{
			{Portfolio: account.Portfolio{ID: "A", Cash: d("100")}},
			{Portfolio: account.Portfolio{ID: "B", Cash: d("0")}, Holdings: []account.Holding{
				{Portfolio: "B", Instrument: "X", Quantity: 10, CostBasis: d("5")},
			}},
		},
	}
}

type harness struct {
	engine *Engine
	store  *storage.PebbleStore
	pub    *recorder
	stop   context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewPebbleStore(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.ApplySeed(ctx, store, testSeed(), "2024-05-03"); err != nil {
		t.Fatal(err)
	}
	registry := market.NewRegistry(store)
	if err := registry.Load(ctx); err != nil {
		t.Fatal(err)
	}

	clock := util.NewManualClock(day)
	pub := &recorder{}
	e := New(Options{
		Settler:   settlement.NewExecutor(store, nil),
		Session:   session.NewController(store, clock, time.UTC, true, nil),
		Registry:  registry,
		Publisher: pub,
		Clock:     clock,
		QueueSize: 16,
	})

	runCtx, stop := context.WithCancel(ctx)
	go e.Run(runCtx)
	t.Cleanup(func() {
		stop()
		<-e.Done()
		store.Close()
	})
	return &harness{engine: e, store: store, pub: pub, stop: stop}
}

func limit(owner string, side orderbook.Side, price string, vol int64) OrderRequest {
	return OrderRequest{Owner: owner, Instrument: "X", Side: side, Kind: orderbook.Limit, Price: d(price), Volume: vol}
}

func (h *harness) cash(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	p, err := h.store.Portfolio(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p.Cash
}

func (h *harness) qty(t *testing.T, portfolio string) int64 {
	t.Helper()
	hd, err := h.store.Holding(context.Background(), portfolio, "X")
	if errors.Is(err, storage.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return hd.Quantity
}

func TestEngine_SubmitMatchesAndSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.Submit(ctx, limit("B", orderbook.Sell, "10", 5))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !res.Rested || len(res.Matches) != 0 || res.Order.ID == "" {
		t.Fatalf("sell result = %+v, want resting with id", res)
	}

	res, err = h.engine.Submit(ctx, limit("A", orderbook.Buy, "11", 3))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if len(res.Matches) != 1 || res.Filled() != 3 || res.Rested {
		t.Fatalf("buy result = %+v, want one fill of 3", res)
	}
	if !res.Matches[0].Price.Equal(d("10")) {
		t.Errorf("price = %s, want maker price 10", res.Matches[0].Price)
	}

	if got := h.cash(t, "A"); !got.Equal(d("70")) {
		t.Errorf("A cash = %s, want 70", got)
	}
	if got := h.cash(t, "B"); !got.Equal(d("30")) {
		t.Errorf("B cash = %s, want 30", got)
	}
	if a, b := h.qty(t, "A"), h.qty(t, "B"); a != 3 || b != 7 {
		t.Errorf("holdings A=%d B=%d, want 3 and 7", a, b)
	}

	snaps := h.pub.all()
	if len(snaps) != 2 {
		t.Fatalf("published %d snapshots, want 2 (insert + match)", len(snaps))
	}
	last := snaps[1]
	if len(last.Asks) != 1 || last.Asks[0].Volume != 2 || last.LastMatch == nil {
		t.Errorf("last snapshot = %+v, want 2 left at 10 and a last match", last)
	}
	if got := h.engine.Snapshot("X"); len(got.Asks) != 1 || got.Asks[0].Volume != 2 {
		t.Errorf("Snapshot(X) = %+v, want the published view", got)
	}
}

func TestEngine_PartialFillRemainderIsPublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, limit("B", orderbook.Sell, "10", 4)); err != nil {
		t.Fatalf("sell: %v", err)
	}
	res, err := h.engine.Submit(ctx, limit("A", orderbook.Buy, "10", 6))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Filled() != 4 || !res.Rested {
		t.Fatalf("buy result = %+v, want 4 filled and 2 resting", res)
	}

	snaps := h.pub.all()
	if len(snaps) != 3 {
		t.Fatalf("published %d snapshots, want 3 (insert + match + rest)", len(snaps))
	}
	last := snaps[2]
	if len(last.Asks) != 0 || len(last.Bids) != 1 || last.Bids[0].Volume != 2 || !last.Bids[0].Price.Equal(d("10")) {
		t.Errorf("last snapshot = %+v, want one bid of 2 at 10", last)
	}
	got := h.engine.Snapshot("X")
	if len(got.Bids) != 1 || got.Bids[0].Volume != 2 {
		t.Errorf("Snapshot(X) = %+v, want the resting remainder", got)
	}
}

func TestEngine_RejectsBeforeMatching(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"unknown instrument", OrderRequest{Instrument: "Z", Side: orderbook.Buy, Kind: orderbook.Limit, Price: d("1"), Volume: 1}},
		{"zero volume", limit("A", orderbook.Buy, "1", 0)},
		{"limit without price", OrderRequest{Instrument: "X", Side: orderbook.Buy, Kind: orderbook.Limit, Volume: 1}},
		{"market with price", OrderRequest{Instrument: "X", Side: orderbook.Buy, Kind: orderbook.Market, Price: d("1"), Volume: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.engine.Submit(ctx, tt.req)
			if !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("err = %v, want ErrInvalidOrder", err)
			}
			if res != nil {
				t.Errorf("result = %+v, want nil", res)
			}
		})
	}
	if n := len(h.pub.all()); n != 0 {
		t.Errorf("published %d snapshots for rejected orders", n)
	}
}

func TestEngine_SettlementFailureKeepsMaker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, limit("B", orderbook.Sell, "30", 5)); err != nil {
		t.Fatal(err)
	}
	// 5 at 30 costs 150 and A holds 100
	res, err := h.engine.Submit(ctx, limit("A", orderbook.Buy, "30", 5))

	var se *settlement.Error
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *settlement.Error", err)
	}
	if !errors.Is(err, account.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if res == nil || res.Filled() != 0 || res.Rested {
		t.Fatalf("result = %+v, want no fills and nothing resting", res)
	}

	snap := h.engine.Snapshot("X")
	if len(snap.Asks) != 1 || snap.Asks[0].Volume != 5 {
		t.Errorf("asks = %+v, want maker untouched", snap.Asks)
	}
	if len(snap.Bids) != 0 {
		t.Errorf("bids = %+v, want failed order not resting", snap.Bids)
	}
	if got := h.cash(t, "A"); !got.Equal(d("100")) {
		t.Errorf("A cash = %s, want unchanged 100", got)
	}
}

func TestEngine_AdministrativeLiquidity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, limit("", orderbook.Sell, "2", 100)); err != nil {
		t.Fatal(err)
	}
	res, err := h.engine.Submit(ctx, OrderRequest{Owner: "A", Instrument: "X", Side: orderbook.Buy, Kind: orderbook.Market, Volume: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.Filled() != 10 || res.Rested {
		t.Fatalf("result = %+v, want 10 filled", res)
	}
	if got := h.cash(t, "A"); !got.Equal(d("80")) {
		t.Errorf("A cash = %s, want 80", got)
	}
	if got := h.qty(t, "A"); got != 10 {
		t.Errorf("A holding = %d, want 10", got)
	}
}

func TestEngine_Cancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.Submit(ctx, limit("A", orderbook.Buy, "9", 4))
	if err != nil {
		t.Fatal(err)
	}

	removed, err := h.engine.Cancel(ctx, res.Order.ID)
	if err != nil || !removed {
		t.Fatalf("Cancel = %v, %v; want true, nil", removed, err)
	}
	removed, err = h.engine.Cancel(ctx, res.Order.ID)
	if err != nil || removed {
		t.Errorf("second Cancel = %v, %v; want false, nil", removed, err)
	}
	removed, err = h.engine.Cancel(ctx, "no-such-order")
	if err != nil || removed {
		t.Errorf("Cancel(unknown) = %v, %v; want false, nil", removed, err)
	}

	snaps := h.pub.all()
	if len(snaps) != 2 {
		t.Fatalf("published %d snapshots, want 2 (insert + cancel)", len(snaps))
	}
	if len(snaps[1].Bids) != 0 {
		t.Errorf("bids after cancel = %+v, want empty", snaps[1].Bids)
	}
}

func TestEngine_SessionLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, limit("B", orderbook.Sell, "10", 5)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Submit(ctx, limit("A", orderbook.Buy, "10", 2)); err != nil {
		t.Fatal(err)
	}

	prices, err := h.engine.Deactivate(ctx)
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if h.engine.IsOpen() {
		t.Error("session still open after Deactivate")
	}
	if len(prices) != 1 || prices[0].Instrument != "X" {
		t.Fatalf("prices = %+v, want one row for X", prices)
	}
	if !prices[0].Close.Equal(d("10")) || prices[0].Volume != 2 {
		t.Errorf("X bar = %+v, want close 10 volume 2", prices[0])
	}

	if s := h.engine.Snapshot("X"); len(s.Asks) != 0 || len(s.Bids) != 0 || s.LastMatch != nil {
		t.Errorf("snapshot after close = %+v, want empty book", s)
	}

	if _, err := h.engine.Submit(ctx, limit("A", orderbook.Buy, "10", 1)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Submit on closed session err = %v, want ErrSessionClosed", err)
	}
	if _, err := h.engine.Deactivate(ctx); !errors.Is(err, session.ErrAlreadyClosed) {
		t.Errorf("second Deactivate err = %v, want ErrAlreadyClosed", err)
	}

	ref, ok, err := h.engine.ReferencePrice(ctx, "X")
	if err != nil || !ok || !ref.Equal(d("10")) {
		t.Errorf("ReferencePrice = %s, %v, %v; want 10", ref, ok, err)
	}
	if _, ok, err := h.engine.ReferencePrice(ctx, "Y"); err != nil || ok {
		t.Errorf("ReferencePrice(Y) ok=%v err=%v, want no price", ok, err)
	}

	if err := h.engine.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Submit(ctx, limit("A", orderbook.Buy, "10", 1)); err != nil {
		t.Errorf("Submit after reopen: %v", err)
	}
}

func TestEngine_Snapshots(t *testing.T) {
	h := newHarness(t)

	snaps := h.engine.Snapshots()
	if len(snaps) != 2 || snaps[0].Instrument != "X" || snaps[1].Instrument != "Y" {
		t.Fatalf("Snapshots() = %+v, want empty X and Y", snaps)
	}
	if snaps[0].Bids == nil || snaps[0].Asks == nil {
		t.Error("empty snapshot sides should be non-nil")
	}
	if got := len(h.engine.Instruments()); got != 2 {
		t.Errorf("Instruments() = %d, want 2", got)
	}
}

func TestEngine_ConcurrentSubmitsConserve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, limit("B", orderbook.Sell, "1", 10)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Submit(ctx, limit("A", orderbook.Buy, "1", 1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Submit: %v", err)
		}
	}

	a, b := h.qty(t, "A"), h.qty(t, "B")
	if a+b != 10 || a != 10 {
		t.Errorf("holdings A=%d B=%d, want all 10 units with A", a, b)
	}
	total := h.cash(t, "A").Add(h.cash(t, "B"))
	if !total.Equal(d("100")) {
		t.Errorf("total cash = %s, want 100", total)
	}
	if s := h.engine.Snapshot("X"); len(s.Bids) != 1 || s.Bids[0].Volume != 10 {
		t.Errorf("bids = %+v, want 10 unfilled buys at 1", s.Bids)
	}
}

func TestEngine_Stopped(t *testing.T) {
	h := newHarness(t)
	h.stop()
	<-h.engine.Done()

	_, err := h.engine.Submit(context.Background(), limit("A", orderbook.Buy, "1", 1))
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Submit after stop err = %v, want ErrStopped", err)
	}
	if err := h.engine.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run err = %v, want ErrRunning", err)
	}
}
