package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
	"github.com/uhyunpark/marketsim/pkg/app/core/orderbook"
	"github.com/uhyunpark/marketsim/pkg/storage"
	"github.com/uhyunpark/marketsim/pkg/util"
)

var today = time.Date(2024, 5, 6, 15, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *storage.PebbleStore {
	t.Helper()
	s, err := storage.NewPebbleStore(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func write(t *testing.T, s storage.Store, fn func(ctx context.Context, tx storage.Tx) error) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(ctx)
	if err := fn(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func newTestController(s storage.Store) *Controller {
	return NewController(s, util.NewManualClock(today), time.UTC, true, nil)
}

func trade(matchID string, seq uint64, at time.Time, price string, qty int64) account.Transaction {
	return account.Transaction{
		ID: matchID + "-b", MatchID: matchID, MatchSeq: seq, Portfolio: "p", Instrument: "X",
		Side: orderbook.Buy, Kind: orderbook.Limit, Quantity: qty, Price: decimal.RequireFromString(price), ExecutedAt: at,
	}
}

func TestDeactivate_RollsForwardPreviousClose(t *testing.T) {
	s := newTestStore(t)
	write(t, s, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutInstrument(ctx, account.Instrument{ID: "X", Symbol: "X"}); err != nil {
			return err
		}
		c := decimal.NewFromInt(50)
		return tx.PutPrice(ctx, &account.DailyPrice{Instrument: "X", Date: "2024-05-03", Open: c, High: c, Low: c, Close: c, Volume: 12})
	})

	c := newTestController(s)
	cleared := false
	bars, err := c.Deactivate(context.Background(), func() { cleared = true })
	if err != nil {
		t.Fatalf("Deactivate() = %v", err)
	}
	if !cleared || c.IsOpen() {
		t.Errorf("cleared=%v open=%v, want cleared and closed", cleared, c.IsOpen())
	}
	if len(bars) != 1 {
		t.Fatalf("bars = %d, want 1", len(bars))
	}
	b := bars[0]
	fifty := decimal.NewFromInt(50)
	if b.Date != "2024-05-06" || !b.Open.Equal(fifty) || !b.High.Equal(fifty) || !b.Low.Equal(fifty) || !b.Close.Equal(fifty) || b.Volume != 0 {
		t.Errorf("bar = %+v, want 50/50/50/50 vol 0 on 2024-05-06", b)
	}
	stored, err := s.LatestPrice(context.Background(), "X", "")
	if err != nil || stored.Date != "2024-05-06" {
		t.Errorf("stored price = %+v, %v", stored, err)
	}
}

func TestDeactivate_DerivesOHLCVFromTodaysTrades(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	write(t, s, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutInstrument(ctx, account.Instrument{ID: "X", Symbol: "X"}); err != nil {
			return err
		}
		rows := []account.Transaction{
			trade("yesterday", 1, start.Add(-time.Hour), "1", 100),
			trade("m1", 2, start.Add(9*time.Hour), "10", 3),
			trade("m2", 3, start.Add(10*time.Hour), "14", 1),
			trade("m3", 4, start.Add(11*time.Hour), "8", 2),
			trade("m4", 5, start.Add(12*time.Hour), "11", 4),
		}
		// the seller's row of m2 must not double its volume
		sellerRow := rows[2]
		sellerRow.ID, sellerRow.Side, sellerRow.Portfolio = "m2-s", orderbook.Sell, "q"
		rows = append(rows, sellerRow)
		for i := range rows {
			if err := tx.AppendTransaction(ctx, &rows[i]); err != nil {
				return err
			}
		}
		return nil
	})

	bars, err := newTestController(s).Deactivate(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 1 {
		t.Fatalf("bars = %d, want 1", len(bars))
	}
	b := bars[0]
	want := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"open", b.Open, "10"},
		{"high", b.High, "14"},
		{"low", b.Low, "8"},
		{"close", b.Close, "11"},
	}
	for _, w := range want {
		if !w.got.Equal(decimal.RequireFromString(w.want)) {
			t.Errorf("%s = %s, want %s", w.name, w.got, w.want)
		}
	}
	if b.Volume != 10 {
		t.Errorf("volume = %d, want 10", b.Volume)
	}
}

func TestDeactivate_SkipsUnpricedInstruments(t *testing.T) {
	s := newTestStore(t)
	write(t, s, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutInstrument(ctx, account.Instrument{ID: "NEW", Symbol: "NEW"})
	})
	bars, err := newTestController(s).Deactivate(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 0 {
		t.Errorf("bars = %+v, want none", bars)
	}
	if _, err := s.LatestPrice(context.Background(), "NEW", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("price row written for unpriced instrument: %v", err)
	}
}

type brokenStore struct {
	storage.Store
}

func (brokenStore) Begin(context.Context) (storage.Tx, error) {
	return nil, errors.New("disk full")
}

func TestDeactivate_FailureChangesNothing(t *testing.T) {
	s := newTestStore(t)
	write(t, s, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutInstrument(ctx, account.Instrument{ID: "X", Symbol: "X"}); err != nil {
			return err
		}
		return tx.PutPrice(ctx, &account.DailyPrice{Instrument: "X", Date: "2024-05-03", Close: decimal.NewFromInt(50)})
	})

	c := newTestController(brokenStore{s})
	cleared := false
	if _, err := c.Deactivate(context.Background(), func() { cleared = true }); err == nil {
		t.Fatal("Deactivate() = nil, want error")
	}
	if !c.IsOpen() || cleared {
		t.Errorf("open=%v cleared=%v, want still open and not cleared", c.IsOpen(), cleared)
	}
	if p, _ := s.LatestPrice(context.Background(), "X", ""); p.Date != "2024-05-03" {
		t.Errorf("latest price date = %s, want untouched 2024-05-03", p.Date)
	}
}

func TestController_Transitions(t *testing.T) {
	s := newTestStore(t)
	c := NewController(s, util.NewManualClock(today), time.UTC, false, nil)
	if c.IsOpen() {
		t.Fatal("controller built closed reports open")
	}
	if _, err := c.Deactivate(context.Background(), nil); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Deactivate(closed) = %v, want ErrAlreadyClosed", err)
	}

	c.Activate()
	c.Activate()
	if !c.IsOpen() || c.State() != Open {
		t.Errorf("state = %v, want open", c.State())
	}
	if _, err := c.Deactivate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if c.State().String() != "closed" {
		t.Errorf("state = %v, want closed", c.State())
	}
}
