package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
	"github.com/uhyunpark/marketsim/pkg/app/core/orderbook"
)

// Runs against a live database only when POSTGRES_TEST_DSN is set.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	inst := "T" + uuid.NewString()[:8]
	owner := "p-" + uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Microsecond)

	commit(t, s, func(tx Tx) error {
		if err := tx.PutInstrument(ctx, account.Instrument{ID: inst, Symbol: inst}); err != nil {
			return err
		}
		if err := tx.PutPortfolio(ctx, &account.Portfolio{ID: owner, Cash: decimal.RequireFromString("10.50")}); err != nil {
			return err
		}
		if err := tx.PutHolding(ctx, &account.Holding{Portfolio: owner, Instrument: inst, Quantity: 3, CostBasis: decimal.NewFromInt(7)}); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &account.Transaction{
			ID: uuid.NewString(), MatchID: "m", MatchSeq: 1, Portfolio: owner, Instrument: inst,
			Side: orderbook.Buy, Kind: orderbook.Limit, Quantity: 3, Price: decimal.NewFromInt(7), ExecutedAt: now,
		}); err != nil {
			return err
		}
		return tx.PutPrice(ctx, &account.DailyPrice{Instrument: inst, Date: "2024-05-06",
			Open: decimal.NewFromInt(7), High: decimal.NewFromInt(7), Low: decimal.NewFromInt(7), Close: decimal.NewFromInt(7), Volume: 3})
	})

	p, err := s.Portfolio(ctx, owner)
	if err != nil || !p.Cash.Equal(decimal.RequireFromString("10.5")) {
		t.Errorf("Portfolio() = %+v, %v", p, err)
	}
	txs, err := s.Transactions(ctx, inst, now.Add(-time.Second), now.Add(time.Second))
	if err != nil || len(txs) != 1 || txs[0].Side != orderbook.Buy {
		t.Errorf("Transactions() = %+v, %v", txs, err)
	}
	px, err := s.LatestPrice(ctx, inst, "")
	if err != nil || px.Date != "2024-05-06" || px.Volume != 3 {
		t.Errorf("LatestPrice() = %+v, %v", px, err)
	}
	if _, err := s.LatestPrice(ctx, inst, "2024-05-06"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestPrice(before) error = %v, want ErrNotFound", err)
	}
}
