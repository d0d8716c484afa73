package storage

import (
	"context"
	"errors"
	"time"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
)

// ErrNotFound is returned by lookups for records that do not exist.
var ErrNotFound = errors.New("not found")

// Reader is the lookup surface shared by a Store and an open Tx. Reads made
// through a Tx observe that Tx's uncommitted writes.
type Reader interface {
	Portfolio(ctx context.Context, id string) (*account.Portfolio, error)
	Holding(ctx context.Context, portfolio, instrument string) (*account.Holding, error)
}

// Tx groups ledger writes into one all-or-nothing unit. Rollback after
// Commit is a no-op, so callers can always defer it.
type Tx interface {
	Reader
	PutPortfolio(ctx context.Context, p *account.Portfolio) error
	PutHolding(ctx context.Context, h *account.Holding) error
	PutInstrument(ctx context.Context, i account.Instrument) error
	AppendTransaction(ctx context.Context, t *account.Transaction) error
	PutPrice(ctx context.Context, p *account.DailyPrice) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store persists portfolios, holdings, the transaction ledger and daily
// price history.
type Store interface {
	Reader
	Begin(ctx context.Context) (Tx, error)
	Holdings(ctx context.Context, portfolio string) ([]account.Holding, error)
	Instruments(ctx context.Context) ([]account.Instrument, error)
	// Transactions returns ledger rows for instrument executed in [from, to),
	// oldest first.
	Transactions(ctx context.Context, instrument string, from, to time.Time) ([]account.Transaction, error)
	// LatestPrice returns the most recent price row dated strictly before
	// before (YYYY-MM-DD). An empty before means no bound.
	LatestPrice(ctx context.Context, instrument, before string) (*account.DailyPrice, error)
	Close() error
}
