// Package settlement applies matched trades to the ledger: holdings, cash
// and transaction rows move together or not at all.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
	"github.com/uhyunpark/marketsim/pkg/app/core/orderbook"
	"github.com/uhyunpark/marketsim/pkg/storage"
)

// Error reports a match whose settlement was rolled back.
type Error struct {
	Match orderbook.Match
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("settlement of match %s failed: %v", e.Match, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Executor struct {
	store storage.Store
	log   *zap.SugaredLogger
}

func NewExecutor(store storage.Store, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{store: store, log: log}
}

// Settle moves quantity from seller to buyer and the match amount from buyer
// to seller, and appends one ledger row per participant. Sides without an
// owner are skipped. Any failure rolls back the whole match and is returned
// as *Error.
func (e *Executor) Settle(ctx context.Context, m orderbook.Match) error {
	if m.Buyer == "" && m.Seller == "" {
		return nil
	}
	if err := e.settle(ctx, m); err != nil {
		e.log.Warnw("settlement_failed", "match", m.ID, "instrument", m.Instrument,
			"buyer", m.Buyer, "seller", m.Seller, "qty", m.Quantity, "price", m.Price.String(), "err", err)
		return &Error{Match: m, Err: err}
	}
	return nil
}

func (e *Executor) settle(ctx context.Context, m orderbook.Match) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if m.Buyer != "" {
		h, err := holdingOrEmpty(ctx, tx, m.Buyer, m.Instrument)
		if err != nil {
			return err
		}
		h.Buy(m.Quantity, m.Price)
		if err := tx.PutHolding(ctx, h); err != nil {
			return err
		}
	}
	if m.Seller != "" {
		h, err := holdingOrEmpty(ctx, tx, m.Seller, m.Instrument)
		if err != nil {
			return err
		}
		if err := h.Sell(m.Quantity); err != nil {
			return err
		}
		if err := tx.PutHolding(ctx, h); err != nil {
			return err
		}
	}

	amount := m.Amount()
	if m.Buyer != "" {
		p, err := tx.Portfolio(ctx, m.Buyer)
		if err != nil {
			return err
		}
		if err := p.Debit(amount); err != nil {
			return err
		}
		if err := tx.PutPortfolio(ctx, p); err != nil {
			return err
		}
	}
	if m.Seller != "" {
		p, err := tx.Portfolio(ctx, m.Seller)
		if err != nil {
			return err
		}
		p.Credit(amount)
		if err := tx.PutPortfolio(ctx, p); err != nil {
			return err
		}
	}

	for _, side := range []struct {
		owner string
		side  orderbook.Side
	}{{m.Buyer, orderbook.Buy}, {m.Seller, orderbook.Sell}} {
		if side.owner == "" {
			continue
		}
		if err := tx.AppendTransaction(ctx, &account.Transaction{
			ID:         uuid.NewString(),
			MatchID:    m.ID,
			MatchSeq:   m.Seq,
			Portfolio:  side.owner,
			Instrument: m.Instrument,
			Side:       side.side,
			Kind:       m.Kind,
			Quantity:   m.Quantity,
			Price:      m.Price,
			ExecutedAt: m.ExecutedAt,
		}); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func holdingOrEmpty(ctx context.Context, tx storage.Tx, portfolio, instrument string) (*account.Holding, error) {
	h, err := tx.Holding(ctx, portfolio, instrument)
	if errors.Is(err, storage.ErrNotFound) {
		return &account.Holding{Portfolio: portfolio, Instrument: instrument}, nil
	}
	return h, err
}
