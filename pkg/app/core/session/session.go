package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
	"github.com/uhyunpark/marketsim/pkg/storage"
	"github.com/uhyunpark/marketsim/pkg/util"
)

var ErrAlreadyClosed = errors.New("trading session already closed")

type State uint32

const (
	Open State = iota
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Controller is the global open/closed gate. State changes must be
// serialized with order processing by the caller; IsOpen may be read from
// any goroutine.
type Controller struct {
	state atomic.Uint32
	store storage.Store
	clock util.Clock
	loc   *time.Location
	log   *zap.SugaredLogger
}

func NewController(store storage.Store, clock util.Clock, loc *time.Location, open bool, log *zap.SugaredLogger) *Controller {
	if clock == nil {
		clock = util.RealClock{}
	}
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Controller{store: store, clock: clock, loc: loc, log: log}
	if !open {
		c.state.Store(uint32(Closed))
	}
	return c
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) IsOpen() bool { return c.State() == Open }

// Activate opens the session. Opening an open session does nothing.
func (c *Controller) Activate() {
	if c.state.Swap(uint32(Open)) != uint32(Open) {
		c.log.Infow("session_opened")
	}
}

// Deactivate writes today's OHLCV row for every instrument, then calls
// clear, then closes the session. If the rows cannot be written, nothing
// happens: the session stays open and clear is not called.
func (c *Controller) Deactivate(ctx context.Context, clear func()) ([]account.DailyPrice, error) {
	if !c.IsOpen() {
		return nil, ErrAlreadyClosed
	}

	bars, err := c.dailyBars(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin close: %w", err)
	}
	defer tx.Rollback(ctx)
	for i := range bars {
		if err := tx.PutPrice(ctx, &bars[i]); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if clear != nil {
		clear()
	}
	c.state.Store(uint32(Closed))
	c.log.Infow("session_closed", "prices", len(bars))
	return bars, nil
}

func (c *Controller) dailyBars(ctx context.Context) ([]account.DailyPrice, error) {
	now := c.clock.Now().In(c.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	end := start.AddDate(0, 0, 1)
	date := start.Format(account.DateLayout)

	instruments, err := c.store.Instruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}

	var bars []account.DailyPrice
	for _, ins := range instruments {
		trades, err := c.store.Transactions(ctx, ins.ID, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to load trades for %s: %w", ins.ID, err)
		}
		prev, err := c.store.LatestPrice(ctx, ins.ID, date)
		if errors.Is(err, storage.ErrNotFound) {
			prev = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to load previous close for %s: %w", ins.ID, err)
		}

		bar, ok := DailyBar(ins.ID, date, trades, prev)
		if !ok {
			c.log.Infow("session_close_skipped", "instrument", ins.ID, "reason", "no trades and no previous close")
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
