package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/marketsim/pkg/app/core/orderbook"
)

var (
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInsufficientBalance  = errors.New("insufficient balance")
)

// Instrument is a tradable security.
type Instrument struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name,omitempty"`
}

// Portfolio is a participant's cash account. Cash never goes negative.
type Portfolio struct {
	ID   string          `json:"id"`
	Name string          `json:"name,omitempty"`
	Cash decimal.Decimal `json:"cash"`
}

// Debit removes amount from cash, failing if cash would go negative.
func (p *Portfolio) Debit(amount decimal.Decimal) error {
	next := p.Cash.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: portfolio %s has %s, needs %s", ErrInsufficientBalance, p.ID, p.Cash, amount)
	}
	p.Cash = next
	return nil
}

func (p *Portfolio) Credit(amount decimal.Decimal) {
	p.Cash = p.Cash.Add(amount)
}

func (p *Portfolio) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("portfolio id is empty")
	}
	if p.Cash.IsNegative() {
		return fmt.Errorf("negative cash: %s", p.Cash)
	}
	return nil
}

// Holding is the quantity of one instrument held by one portfolio.
type Holding struct {
	Portfolio  string          `json:"portfolio"`
	Instrument string          `json:"instrument"`
	Quantity   int64           `json:"quantity"`
	CostBasis  decimal.Decimal `json:"costBasis"`
}

// Buy adds qty. The cost basis becomes the latest purchase price rather than
// a weighted average.
func (h *Holding) Buy(qty int64, price decimal.Decimal) {
	h.Quantity += qty
	h.CostBasis = price
}

// Sell removes qty, failing if the holding would go negative. Cost basis is
// left unchanged.
func (h *Holding) Sell(qty int64) error {
	if h.Quantity < qty {
		return fmt.Errorf("%w: portfolio %s holds %d %s, sells %d",
			ErrInsufficientHoldings, h.Portfolio, h.Quantity, h.Instrument, qty)
	}
	h.Quantity -= qty
	return nil
}

func (h *Holding) Validate() error {
	if h.Portfolio == "" || h.Instrument == "" {
		return fmt.Errorf("holding needs portfolio and instrument")
	}
	if h.Quantity < 0 {
		return fmt.Errorf("negative quantity: %d", h.Quantity)
	}
	return nil
}

// Transaction is one ledger row: a single participant's side of a match.
type Transaction struct {
	ID         string          `json:"id"`
	MatchID    string          `json:"matchId"`
	MatchSeq   uint64          `json:"matchSeq"`
	Portfolio  string          `json:"portfolio"`
	Instrument string          `json:"instrument"`
	Side       orderbook.Side  `json:"side"`
	Kind       orderbook.Kind  `json:"kind"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// DailyPrice is one OHLCV row of price history. Date is YYYY-MM-DD in the
// session timezone.
type DailyPrice struct {
	Instrument string          `json:"instrument"`
	Date       string          `json:"date"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     int64           `json:"volume"`
}

const DateLayout = "2006-01-02"

// DateOf formats t as a price-history date in loc.
func DateOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}
