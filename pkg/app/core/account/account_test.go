package account

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPortfolio_DebitCredit(t *testing.T) {
	tests := []struct {
		name    string
		cash    string
		debit   string
		want    string
		wantErr error
	}{
		{"covered", "100.00", "40.50", "59.50", nil},
		{"exact", "10", "10", "0", nil},
		{"overdrawn", "10", "10.01", "10", ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Portfolio{ID: "p1", Cash: d(tt.cash)}
			err := p.Debit(d(tt.debit))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Debit() error = %v, want %v", err, tt.wantErr)
			}
			if !p.Cash.Equal(d(tt.want)) {
				t.Errorf("Cash = %s, want %s", p.Cash, tt.want)
			}
		})
	}

	p := &Portfolio{ID: "p1"}
	p.Credit(d("12.34"))
	if !p.Cash.Equal(d("12.34")) {
		t.Errorf("Credit() cash = %s, want 12.34", p.Cash)
	}
}

func TestHolding_BuyReplacesCostBasis(t *testing.T) {
	h := &Holding{Portfolio: "p1", Instrument: "X", Quantity: 10, CostBasis: d("50")}
	h.Buy(5, d("80"))
	if h.Quantity != 15 {
		t.Errorf("Quantity = %d, want 15", h.Quantity)
	}
	if !h.CostBasis.Equal(d("80")) {
		t.Errorf("CostBasis = %s, want 80", h.CostBasis)
	}
}

func TestHolding_Sell(t *testing.T) {
	h := &Holding{Portfolio: "p1", Instrument: "X", Quantity: 3, CostBasis: d("50")}
	if err := h.Sell(4); !errors.Is(err, ErrInsufficientHoldings) {
		t.Fatalf("Sell(4) error = %v, want ErrInsufficientHoldings", err)
	}
	if h.Quantity != 3 {
		t.Errorf("Quantity after failed sell = %d, want 3", h.Quantity)
	}
	if err := h.Sell(3); err != nil {
		t.Fatalf("Sell(3) error = %v", err)
	}
	if h.Quantity != 0 || !h.CostBasis.Equal(d("50")) {
		t.Errorf("after sell: qty=%d basis=%s, want 0 and 50", h.Quantity, h.CostBasis)
	}
}

func TestValidate(t *testing.T) {
	if err := (&Portfolio{ID: "p", Cash: d("-1")}).Validate(); err == nil {
		t.Error("negative cash should not validate")
	}
	if err := (&Holding{Portfolio: "p", Instrument: "X", Quantity: -1}).Validate(); err == nil {
		t.Error("negative holding should not validate")
	}
	if err := (&Holding{Portfolio: "p", Instrument: "X"}).Validate(); err != nil {
		t.Errorf("empty holding Validate() = %v", err)
	}
}

func TestDateOf(t *testing.T) {
	ts := time.Date(2024, 1, 2, 23, 30, 0, 0, time.UTC)
	tokyo := time.FixedZone("JST", 9*3600)
	if got := DateOf(ts, tokyo); got != "2024-01-03" {
		t.Errorf("DateOf() = %s, want 2024-01-03", got)
	}
	if got := DateOf(ts, time.UTC); got != "2024-01-02" {
		t.Errorf("DateOf() = %s, want 2024-01-02", got)
	}
}
