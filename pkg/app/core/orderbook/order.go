package orderbook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidOrder marks a malformed order. The book checks every order it
// is given, including ones validated upstream.
var ErrInvalidOrder = errors.New("invalid order")

type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// MarshalText writes the zero Side as an empty string so it reads back.
func (s Side) MarshalText() ([]byte, error) {
	if s == 0 {
		return []byte{}, nil
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = 0
		return nil
	}
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy", "b", "bid":
		return Buy, nil
	case "sell", "s", "ask":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
}

type Kind uint8

const (
	Market Kind = iota + 1
	Limit
)

func (k Kind) String() string {
	switch k {
	case Market:
		return "market"
	case Limit:
		return "limit"
	default:
		return "unknown"
	}
}

// MarshalText writes the zero Kind as an empty string so it reads back.
func (k Kind) MarshalText() ([]byte, error) {
	if k == 0 {
		return []byte{}, nil
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = 0
		return nil
	}
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "market":
		return Market, nil
	case "limit":
		return Limit, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidOrder, s)
}

// Order is a request to trade Volume units of Instrument. An empty Owner
// marks an administrative (liquidity) order whose side of every match is
// exempt from settlement.
type Order struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner,omitempty"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Kind       Kind            `json:"kind"`
	Price      decimal.Decimal `json:"price"`
	Volume     int64           `json:"volume"`
	Seq        uint64          `json:"seq"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (o *Order) Administrative() bool { return o.Owner == "" }

func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOrder)
	}
	if o.Instrument == "" {
		return fmt.Errorf("%w: missing instrument", ErrInvalidOrder)
	}
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	}
	if o.Volume <= 0 {
		return fmt.Errorf("%w: volume must be positive: %d", ErrInvalidOrder, o.Volume)
	}
	switch o.Kind {
	case Limit:
		if !o.Price.IsPositive() {
			return fmt.Errorf("%w: limit price must be positive: %s", ErrInvalidOrder, o.Price)
		}
	case Market:
		if !o.Price.IsZero() {
			return fmt.Errorf("%w: market orders carry no price", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: kind must be market or limit", ErrInvalidOrder)
	}
	return nil
}

// crosses reports whether a resting order at price p is acceptable to o.
// Market orders accept any price.
func (o *Order) crosses(p decimal.Decimal) bool {
	if o.Kind == Market {
		return true
	}
	if o.Side == Buy {
		return p.LessThanOrEqual(o.Price)
	}
	return p.GreaterThanOrEqual(o.Price)
}

// Match is one execution between an incoming (taker) order and a resting
// (maker) order. Price is always the maker's price.
type Match struct {
	ID           string          `json:"id"`
	Seq          uint64          `json:"seq"`
	Instrument   string          `json:"instrument"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Buyer        string          `json:"buyer,omitempty"`
	Seller       string          `json:"seller,omitempty"`
	MakerOrderID string          `json:"makerOrderId"`
	TakerOrderID string          `json:"takerOrderId"`
	TakerSide    Side            `json:"takerSide"`
	Kind         Kind            `json:"kind"`
	ExecutedAt   time.Time       `json:"executedAt"`
}

// Amount is the cash value of the match rounded to cents.
func (m Match) Amount() decimal.Decimal {
	return m.Price.Mul(decimal.NewFromInt(m.Quantity)).Round(2)
}

func (m Match) String() string {
	return fmt.Sprintf("%s %s %d@%s", m.ID, m.Instrument, m.Quantity, m.Price)
}
