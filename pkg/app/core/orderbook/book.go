package orderbook

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/uhyunpark/marketsim/pkg/util"
)

// SettleFunc applies one match to the ledger. A non-nil error stops matching
// and leaves the failing match unapplied to the book.
type SettleFunc func(Match) error

// Result describes what happened to one submitted order.
type Result struct {
	Order   Order   `json:"order"` // remaining volume after matching
	Matches []Match `json:"matches"`
	Rested  bool    `json:"rested"`
}

// Filled is the total quantity matched.
func (r Result) Filled() int64 {
	var n int64
	for _, m := range r.Matches {
		n += m.Quantity
	}
	return n
}

// Snapshot is the top of one instrument's book plus its most recent match.
type Snapshot struct {
	Instrument string       `json:"instrument"`
	Bids       []PriceLevel `json:"bids"` // best (highest) first
	Asks       []PriceLevel `json:"asks"` // best (lowest) first
	LastMatch  *Match       `json:"lastMatch,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

type instrumentBook struct {
	bids *bookSide
	asks *bookSide
}

func (ib *instrumentBook) side(s Side) *bookSide {
	if s == Buy {
		return ib.bids
	}
	return ib.asks
}

// Book holds resting limit orders for every instrument and matches incoming
// orders by price, then arrival. It is not safe for concurrent use: a single
// goroutine owns it and serializes every call.
type Book struct {
	books map[string]*instrumentBook
	index map[string]*Order // resting order id -> order
	last  map[string]Match

	seq      uint64
	matchSeq uint64
	clock    util.Clock

	// OnMatch runs after a match has settled and both orders were decremented.
	OnMatch func(Match)
}

func New(clock util.Clock) *Book {
	if clock == nil {
		clock = util.RealClock{}
	}
	b := &Book{clock: clock}
	b.reset()
	return b
}

func (b *Book) reset() {
	b.books = make(map[string]*instrumentBook)
	b.index = make(map[string]*Order)
	b.last = make(map[string]Match)
}

func (b *Book) instrument(id string) *instrumentBook {
	ib, ok := b.books[id]
	if !ok {
		ib = &instrumentBook{bids: newBookSide(Buy), asks: newBookSide(Sell)}
		b.books[id] = ib
	}
	return ib
}

// Submit assigns o its arrival sequence and matches it against the opposite
// side. Market orders never rest; the unfilled part of a limit order rests.
//
// If settle fails, matching stops: earlier matches stay applied, the failing
// one is not, and the incoming order does not rest. The partial result is
// returned with the error.
func (b *Book) Submit(o Order, settle SettleFunc) (Result, error) {
	if err := o.Validate(); err != nil {
		return Result{Order: o}, err
	}
	if _, dup := b.index[o.ID]; dup {
		return Result{Order: o}, fmt.Errorf("%w: duplicate order id %s", ErrInvalidOrder, o.ID)
	}

	b.seq++
	o.Seq = b.seq
	if o.CreatedAt.IsZero() {
		o.CreatedAt = b.clock.Now()
	}

	ib := b.instrument(o.Instrument)
	opp := ib.side(o.Side.Opposite())

	var res Result
	for o.Volume > 0 {
		lvl, ok := opp.best()
		if !ok || !o.crosses(lvl.price) {
			break
		}
		maker := lvl.orders[0]
		m := b.newMatch(&o, maker, min(o.Volume, maker.Volume))

		if settle != nil {
			if err := settle(m); err != nil {
				res.Order = o
				return res, err
			}
		}

		o.Volume -= m.Quantity
		maker.Volume -= m.Quantity
		if maker.Volume == 0 {
			opp.popFront(lvl)
			delete(b.index, maker.ID)
		}
		b.last[o.Instrument] = m
		res.Matches = append(res.Matches, m)

		if b.OnMatch != nil {
			b.OnMatch(m)
		}
	}

	if o.Kind == Limit && o.Volume > 0 {
		cp := o
		ib.side(o.Side).insert(&cp)
		b.index[cp.ID] = &cp
		res.Rested = true
	}
	res.Order = o
	return res, nil
}

func (b *Book) newMatch(taker, maker *Order, qty int64) Match {
	b.matchSeq++
	m := Match{
		ID:           uuid.NewString(),
		Seq:          b.matchSeq,
		Instrument:   taker.Instrument,
		Quantity:     qty,
		Price:        maker.Price,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		TakerSide:    taker.Side,
		Kind:         taker.Kind,
		ExecutedAt:   b.clock.Now(),
	}
	if taker.Side == Buy {
		m.Buyer, m.Seller = taker.Owner, maker.Owner
	} else {
		m.Buyer, m.Seller = maker.Owner, taker.Owner
	}
	return m
}

// Cancel removes a resting order. It reports false if id is unknown or the
// order was already filled.
func (b *Book) Cancel(id string) bool {
	o, ok := b.index[id]
	if !ok {
		return false
	}
	ib, ok := b.books[o.Instrument]
	if !ok || !ib.side(o.Side).cancel(o) {
		return false
	}
	delete(b.index, id)
	return true
}

// Clear drops every resting order and the recent-match map.
func (b *Book) Clear() {
	b.reset()
}

// Order returns a copy of a resting order.
func (b *Book) Order(id string) (Order, bool) {
	o, ok := b.index[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Orders lists the resting orders of one side in priority order.
func (b *Book) Orders(instrument string, side Side) []Order {
	ib, ok := b.books[instrument]
	if !ok {
		return nil
	}
	return ib.side(side).orders()
}

func (b *Book) LastMatch(instrument string) (Match, bool) {
	m, ok := b.last[instrument]
	return m, ok
}

// Snapshot aggregates the best depth levels of each side.
func (b *Book) Snapshot(instrument string, depth int) Snapshot {
	s := Snapshot{
		Instrument: instrument,
		Bids:       []PriceLevel{},
		Asks:       []PriceLevel{},
		Timestamp:  b.clock.Now(),
	}
	if ib, ok := b.books[instrument]; ok {
		s.Bids = ib.bids.depth(depth)
		s.Asks = ib.asks.depth(depth)
	}
	if m, ok := b.last[instrument]; ok {
		s.LastMatch = &m
	}
	return s
}

// Instruments lists every instrument the book has seen since the last clear.
func (b *Book) Instruments() []string {
	seen := make(map[string]struct{}, len(b.books))
	for id := range b.books {
		seen[id] = struct{}{}
	}
	for id := range b.last {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resting is the number of resting orders across all instruments.
func (b *Book) Resting() int {
	return len(b.index)
}
