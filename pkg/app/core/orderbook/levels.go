package orderbook

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// PriceLevel aggregates the resting volume at one price.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume"`
	Orders int             `json:"orders"`
}

// level is a FIFO queue of resting orders at one price.
type level struct {
	price  decimal.Decimal
	orders []*Order
}

func (l *level) volume() int64 {
	var v int64
	for _, o := range l.orders {
		v += o.Volume
	}
	return v
}

func (l *level) remove(id string) bool {
	for i, o := range l.orders {
		if o.ID == id {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return true
		}
	}
	return false
}

// bookSide keeps price levels ordered best-first: Min() is always the best
// price for the side (highest bid, lowest ask).
type bookSide struct {
	side Side
	tree *btree.BTreeG[*level]
}

func newBookSide(s Side) *bookSide {
	less := func(a, b *level) bool { return a.price.LessThan(b.price) }
	if s == Buy {
		less = func(a, b *level) bool { return a.price.GreaterThan(b.price) }
	}
	return &bookSide{side: s, tree: btree.NewG(8, less)}
}

func (bs *bookSide) best() (*level, bool) {
	return bs.tree.Min()
}

func (bs *bookSide) get(price decimal.Decimal) (*level, bool) {
	return bs.tree.Get(&level{price: price})
}

// insert appends o behind every order already resting at its price.
func (bs *bookSide) insert(o *Order) {
	if lvl, ok := bs.get(o.Price); ok {
		lvl.orders = append(lvl.orders, o)
		return
	}
	bs.tree.ReplaceOrInsert(&level{price: o.Price, orders: []*Order{o}})
}

func (bs *bookSide) popFront(lvl *level) {
	lvl.orders = lvl.orders[1:]
	if len(lvl.orders) == 0 {
		bs.tree.Delete(lvl)
	}
}

func (bs *bookSide) cancel(o *Order) bool {
	lvl, ok := bs.get(o.Price)
	if !ok || !lvl.remove(o.ID) {
		return false
	}
	if len(lvl.orders) == 0 {
		bs.tree.Delete(lvl)
	}
	return true
}

// depth returns up to n aggregated levels best-first; n <= 0 means all.
func (bs *bookSide) depth(n int) []PriceLevel {
	out := make([]PriceLevel, 0, max(n, 0))
	bs.tree.Ascend(func(lvl *level) bool {
		if n > 0 && len(out) == n {
			return false
		}
		out = append(out, PriceLevel{Price: lvl.price, Volume: lvl.volume(), Orders: len(lvl.orders)})
		return true
	})
	return out
}

// orders lists resting orders in priority order.
func (bs *bookSide) orders() []Order {
	var out []Order
	bs.tree.Ascend(func(lvl *level) bool {
		for _, o := range lvl.orders {
			out = append(out, *o)
		}
		return true
	})
	return out
}
