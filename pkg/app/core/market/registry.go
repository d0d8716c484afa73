package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
	"github.com/uhyunpark/marketsim/pkg/storage"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrNoReferencePrice  = errors.New("no reference price")
)

// PriceHistory is the slice of the ledger store the registry reads.
type PriceHistory interface {
	Instruments(ctx context.Context) ([]account.Instrument, error)
	LatestPrice(ctx context.Context, instrument, before string) (*account.DailyPrice, error)
}

// Registry tracks tradable instruments in a thread-safe manner and answers
// reference-price queries from price history.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]account.Instrument
	history     PriceHistory
}

func NewRegistry(history PriceHistory) *Registry {
	return &Registry{
		instruments: make(map[string]account.Instrument),
		history:     history,
	}
}

// Load registers every instrument known to the store.
func (r *Registry) Load(ctx context.Context) error {
	list, err := r.history.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load instruments: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range list {
		r.instruments[i.ID] = i
	}
	return nil
}

// Register adds an instrument. Returns error if the id is already taken.
func (r *Registry) Register(i account.Instrument) error {
	if i.ID == "" {
		return fmt.Errorf("cannot register instrument without id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instruments[i.ID]; exists {
		return fmt.Errorf("instrument %s already registered", i.ID)
	}
	r.instruments[i.ID] = i
	return nil
}

func (r *Registry) Get(id string) (account.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.instruments[id]
	if !ok {
		return account.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	return i, nil
}

func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instruments[id]
	return ok
}

// List returns all instruments ordered by id.
func (r *Registry) List() []account.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]account.Instrument, 0, len(r.instruments))
	for _, i := range r.instruments {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}

// ReferencePrice is the most recent daily close, the anchor for the
// pre-submission price band.
func (r *Registry) ReferencePrice(ctx context.Context, id string) (decimal.Decimal, error) {
	if !r.Exists(id) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	p, err := r.history.LatestPrice(ctx, id, "")
	if errors.Is(err, storage.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoReferencePrice, id)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return p.Close, nil
}
