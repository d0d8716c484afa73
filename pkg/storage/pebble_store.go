package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
)

// PebbleStore keeps the ledger in an embedded Pebble database. A Tx is an
// indexed batch: reads inside it see its own pending writes and the whole
// batch lands with one synced commit.
type PebbleStore struct {
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:        cache,
		MemTableSize: 16 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Begin(_ context.Context) (Tx, error) {
	return &pebbleTx{batch: s.db.NewIndexedBatch()}, nil
}

func (s *PebbleStore) Portfolio(_ context.Context, id string) (*account.Portfolio, error) {
	return loadPortfolio(s.db, id)
}

func (s *PebbleStore) Holding(_ context.Context, portfolio, instrument string) (*account.Holding, error) {
	return loadHolding(s.db, portfolio, instrument)
}

// Holdings loads all holdings of a portfolio, ordered by instrument.
func (s *PebbleStore) Holdings(_ context.Context, portfolio string) ([]account.Holding, error) {
	prefix := holdingPrefix(portfolio)
	var out []account.Holding
	err := scan(s.db, prefix, keyUpperBound(prefix), func(v []byte) error {
		var h account.Holding
		if err := decode(v, &h); err != nil {
			return fmt.Errorf("failed to unmarshal holding: %w", err)
		}
		if h.Portfolio != portfolio {
			return nil
		}
		out = append(out, h)
		return nil
	})
	return out, err
}

func (s *PebbleStore) Instruments(_ context.Context) ([]account.Instrument, error) {
	prefix := []byte(prefixInstrument)
	var out []account.Instrument
	err := scan(s.db, prefix, keyUpperBound(prefix), func(v []byte) error {
		var i account.Instrument
		if err := decode(v, &i); err != nil {
			return fmt.Errorf("failed to unmarshal instrument: %w", err)
		}
		out = append(out, i)
		return nil
	})
	return out, err
}

func (s *PebbleStore) Transactions(_ context.Context, instrument string, from, to time.Time) ([]account.Transaction, error) {
	var out []account.Transaction
	err := scan(s.db, transactionBound(instrument, from), transactionBound(instrument, to), func(v []byte) error {
		var t account.Transaction
		if err := decode(v, &t); err != nil {
			return fmt.Errorf("failed to unmarshal transaction: %w", err)
		}
		if t.Instrument != instrument {
			return nil
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *PebbleStore) LatestPrice(_ context.Context, instrument, before string) (*account.DailyPrice, error) {
	prefix := pricePrefix(instrument)
	upper := keyUpperBound(prefix)
	if before != "" {
		upper = priceKey(instrument, before)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	var p account.DailyPrice
	if err := decode(iter.Value(), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal price: %w", err)
	}
	return &p, nil
}

type pebbleTx struct {
	batch *pebble.Batch
	done  bool
}

func (t *pebbleTx) Portfolio(_ context.Context, id string) (*account.Portfolio, error) {
	return loadPortfolio(t.batch, id)
}

func (t *pebbleTx) Holding(_ context.Context, portfolio, instrument string) (*account.Holding, error) {
	return loadHolding(t.batch, portfolio, instrument)
}

func (t *pebbleTx) PutPortfolio(_ context.Context, p *account.Portfolio) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := checkKeyParts(p.ID); err != nil {
		return err
	}
	return put(t.batch, portfolioKey(p.ID), p)
}

func (t *pebbleTx) PutHolding(_ context.Context, h *account.Holding) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if err := checkKeyParts(h.Portfolio, h.Instrument); err != nil {
		return err
	}
	return put(t.batch, holdingKey(h.Portfolio, h.Instrument), h)
}

func (t *pebbleTx) PutInstrument(_ context.Context, i account.Instrument) error {
	if err := checkKeyParts(i.ID); err != nil {
		return err
	}
	return put(t.batch, instrumentKey(i.ID), i)
}

func (t *pebbleTx) AppendTransaction(_ context.Context, tr *account.Transaction) error {
	if err := checkKeyParts(tr.Instrument); err != nil {
		return err
	}
	return put(t.batch, transactionKey(tr.Instrument, tr.ExecutedAt, tr.MatchSeq, tr.ID), tr)
}

func (t *pebbleTx) PutPrice(_ context.Context, p *account.DailyPrice) error {
	if err := checkKeyParts(p.Instrument); err != nil {
		return err
	}
	return put(t.batch, priceKey(p.Instrument, p.Date), p)
}

func (t *pebbleTx) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	defer t.batch.Close()
	if err := t.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (t *pebbleTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.batch.Close()
}

func loadPortfolio(r pebble.Reader, id string) (*account.Portfolio, error) {
	var p account.Portfolio
	if err := get(r, portfolioKey(id), &p); err != nil {
		return nil, fmt.Errorf("portfolio %s: %w", id, err)
	}
	return &p, nil
}

func loadHolding(r pebble.Reader, portfolio, instrument string) (*account.Holding, error) {
	var h account.Holding
	if err := get(r, holdingKey(portfolio, instrument), &h); err != nil {
		return nil, fmt.Errorf("holding %s/%s: %w", portfolio, instrument, err)
	}
	return &h, nil
}

func get(r pebble.Reader, key []byte, v any) error {
	data, closer, err := r.Get(key)
	if err == pebble.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return decode(data, v)
}

func put(b *pebble.Batch, key []byte, v any) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return b.Set(key, data, nil)
}

func scan(r pebble.Reader, lower, upper []byte, fn func(v []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	return iter.Close()
}
