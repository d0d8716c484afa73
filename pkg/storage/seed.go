package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
)

// Seed is the boot-time fixture of instruments and portfolios.
type Seed struct {
	Instruments []SeedInstrument `json:"instruments"`
	Portfolios  []SeedPortfolio  `json:"portfolios"`
}

type SeedInstrument struct {
	account.Instrument
	// PreviousClose prices the instrument before its first trade.
	PreviousClose *decimal.Decimal `json:"previousClose,omitempty"`
	CloseDate     string           `json:"closeDate,omitempty"`
}

type SeedPortfolio struct {
	account.Portfolio
	Holdings []account.Holding `json:"holdings,omitempty"`
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var s Seed
	if err := decode(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return &s, nil
}

// ApplySeed writes the seed in one transaction. Instruments are upserted;
// portfolios and price history already present are left alone, so a seed
// can be applied on every boot. defaultDate dates previous closes that do
// not carry their own.
func ApplySeed(ctx context.Context, store Store, seed *Seed, defaultDate string) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, si := range seed.Instruments {
		if si.ID == "" {
			return fmt.Errorf("seed instrument without id")
		}
		if err := tx.PutInstrument(ctx, si.Instrument); err != nil {
			return err
		}
		if si.PreviousClose == nil {
			continue
		}
		_, err := store.LatestPrice(ctx, si.ID, "")
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		date := si.CloseDate
		if date == "" {
			date = defaultDate
		}
		pc := *si.PreviousClose
		if err := tx.PutPrice(ctx, &account.DailyPrice{
			Instrument: si.ID, Date: date,
			Open: pc, High: pc, Low: pc, Close: pc,
		}); err != nil {
			return err
		}
	}

	for _, sp := range seed.Portfolios {
		_, err := store.Portfolio(ctx, sp.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		p := sp.Portfolio
		if err := tx.PutPortfolio(ctx, &p); err != nil {
			return fmt.Errorf("seed portfolio %s: %w", sp.ID, err)
		}
		for _, h := range sp.Holdings {
			h.Portfolio = sp.ID
			if err := tx.PutHolding(ctx, &h); err != nil {
				return fmt.Errorf("seed holding %s/%s: %w", sp.ID, h.Instrument, err)
			}
		}
	}

	return tx.Commit(ctx)
}
