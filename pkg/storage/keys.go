package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Key schema for the Pebble ledger store:
//
//   ins:{instrument}                              → Instrument
//   pf:{portfolio}                                → Portfolio
//   hold:{portfolio}:{instrument}                 → Holding
//   txn:{instrument}:{unixnano}:{matchSeq}:{id}   → Transaction
//   px:{instrument}:{date}                        → DailyPrice
//
// Numeric components are zero-padded (20 digits) so lexicographic order is
// chronological order.

// ErrInvalidKey is returned when an id would break the key schema.
var ErrInvalidKey = errors.New("invalid key")

const keySeparator = ":"

const (
	prefixInstrument  = "ins:"
	prefixPortfolio   = "pf:"
	prefixHolding     = "hold:"
	prefixTransaction = "txn:"
	prefixPrice       = "px:"
)

// checkKeyParts rejects ids that are empty or contain the separator, so a
// prefix scan for one id never reaches the rows of another.
func checkKeyParts(ids ...string) error {
	for _, id := range ids {
		if id == "" || strings.Contains(id, keySeparator) {
			return fmt.Errorf("%w: id %q", ErrInvalidKey, id)
		}
	}
	return nil
}

func instrumentKey(id string) []byte {
	return []byte(prefixInstrument + id)
}

func portfolioKey(id string) []byte {
	return []byte(prefixPortfolio + id)
}

func holdingKey(portfolio, instrument string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixHolding, portfolio, instrument))
}

func holdingPrefix(portfolio string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixHolding, portfolio))
}

func transactionKey(instrument string, ts time.Time, matchSeq uint64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d:%s", prefixTransaction, instrument, ts.UnixNano(), matchSeq, id))
}

// transactionBound is the first possible key at or after ts.
func transactionBound(instrument string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTransaction, instrument, ts.UnixNano()))
}

func priceKey(instrument, date string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPrice, instrument, date))
}

func pricePrefix(instrument string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPrice, instrument))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
