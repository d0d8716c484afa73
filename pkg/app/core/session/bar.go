package session

import (
	"sort"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
)

// DailyBar derives one day's OHLCV from the ledger rows of that day. Each
// match is counted once even when both participants wrote a row. Rows are
// ordered by execution time then match sequence, so the input order does not
// matter. With no trades the previous close rolls forward with zero volume;
// with neither, ok is false.
func DailyBar(instrument, date string, trades []account.Transaction, prev *account.DailyPrice) (account.DailyPrice, bool) {
	bar := account.DailyPrice{Instrument: instrument, Date: date}

	matches := dedupeMatches(trades)
	if len(matches) == 0 {
		if prev == nil {
			return bar, false
		}
		bar.Open, bar.High, bar.Low, bar.Close = prev.Close, prev.Close, prev.Close, prev.Close
		return bar, true
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.ExecutedAt.Equal(b.ExecutedAt) {
			return a.ExecutedAt.Before(b.ExecutedAt)
		}
		if a.MatchSeq != b.MatchSeq {
			return a.MatchSeq < b.MatchSeq
		}
		return a.MatchID < b.MatchID
	})

	bar.Open = matches[0].Price
	bar.Close = matches[len(matches)-1].Price
	bar.High, bar.Low = bar.Open, bar.Open
	for _, m := range matches {
		if m.Price.GreaterThan(bar.High) {
			bar.High = m.Price
		}
		if m.Price.LessThan(bar.Low) {
			bar.Low = m.Price
		}
		bar.Volume += m.Quantity
	}
	return bar, true
}

func dedupeMatches(trades []account.Transaction) []account.Transaction {
	seen := make(map[string]struct{}, len(trades))
	out := make([]account.Transaction, 0, len(trades))
	for _, t := range trades {
		key := t.MatchID
		if key == "" {
			key = t.ID
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
