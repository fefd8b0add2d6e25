// Package marketdata supplies ordered, validated OHLCV bar sequences to the
// backtest core. Retry and caching concerns live entirely inside the sources;
// the core only sees a blocking "get bars or fail" contract.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDataUnavailable reports that a source has no bars for the requested
// symbol and window. Callers treat it as a per-symbol no-op, never as fatal.
var ErrDataUnavailable = errors.New("marketdata: no bars available")

// Bar is a single OHLCV candle. Immutable once produced.
type Bar struct {
	Symbol    string
	Timestamp int64 // unix milliseconds, UTC
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Turnover  decimal.Decimal
}

// Time returns the bar timestamp as a time.Time in UTC.
func (b Bar) Time() time.Time { return time.UnixMilli(b.Timestamp).UTC() }

// Source supplies bars per symbol and timeframe.
type Source interface {
	Bars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Bar, error)
}

// Normalize sorts bars by timestamp, drops duplicates (keeping the first
// occurrence) and rejects bars that violate the schema constraints. Sources
// run their output through this before handing bars to the core.
func Normalize(bars []Bar) []Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp < bars[j].Timestamp })

	out := bars[:0]
	var lastTs int64 = -1
	for _, b := range bars {
		if b.Timestamp == lastTs {
			continue
		}
		if err := validate(b); err != nil {
			continue
		}
		out = append(out, b)
		lastTs = b.Timestamp
	}
	return out
}

func validate(b Bar) error {
	if b.Open.IsNegative() || b.High.IsNegative() || b.Low.IsNegative() ||
		b.Close.IsNegative() || b.Volume.IsNegative() || b.Turnover.IsNegative() {
		return fmt.Errorf("negative field")
	}
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("high %s below low %s", b.High, b.Low)
	}
	if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) {
		return fmt.Errorf("open %s outside [low, high]", b.Open)
	}
	if b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
		return fmt.Errorf("close %s outside [low, high]", b.Close)
	}
	return nil
}

// AggregateDaily rolls intraday bars up into one bar per UTC session:
// first open, max high, min low, last close, summed volume and turnover.
// Input must already be normalized. The output bar timestamp is midnight of
// the session.
func AggregateDaily(bars []Bar) []Bar {
	var out []Bar
	var cur *Bar
	var curDay time.Time

	for _, b := range bars {
		day := b.Time().Truncate(24 * time.Hour)
		if cur == nil || !day.Equal(curDay) {
			if cur != nil {
				out = append(out, *cur)
			}
			nb := b
			nb.Timestamp = day.UnixMilli()
			cur = &nb
			curDay = day
			continue
		}
		if b.High.GreaterThan(cur.High) {
			cur.High = b.High
		}
		if b.Low.LessThan(cur.Low) {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume = cur.Volume.Add(b.Volume)
		cur.Turnover = cur.Turnover.Add(b.Turnover)
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}
