// Package position tracks one open position per symbol and owns the shared
// exit ladder. All strategy variants run the same ladder; only their entry
// logic differs.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"quantback/services/marketdata"
)

// Side of an open position.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

// Position is the live state for one symbol between entry and exit.
type Position struct {
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	EntryTime  time.Time
	EntryCost  decimal.Decimal // commission paid on the way in

	// HoldPeriods counts completed periods since entry; zero on the entry
	// period itself.
	HoldPeriods int

	// BestPrice is the most favorable close seen since entry: highest for a
	// long, lowest for a short.
	BestPrice decimal.Decimal

	// TrailingStop is zero until the first favorable move arms it. It only
	// ever tightens.
	TrailingStop decimal.Decimal

	// Excursions as fractional returns on entry price.
	MaxFavorable float64
	MaxAdverse   float64
}

// Open starts a position at the fill price.
func Open(symbol string, side Side, qty, price, commission decimal.Decimal, at time.Time) *Position {
	return &Position{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: price,
		EntryTime:  at,
		EntryCost:  commission,
		BestPrice:  price,
	}
}

// Gain is the fractional return at price, sign-adjusted for side.
func (p *Position) Gain(price decimal.Decimal) float64 {
	if p.EntryPrice.IsZero() {
		return 0
	}
	g := price.Sub(p.EntryPrice).Div(p.EntryPrice).InexactFloat64()
	if p.Side == Short {
		return -g
	}
	return g
}

// Update advances the position by one period: bumps the holding counter,
// tracks the favorable extreme and excursions, and tightens the trailing
// stop. trailingPct <= 0 disables trailing.
func (p *Position) Update(bar marketdata.Bar, trailingPct float64) {
	p.HoldPeriods++

	price := bar.Close
	g := p.Gain(price)
	if g > p.MaxFavorable {
		p.MaxFavorable = g
	}
	if g < p.MaxAdverse {
		p.MaxAdverse = g
	}

	favorable := false
	if p.Side == Long {
		favorable = price.GreaterThan(p.BestPrice)
	} else {
		favorable = price.LessThan(p.BestPrice)
	}
	if !favorable {
		return
	}
	p.BestPrice = price

	if trailingPct <= 0 {
		return
	}
	pct := decimal.NewFromFloat(trailingPct)
	var stop decimal.Decimal
	if p.Side == Long {
		stop = price.Mul(decimal.NewFromInt(1).Sub(pct))
		if p.TrailingStop.IsZero() || stop.GreaterThan(p.TrailingStop) {
			p.TrailingStop = stop
		}
	} else {
		stop = price.Mul(decimal.NewFromInt(1).Add(pct))
		if p.TrailingStop.IsZero() || stop.LessThan(p.TrailingStop) {
			p.TrailingStop = stop
		}
	}
}
