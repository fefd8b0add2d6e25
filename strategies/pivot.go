package strategies

import (
	"github.com/shopspring/decimal"

	"quantback/services/config"
)

// Levels are the six prices derived from the previous period's range. All
// arithmetic is exact decimal so a level is crossed or it is not; there is no
// epsilon fudging.
type Levels struct {
	Pivot     decimal.Decimal
	BuyBreak  decimal.Decimal // breakout long trigger
	SellBreak decimal.Decimal // breakout short trigger
	SellSetup decimal.Decimal // observation band, upper
	SellEnter decimal.Decimal // reversal exit for longs
	BuyEnter  decimal.Decimal // reversal exit for shorts
	BuySetup  decimal.Decimal // observation band, lower
}

var three = decimal.NewFromInt(3)

// ComputeLevels derives the level set from the previous period's high, low
// and close and the five coefficients.
func ComputeLevels(high, low, close decimal.Decimal, p config.PivotConfig) Levels {
	f1 := decimal.NewFromFloat(p.F1)
	f2 := decimal.NewFromFloat(p.F2)
	f3 := decimal.NewFromFloat(p.F3)
	f4 := decimal.NewFromFloat(p.F4)
	f5 := decimal.NewFromFloat(p.F5)

	pivot := high.Add(low).Add(close).Div(three)
	rng := high.Sub(low)

	return Levels{
		Pivot:     pivot,
		BuyBreak:  high.Add(f1.Mul(close.Sub(low))),
		SellBreak: low.Sub(f1.Mul(high.Sub(close))),
		SellSetup: pivot.Add(f2.Mul(rng)),
		SellEnter: pivot.Add(f3.Mul(pivot.Sub(low))),
		BuyEnter:  pivot.Sub(f5.Mul(high.Sub(pivot))),
		BuySetup:  pivot.Sub(f4.Mul(rng)),
	}
}

// Pivot is the range-break variant: enter when price clears a breakout level
// by at least the minimum move, exit an open position when price crosses the
// opposite reversal level. Stop-loss and time exits are the shared ladder's
// job, not ours.
type Pivot struct {
	cfg *config.Config
}

func NewPivot(cfg *config.Config) *Pivot { return &Pivot{cfg: cfg} }

func (p *Pivot) Name() string { return "pivot" }

func (p *Pivot) Evaluate(ctx EvalContext) Decision {
	if inCooldown(ctx, p.cfg.Cooldown) {
		return hold
	}
	if !ctx.Snap.HasPrev {
		return hold
	}

	lv := ComputeLevels(ctx.Snap.PrevHigh, ctx.Snap.PrevLow, ctx.Snap.PrevClose, p.cfg.Pivot)
	price := ctx.Bar.Close
	minMove := decimal.NewFromFloat(p.cfg.Pivot.MinPriceMove)

	if ctx.Pos.Open {
		if !ctx.Pos.Short {
			if price.GreaterThanOrEqual(lv.SellEnter) && price.Sub(lv.SellEnter).Abs().GreaterThanOrEqual(minMove) {
				return Decision{Action: Exit, Reason: "reversal-sell"}
			}
		} else {
			if price.LessThanOrEqual(lv.BuyEnter) && lv.BuyEnter.Sub(price).Abs().GreaterThanOrEqual(minMove) {
				return Decision{Action: Exit, Reason: "reversal-buy"}
			}
		}
		return hold
	}

	if price.GreaterThan(lv.BuyBreak) && price.Sub(lv.BuyBreak).GreaterThanOrEqual(minMove) {
		return Decision{
			Action:   EnterLong,
			Reason:   "pivot-break-up",
			Strength: overshoot(price, lv.BuyBreak),
		}
	}
	if price.LessThan(lv.SellBreak) && lv.SellBreak.Sub(price).GreaterThanOrEqual(minMove) {
		return Decision{
			Action:   EnterShort,
			Reason:   "pivot-break-down",
			Strength: overshoot(lv.SellBreak, price),
		}
	}
	return hold
}

// overshoot ranks breakouts by how far past the level price has run,
// relative to the level itself.
func overshoot(a, b decimal.Decimal) float64 {
	if b.IsZero() {
		return 0
	}
	v := a.Sub(b).Div(b).InexactFloat64()
	if v < 0 {
		return 0
	}
	return v
}
