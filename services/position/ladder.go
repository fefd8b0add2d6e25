package position

import (
	"quantback/services/config"
	"quantback/services/indicator"
	"quantback/services/marketdata"
)

// Ladder evaluates the exit rules in strict precedence order. The first rule
// that fires wins the period; nothing below it is looked at.
//
// Order: hard stop-loss (with a stricter multiple inside the minimum holding
// period, during which no other rule may fire), take-profit, trailing stop,
// holding-tiered profit protection, technical deterioration, time stops.
type Ladder struct {
	cfg *config.Config
}

func NewLadder(cfg *config.Config) *Ladder { return &Ladder{cfg: cfg} }

// Check returns the exit reason for the period, or false to keep holding.
func (l *Ladder) Check(p *Position, bar marketdata.Bar, snap indicator.Snapshot) (string, bool) {
	gain := p.Gain(bar.Close)

	// 1. Hard stop-loss. Inside the minimum holding period only the severe
	// stop can fire; the guard swallows every other rule.
	if p.HoldPeriods < l.cfg.MinHoldPeriods {
		if gain <= -l.cfg.StopLossPct*l.cfg.SevereStopMultiple {
			return "severe-stop-loss", true
		}
		return "", false
	}
	if gain <= -l.cfg.StopLossPct {
		return "stop-loss", true
	}

	// 2. Hard take-profit.
	if gain >= l.cfg.TakeProfitPct {
		return "take-profit", true
	}

	// 3. Trailing stop, once armed.
	if l.cfg.TrailingStopEnabled && !p.TrailingStop.IsZero() {
		hit := false
		if p.Side == Long {
			hit = bar.Close.LessThanOrEqual(p.TrailingStop)
		} else {
			hit = bar.Close.GreaterThanOrEqual(p.TrailingStop)
		}
		if hit {
			return "trailing-stop", true
		}
	}

	if reason, ok := l.tiered(p, gain, snap); ok {
		return reason, true
	}
	if reason, ok := l.technical(p, gain, snap); ok {
		return reason, true
	}

	// 6. Time stops. The hard one is unconditional; the softer one fires
	// earlier when the position is underwater past the floor.
	if p.HoldPeriods >= l.cfg.MaxHoldPeriods {
		return "time-stop", true
	}
	if p.HoldPeriods >= l.cfg.UnderperformPeriods && gain < l.cfg.UnderperformFloor {
		return "underperformance-stop", true
	}

	return "", false
}

// tiered protects paper profits with thresholds that loosen as the position
// ages: lock fast early, allow room mid-hold, trail the recent extreme late.
func (l *Ladder) tiered(p *Position, gain float64, snap indicator.Snapshot) (string, bool) {
	hold := p.HoldPeriods

	if hold >= 1 && hold <= 3 && gain >= 0.15 {
		if l.adverse(p, snap.PriceChange) < -0.08 {
			return "early-profit-lock", true
		}
	}

	if hold >= 4 && hold <= 10 && gain >= 0.10 {
		if l.adverse(p, snap.PriceChange) < -0.10 {
			return "mid-profit-lock", true
		}
		if l.adverseRun(p, snap.RecentChanges, 3, -0.05) == 3 {
			return "trend-weakening", true
		}
	}

	if hold >= 11 && gain >= 0.05 {
		if p.Side == Long && indicator.Defined(snap.High10) && snap.High10 > 0 {
			if (snap.High10-snap.Close)/snap.High10 > 0.15 {
				return "trailing-drawdown", true
			}
		}
		if p.Side == Short && indicator.Defined(snap.Low10) && snap.Low10 > 0 {
			if (snap.Close-snap.Low10)/snap.Low10 > 0.15 {
				return "trailing-drawdown", true
			}
		}
	}

	return "", false
}

// technical fires on deterioration patterns regardless of holding age.
func (l *Ladder) technical(p *Position, gain float64, snap indicator.Snapshot) (string, bool) {
	adv := l.adverse(p, snap.PriceChange)

	// Shrinking volume into an adverse move: participants leaving.
	if indicator.LT(snap.VolumeSurge, 0.7) && adv < -0.04 {
		return "volume-divergence", true
	}

	// Short moving average broken on expanding volume.
	maBroken := false
	if p.Side == Long {
		maBroken = indicator.LT(snap.Close, snap.MA5)
	} else {
		maBroken = indicator.GT(snap.Close, snap.MA5)
	}
	if maBroken && indicator.GT(snap.VolumeSurge, 1.5) && adv < -0.04 {
		return "ma-break", true
	}

	if l.adverseRun(p, snap.RecentChanges, 2, -0.02) == 2 {
		return "consecutive-adverse", true
	}

	if gain > 0.10 {
		if p.HoldPeriods >= 5 && l.flatRun(snap.RecentChanges, 5, 0.02) {
			return "stagnation", true
		}
		if p.Side == Long && indicator.GT(snap.RSI, 90) {
			return "rsi-extreme", true
		}
		if p.Side == Short && indicator.LT(snap.RSI, 10) {
			return "rsi-extreme", true
		}
	}

	if gain < -0.02 {
		if indicator.GT(snap.VolumeSurge, 2.0) && adv < -0.03 {
			return "volume-selloff", true
		}
		if l.adverseCount(p, snap.RecentChanges, 3, -0.02) >= 2 {
			return "sustained-adverse", true
		}
	}

	if l.adverseCount(p, snap.RecentChanges, 3, -0.04) >= 2 {
		return "market-deterioration", true
	}

	return "", false
}

// adverse maps a period return onto the position's adverse axis: for a short,
// a rising price is the bad direction.
func (l *Ladder) adverse(p *Position, change float64) float64 {
	if !indicator.Defined(change) {
		return 0
	}
	if p.Side == Short {
		return -change
	}
	return change
}

// adverseRun counts how many of the last n changes are below the threshold on
// the adverse axis. Returns 0 when fewer than n changes are available.
func (l *Ladder) adverseRun(p *Position, changes []float64, n int, threshold float64) int {
	if len(changes) < n {
		return 0
	}
	run := 0
	for _, c := range changes[len(changes)-n:] {
		if !indicator.Defined(c) || l.adverse(p, c) >= threshold {
			return 0 // a run must be unbroken
		}
		run++
	}
	return run
}

// adverseCount counts adverse periods below threshold among the last n, runs
// not required.
func (l *Ladder) adverseCount(p *Position, changes []float64, n int, threshold float64) int {
	if len(changes) < n {
		return 0
	}
	count := 0
	for _, c := range changes[len(changes)-n:] {
		if indicator.Defined(c) && l.adverse(p, c) < threshold {
			count++
		}
	}
	return count
}

// flatRun reports whether the last n changes all stayed inside +-band.
func (l *Ladder) flatRun(changes []float64, n int, band float64) bool {
	if len(changes) < n {
		return false
	}
	for _, c := range changes[len(changes)-n:] {
		if !indicator.Defined(c) || c >= band || c <= -band {
			return false
		}
	}
	return true
}
