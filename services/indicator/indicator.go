// Package indicator derives per-bar snapshots from a bar history. Every
// rolling statistic is computed over the window ending at the PREVIOUS bar,
// so a snapshot never leaks information from the still-forming period: the
// live bar only ever appears as a numerator (volume surge, amplitude,
// returns) compared against trailing history.
package indicator

import (
	"math"

	"github.com/shopspring/decimal"

	"quantback/services/marketdata"
)

// Undefined marks a statistic with insufficient history. Any comparison
// against it must evaluate to false; use the predicate helpers below.
var Undefined = math.NaN()

// Snapshot holds the derived values for one bar.
type Snapshot struct {
	Symbol    string
	Timestamp int64
	Close     float64

	// Lagged moving averages of close.
	MA3  float64
	MA5  float64
	MA10 float64
	MA20 float64

	// Volume statistics. Surges divide the live bar by the lagged average.
	VolumeMA10    float64
	VolumeSurge   float64
	VolumeTrend5  float64 // live volume over the lagged five-period average
	TurnoverSurge float64

	// Returns and range.
	PriceChange  float64 // close vs previous close
	PriceChange3 float64 // close vs close three periods back
	Amplitude    float64 // (high - low) / previous close

	// Momentum.
	RSI              float64 // 7-period simple RSI
	High20           float64 // lagged trailing max of highs
	DrawdownFromHigh float64 // close / High20 - 1
	UpDays5          int     // periods with >2% gain in the last five
	DownDays3        int     // periods with >2% loss in the last three
	ConsecDownBefore int     // consecutive declines ending at the previous bar

	// Dispersion of the trailing volume window, as std/mean.
	VolumeDispersion float64

	// RecentChanges holds up to the last five period returns, oldest first,
	// current bar last. Exit rules scan it for runs of adverse periods.
	RecentChanges []float64

	// Trailing extremes over the last ten bars including the current one.
	// These anchor within-position drawdown exits, so the live bar belongs
	// in the window.
	High10 float64
	Low10  float64

	// Previous-period levels kept exact for pivot arithmetic.
	PrevHigh  decimal.Decimal
	PrevLow   decimal.Decimal
	PrevClose decimal.Decimal
	HasPrev   bool
}

// Defined reports whether v carries a value.
func Defined(v float64) bool { return !math.IsNaN(v) }

// GT is a > b, false when either side is undefined.
func GT(a, b float64) bool { return Defined(a) && Defined(b) && a > b }

// LT is a < b, false when either side is undefined.
func LT(a, b float64) bool { return Defined(a) && Defined(b) && a < b }

// GE is a >= b, false when either side is undefined.
func GE(a, b float64) bool { return Defined(a) && Defined(b) && a >= b }

// LE is a <= b, false when either side is undefined.
func LE(a, b float64) bool { return Defined(a) && Defined(b) && a <= b }

// Compute produces one snapshot per bar. Bars must be normalized
// (sorted, deduplicated).
func Compute(bars []marketdata.Bar) []Snapshot {
	n := len(bars)
	snaps := make([]Snapshot, n)

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	vols := make([]float64, n)
	turns := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		vols[i] = b.Volume.InexactFloat64()
		turns[i] = b.Turnover.InexactFloat64()
	}

	changes := make([]float64, n)
	for i := range changes {
		if i == 0 || closes[i-1] == 0 {
			changes[i] = Undefined
		} else {
			changes[i] = closes[i]/closes[i-1] - 1
		}
	}

	for i := range bars {
		s := Snapshot{
			Symbol:    bars[i].Symbol,
			Timestamp: bars[i].Timestamp,
			Close:     closes[i],

			MA3:  laggedMean(closes, i, 3),
			MA5:  laggedMean(closes, i, 5),
			MA10: laggedMean(closes, i, 10),
			MA20: laggedMean(closes, i, 20),

			VolumeMA10: laggedMean(vols, i, 10),

			PriceChange: changes[i],
			RSI:         rsi(closes, i, 7),
			High20:      laggedMax(highs, i, 20),
		}

		if Defined(s.VolumeMA10) && s.VolumeMA10 > 0 {
			s.VolumeSurge = vols[i] / s.VolumeMA10
		} else {
			s.VolumeSurge = Undefined
		}
		if vm5 := laggedMean(vols, i, 5); Defined(vm5) && vm5 > 0 {
			s.VolumeTrend5 = vols[i] / vm5
		} else {
			s.VolumeTrend5 = Undefined
		}
		if tm := laggedMean(turns, i, 10); Defined(tm) && tm > 0 {
			s.TurnoverSurge = turns[i] / tm
		} else {
			s.TurnoverSurge = Undefined
		}

		if i >= 3 && closes[i-3] != 0 {
			s.PriceChange3 = closes[i]/closes[i-3] - 1
		} else {
			s.PriceChange3 = Undefined
		}

		if i >= 1 && closes[i-1] != 0 {
			s.Amplitude = (highs[i] - lows[i]) / closes[i-1]
		} else {
			s.Amplitude = Undefined
		}

		if Defined(s.High20) && s.High20 > 0 {
			s.DrawdownFromHigh = closes[i]/s.High20 - 1
		} else {
			s.DrawdownFromHigh = Undefined
		}

		for j := i; j > i-5 && j >= 0; j-- {
			if Defined(changes[j]) && changes[j] > 0.02 {
				s.UpDays5++
			}
		}
		for j := i; j > i-3 && j >= 0; j-- {
			if Defined(changes[j]) && changes[j] < -0.02 {
				s.DownDays3++
			}
		}
		for j := i - 1; j >= 0 && Defined(changes[j]) && changes[j] < 0; j-- {
			s.ConsecDownBefore++
		}

		s.VolumeDispersion = dispersion(vols, i, 10)

		lo := i - 4
		if lo < 0 {
			lo = 0
		}
		s.RecentChanges = changes[lo : i+1]

		s.High10 = inclusiveMax(highs, i, 10)
		s.Low10 = inclusiveMin(lows, i, 10)

		if i >= 1 {
			s.PrevHigh = bars[i-1].High
			s.PrevLow = bars[i-1].Low
			s.PrevClose = bars[i-1].Close
			s.HasPrev = true
		}

		snaps[i] = s
	}
	return snaps
}

// laggedMean averages the w values ending at index i-1.
func laggedMean(vals []float64, i, w int) float64 {
	if i < w {
		return Undefined
	}
	sum := 0.0
	for j := i - w; j < i; j++ {
		sum += vals[j]
	}
	return sum / float64(w)
}

// laggedMax takes the maximum of the w values ending at index i-1.
func laggedMax(vals []float64, i, w int) float64 {
	if i < w {
		return Undefined
	}
	max := vals[i-w]
	for j := i - w + 1; j < i; j++ {
		if vals[j] > max {
			max = vals[j]
		}
	}
	return max
}

// inclusiveMax takes the maximum of up to w values ending at index i.
func inclusiveMax(vals []float64, i, w int) float64 {
	lo := i - w + 1
	if lo < 0 {
		lo = 0
	}
	max := vals[lo]
	for j := lo + 1; j <= i; j++ {
		if vals[j] > max {
			max = vals[j]
		}
	}
	return max
}

// inclusiveMin takes the minimum of up to w values ending at index i.
func inclusiveMin(vals []float64, i, w int) float64 {
	lo := i - w + 1
	if lo < 0 {
		lo = 0
	}
	min := vals[lo]
	for j := lo + 1; j <= i; j++ {
		if vals[j] < min {
			min = vals[j]
		}
	}
	return min
}

// rsi is the simple mean-gain / mean-loss flavour over the w deltas ending at
// index i. 100 when there are no losses in the window.
func rsi(closes []float64, i, w int) float64 {
	if i < w {
		return Undefined
	}
	var gain, loss float64
	for j := i - w + 1; j <= i; j++ {
		d := closes[j] - closes[j-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(w)
	loss /= float64(w)
	if loss == 0 {
		if gain == 0 {
			return Undefined
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// dispersion is std/mean over the w values ending at index i-1.
func dispersion(vals []float64, i, w int) float64 {
	if i < w {
		return Undefined
	}
	mean := 0.0
	for j := i - w; j < i; j++ {
		mean += vals[j]
	}
	mean /= float64(w)
	if mean == 0 {
		return Undefined
	}
	var ss float64
	for j := i - w; j < i; j++ {
		d := vals[j] - mean
		ss += d * d
	}
	return math.Sqrt(ss/float64(w)) / mean
}
