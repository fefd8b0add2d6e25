// Package report turns a finished run into aggregate statistics and a
// rendered text report. Everything here is a pure function of the run
// result; rendering twice yields byte-identical output.
package report

import (
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"quantback/services/config"
	"quantback/services/engine"
	"quantback/services/ledger"
	"quantback/services/position"
)

// SideStats are the trade statistics filtered by one side.
type SideStats struct {
	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	AvgWin       float64
	AvgLoss      float64
	ProfitFactor float64
	NetPnL       float64
}

// Stats is the full aggregate view of one run.
type Stats struct {
	RunID    string
	Strategy string
	Mode     config.RunMode

	InitialCapital float64
	FinalEquity    float64
	NetPnL         float64
	TotalReturn    float64
	Commission     float64

	AnnualizedReturn     float64
	AnnualizedVolatility float64
	Sharpe               float64
	MaxDrawdown          float64

	TotalTrades     int
	Wins            int
	Losses          int
	WinRate         float64
	AvgWin          float64
	AvgLoss         float64
	ProfitFactor    float64
	MaxWin          float64
	MaxLoss         float64
	AvgHoldPeriods  float64
	MaxConsecWins   int
	MaxConsecLosses int

	Long  SideStats
	Short SideStats

	// BuyHoldReturn averages each symbol's close-to-close return over the
	// window, the do-nothing benchmark.
	BuyHoldReturn float64

	ExitReasons map[string]int
}

// Compute derives the statistics for a run.
func Compute(res *engine.Result, cfg *config.Config) *Stats {
	s := &Stats{
		RunID:          res.RunID,
		Strategy:       res.Strategy,
		Mode:           res.Mode,
		InitialCapital: res.InitialCapital.InexactFloat64(),
		FinalEquity:    res.FinalEquity.InexactFloat64(),
		Commission:     res.Commission.InexactFloat64(),
		ExitReasons:    make(map[string]int),
	}
	s.NetPnL = s.FinalEquity - s.InitialCapital
	if s.InitialCapital != 0 {
		s.TotalReturn = s.NetPnL / s.InitialCapital
	}

	tradeStats(s, res.Trades)
	riskStats(s, res.Equity, cfg)

	if len(res.Symbols) > 0 {
		sum := 0.0
		for _, sym := range res.Symbols {
			if !sym.FirstClose.IsZero() {
				sum += sym.LastClose.Sub(sym.FirstClose).Div(sym.FirstClose).InexactFloat64()
			}
		}
		s.BuyHoldReturn = sum / float64(len(res.Symbols))
	}
	return s
}

// sideAccum accumulates one side's sums before averaging.
type sideAccum struct {
	stats   *SideStats
	winSum  float64
	lossSum float64
}

func (a *sideAccum) add(pnl float64) {
	a.stats.Trades++
	a.stats.NetPnL += pnl
	if pnl > 0 {
		a.stats.Wins++
		a.winSum += pnl
	} else {
		a.stats.Losses++
		a.lossSum += pnl
	}
}

func (a *sideAccum) finalize() {
	s := a.stats
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	if s.Wins > 0 {
		s.AvgWin = a.winSum / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = a.lossSum / float64(s.Losses)
	}
	s.ProfitFactor = profitFactor(s.AvgWin, s.Wins, s.AvgLoss, s.Losses)
}

func tradeStats(s *Stats, trades []ledger.ClosedTrade) {
	var winSum, lossSum, holdSum float64
	var consecWins, consecLosses int

	long := sideAccum{stats: &s.Long}
	short := sideAccum{stats: &s.Short}

	for _, t := range trades {
		pnl := t.NetPnL.InexactFloat64()
		s.TotalTrades++
		holdSum += float64(t.HoldPeriods)
		s.ExitReasons[t.ExitReason]++

		if t.Side == position.Short {
			short.add(pnl)
		} else {
			long.add(pnl)
		}

		if pnl > 0 {
			s.Wins++
			winSum += pnl
			if pnl > s.MaxWin {
				s.MaxWin = pnl
			}
			consecWins++
			consecLosses = 0
		} else {
			s.Losses++
			lossSum += pnl
			if pnl < s.MaxLoss {
				s.MaxLoss = pnl
			}
			consecLosses++
			consecWins = 0
		}
		if consecWins > s.MaxConsecWins {
			s.MaxConsecWins = consecWins
		}
		if consecLosses > s.MaxConsecLosses {
			s.MaxConsecLosses = consecLosses
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades)
		s.AvgHoldPeriods = holdSum / float64(s.TotalTrades)
	}
	if s.Wins > 0 {
		s.AvgWin = winSum / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = lossSum / float64(s.Losses)
	}
	s.ProfitFactor = profitFactor(s.AvgWin, s.Wins, s.AvgLoss, s.Losses)
	long.finalize()
	short.finalize()
}

// profitFactor is |avg_win*wins / (avg_loss*losses)|, zero when there is
// nothing on either side of the ratio.
func profitFactor(avgWin float64, wins int, avgLoss float64, losses int) float64 {
	denom := avgLoss * float64(losses)
	if denom == 0 {
		return 0
	}
	return math.Abs(avgWin * float64(wins) / denom)
}

func riskStats(s *Stats, equity []engine.EquityPoint, cfg *config.Config) {
	if len(equity) == 0 {
		return
	}

	// Per-period returns off the equity curve.
	returns := make([]float64, 0, len(equity)-1)
	prev := equity[0].Equity.InexactFloat64()
	peak := prev
	for _, p := range equity[1:] {
		eq := p.Equity.InexactFloat64()
		if prev != 0 {
			returns = append(returns, eq/prev-1)
		}
		prev = eq
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > s.MaxDrawdown {
				s.MaxDrawdown = dd
			}
		}
	}

	if len(returns) < 2 {
		return
	}
	periods := float64(cfg.PeriodsPerYear)
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	// Sample standard deviation.
	std := math.Sqrt(ss / float64(len(returns)-1))

	s.AnnualizedReturn = mean * periods
	s.AnnualizedVolatility = std * math.Sqrt(periods)
	if s.AnnualizedVolatility > 0 {
		s.Sharpe = (s.AnnualizedReturn - cfg.RiskFreeRate) / s.AnnualizedVolatility
	}
}

// Render produces the text report with named sections. Identical stats and
// equity always render to identical bytes.
func Render(s *Stats, equity []engine.EquityPoint) string {
	p := message.NewPrinter(language.English)
	var b strings.Builder

	section := func(title string) {
		b.WriteString("\n== " + title + " ==\n")
	}

	p.Fprintf(&b, "Backtest %s (%s, %s mode)\n", s.RunID, s.Strategy, s.Mode)

	section("Capital Summary")
	p.Fprintf(&b, "initial capital:   %.2f\n", s.InitialCapital)
	p.Fprintf(&b, "final equity:      %.2f\n", s.FinalEquity)
	p.Fprintf(&b, "net pnl:           %.2f (%.2f%%)\n", s.NetPnL, s.TotalReturn*100)
	p.Fprintf(&b, "buy & hold:        %.2f%%\n", s.BuyHoldReturn*100)
	p.Fprintf(&b, "commission paid:   %.2f\n", s.Commission)

	section("Trade Statistics")
	p.Fprintf(&b, "trades:            %d (%d wins / %d losses)\n", s.TotalTrades, s.Wins, s.Losses)
	p.Fprintf(&b, "win rate:          %.2f%%\n", s.WinRate*100)
	p.Fprintf(&b, "avg win / loss:    %.2f / %.2f\n", s.AvgWin, s.AvgLoss)
	p.Fprintf(&b, "max win / loss:    %.2f / %.2f\n", s.MaxWin, s.MaxLoss)
	p.Fprintf(&b, "profit factor:     %.2f\n", s.ProfitFactor)
	p.Fprintf(&b, "avg hold periods:  %.1f\n", s.AvgHoldPeriods)
	p.Fprintf(&b, "consec wins/loss:  %d / %d\n", s.MaxConsecWins, s.MaxConsecLosses)

	section("Risk Metrics")
	p.Fprintf(&b, "annualized return: %.2f%%\n", s.AnnualizedReturn*100)
	p.Fprintf(&b, "annualized vol:    %.2f%%\n", s.AnnualizedVolatility*100)
	p.Fprintf(&b, "sharpe ratio:      %.2f\n", s.Sharpe)
	p.Fprintf(&b, "max drawdown:      %.2f%%\n", s.MaxDrawdown*100)

	section("Long / Short Breakdown")
	renderSide(p, &b, "long", s.Long)
	renderSide(p, &b, "short", s.Short)

	section("Exit Reasons")
	reasons := make([]string, 0, len(s.ExitReasons))
	for r := range s.ExitReasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		p.Fprintf(&b, "%-24s %d\n", r, s.ExitReasons[r])
	}

	section("Equity Curve")
	for _, pt := range equity {
		ts := time.UnixMilli(pt.Timestamp).UTC().Format("2006-01-02 15:04")
		p.Fprintf(&b, "%s  equity %.2f  cash %.2f\n",
			ts, pt.Equity.InexactFloat64(), pt.Cash.InexactFloat64())
	}

	return b.String()
}

func renderSide(p *message.Printer, b *strings.Builder, name string, s SideStats) {
	if s.Trades == 0 {
		p.Fprintf(b, "%-6s no trades\n", name)
		return
	}
	p.Fprintf(b, "%-6s trades %d, win rate %.2f%%, avg win/loss %.2f/%.2f, pf %.2f, net %.2f\n",
		name, s.Trades, s.WinRate*100, s.AvgWin, s.AvgLoss, s.ProfitFactor, s.NetPnL)
}
