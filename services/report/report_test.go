package report

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantback/services/config"
	"quantback/services/engine"
	"quantback/services/ledger"
	"quantback/services/position"
)

func trade(symbol string, side position.Side, net float64, hold int, reason string) ledger.ClosedTrade {
	return ledger.ClosedTrade{
		Symbol:      symbol,
		Side:        side,
		NetPnL:      decimal.NewFromFloat(net),
		HoldPeriods: hold,
		ExitReason:  reason,
		ExitTime:    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func equityCurve(values ...float64) []engine.EquityPoint {
	pts := make([]engine.EquityPoint, len(values))
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i, v := range values {
		pts[i] = engine.EquityPoint{
			Timestamp: base + int64(i)*86_400_000,
			Equity:    decimal.NewFromFloat(v),
			Cash:      decimal.NewFromFloat(v),
		}
	}
	return pts
}

func sampleResult() *engine.Result {
	return &engine.Result{
		RunID:          "test-run",
		Strategy:       "breakout",
		Mode:           config.ModeSharedLedger,
		InitialCapital: decimal.NewFromInt(100_000),
		FinalEquity:    decimal.NewFromInt(101_000),
		Commission:     decimal.NewFromInt(120),
		Trades: []ledger.ClosedTrade{
			trade("AAA", position.Long, 800, 5, "take-profit"),
			trade("BBB", position.Long, 600, 3, "take-profit"),
			trade("CCC", position.Long, -200, 8, "stop-loss"),
			trade("DDD", position.Short, -200, 2, "stop-loss"),
			trade("EEE", position.Long, 0, 4, "time-stop"), // zero counts as a loss
		},
		Equity: equityCurve(100_000, 102_000, 100_500, 101_000),
		Symbols: []engine.SymbolSummary{
			{Symbol: "AAA", FirstClose: decimal.NewFromInt(10), LastClose: decimal.NewFromInt(12)},
			{Symbol: "BBB", FirstClose: decimal.NewFromInt(20), LastClose: decimal.NewFromInt(19)},
		},
	}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

func TestComputeTradeStats(t *testing.T) {
	s := Compute(sampleResult(), config.Default())

	if s.TotalTrades != 5 || s.Wins != 2 || s.Losses != 3 {
		t.Fatalf("counts = %d/%d/%d, want 5/2/3", s.TotalTrades, s.Wins, s.Losses)
	}
	approx(t, "WinRate", s.WinRate, 0.4)
	approx(t, "AvgWin", s.AvgWin, 700)
	approx(t, "AvgLoss", s.AvgLoss, (-200-200+0)/3.0)
	// |700*2 / (-133.33*3)| = 1400/400 = 3.5
	approx(t, "ProfitFactor", s.ProfitFactor, 3.5)
	approx(t, "MaxWin", s.MaxWin, 800)
	approx(t, "MaxLoss", s.MaxLoss, -200)
	approx(t, "AvgHoldPeriods", s.AvgHoldPeriods, 4.4)
	if s.MaxConsecWins != 2 || s.MaxConsecLosses != 3 {
		t.Fatalf("consec = %d/%d, want 2/3", s.MaxConsecWins, s.MaxConsecLosses)
	}
	if s.ExitReasons["take-profit"] != 2 || s.ExitReasons["stop-loss"] != 2 || s.ExitReasons["time-stop"] != 1 {
		t.Fatalf("exit reasons = %v", s.ExitReasons)
	}
}

func TestComputeSideBreakdown(t *testing.T) {
	s := Compute(sampleResult(), config.Default())

	if s.Long.Trades != 4 || s.Short.Trades != 1 {
		t.Fatalf("side trades = %d/%d, want 4/1", s.Long.Trades, s.Short.Trades)
	}
	approx(t, "Long.WinRate", s.Long.WinRate, 0.5)
	approx(t, "Long.NetPnL", s.Long.NetPnL, 1200)
	approx(t, "Short.NetPnL", s.Short.NetPnL, -200)
	if s.Short.Wins != 0 || s.Short.Losses != 1 {
		t.Fatalf("short wins/losses = %d/%d", s.Short.Wins, s.Short.Losses)
	}
	// No short wins: profit factor collapses to 0 only when losses absent;
	// here the numerator is 0.
	approx(t, "Short.ProfitFactor", s.Short.ProfitFactor, 0)
}

func TestBuyHoldBenchmark(t *testing.T) {
	s := Compute(sampleResult(), config.Default())
	// AAA +20%, BBB -5%: average +7.5%.
	approx(t, "BuyHoldReturn", s.BuyHoldReturn, 0.075)
}

func TestDrawdown(t *testing.T) {
	s := Compute(sampleResult(), config.Default())
	// Peak 102000, trough 100500: 1.4706% drawdown.
	approx(t, "MaxDrawdown", s.MaxDrawdown, (102_000.0-100_500.0)/102_000.0)
}

func TestSharpeZeroWhenVolZero(t *testing.T) {
	res := sampleResult()
	res.Equity = equityCurve(100_000, 100_000, 100_000, 100_000)
	s := Compute(res, config.Default())
	approx(t, "AnnualizedVolatility", s.AnnualizedVolatility, 0)
	approx(t, "Sharpe", s.Sharpe, 0)
}

func TestSharpeZeroWithFewSamples(t *testing.T) {
	res := sampleResult()
	res.Equity = equityCurve(100_000, 101_000) // a single return sample
	s := Compute(res, config.Default())
	approx(t, "Sharpe", s.Sharpe, 0)
	approx(t, "AnnualizedReturn", s.AnnualizedReturn, 0)
}

func TestRenderIdempotent(t *testing.T) {
	res := sampleResult()
	cfg := config.Default()

	a := Render(Compute(res, cfg), res.Equity)
	b := Render(Compute(res, cfg), res.Equity)
	if a != b {
		t.Fatal("two renders of the same run differ")
	}
}

func TestRenderSections(t *testing.T) {
	res := sampleResult()
	out := Render(Compute(res, config.Default()), res.Equity)

	for _, section := range []string{
		"Capital Summary",
		"Trade Statistics",
		"Risk Metrics",
		"Long / Short Breakdown",
		"Exit Reasons",
		"Equity Curve",
	} {
		if !strings.Contains(out, "== "+section+" ==") {
			t.Fatalf("report missing section %q:\n%s", section, out)
		}
	}
	if !strings.Contains(out, "take-profit") {
		t.Fatal("exit reason breakdown missing")
	}
	if !strings.Contains(out, "2024-01-02") {
		t.Fatal("equity curve missing timestamps")
	}
}

func TestEmptyRun(t *testing.T) {
	res := &engine.Result{
		RunID:          "empty",
		Strategy:       "pivot",
		Mode:           config.ModeSharedLedger,
		InitialCapital: decimal.NewFromInt(100_000),
		FinalEquity:    decimal.NewFromInt(100_000),
	}
	s := Compute(res, config.Default())
	if s.TotalTrades != 0 || s.Sharpe != 0 || s.MaxDrawdown != 0 {
		t.Fatalf("empty run produced stats: %+v", s)
	}
	out := Render(s, nil)
	if !strings.Contains(out, "no trades") {
		t.Fatal("empty sides not rendered")
	}
}
