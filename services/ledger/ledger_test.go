package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quantback/services/config"
	"quantback/services/position"
)

func testCfg() *config.Config {
	cfg := config.Default()
	cfg.InitialCapital = 100_000
	cfg.PositionFraction = 0.10
	cfg.LotSize = 100
	cfg.CommissionRate = 0.0025
	cfg.MinCommission = 3.0
	cfg.StampDutyRate = 0.001
	cfg.MaxPositions = 2
	return cfg
}

func newTestLedger(cfg *config.Config) *Ledger {
	return New(cfg, decimal.NewFromFloat(cfg.InitialCapital), zap.NewNop())
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func TestCommission(t *testing.T) {
	l := newTestLedger(testCfg())

	// 10000 * 0.0025 = 25, above the minimum.
	if got := l.Commission(d("10000"), false); !got.Equal(d("25")) {
		t.Fatalf("buy commission = %s, want 25", got)
	}
	// 100 * 0.0025 = 0.25, floored at 3.
	if got := l.Commission(d("100"), false); !got.Equal(d("3")) {
		t.Fatalf("small commission = %s, want 3", got)
	}
	// Sell side adds 0.1% stamp duty: 25 + 10 = 35.
	if got := l.Commission(d("10000"), true); !got.Equal(d("35")) {
		t.Fatalf("sell commission = %s, want 35", got)
	}
}

func TestEnterSizesToLots(t *testing.T) {
	l := newTestLedger(testCfg())

	// Budget 10000 at price 33: 303 shares raw, 300 after lot rounding.
	p, err := l.Enter("AAA", position.Long, d("33"), t0)
	if err != nil || p == nil {
		t.Fatalf("Enter: %v, pos %v", err, p)
	}
	if !p.Quantity.Equal(d("300")) {
		t.Fatalf("quantity = %s, want 300", p.Quantity)
	}
	// Cash debited by 300*33 + max(9900*0.0025, 3) = 9900 + 24.75.
	want := d("100000").Sub(d("9924.75"))
	if !l.Cash().Equal(want) {
		t.Fatalf("cash = %s, want %s", l.Cash(), want)
	}
}

func TestEnterDropsSubLotCandidates(t *testing.T) {
	cfg := testCfg()
	cfg.InitialCapital = 1_000 // budget 100, price 50: under one lot of 100
	l := newTestLedger(cfg)

	p, err := l.Enter("AAA", position.Long, d("50"), t0)
	if err != nil {
		t.Fatalf("drop must not be an error: %v", err)
	}
	if p != nil {
		t.Fatalf("sub-lot candidate filled: %s shares", p.Quantity)
	}
	if !l.Cash().Equal(d("1000")) {
		t.Fatalf("cash moved on a dropped candidate: %s", l.Cash())
	}
	if l.OpenCount() != 0 || len(l.Closed()) != 0 {
		t.Fatal("dropped candidate left state behind")
	}
}

func TestCapacityEnforced(t *testing.T) {
	l := newTestLedger(testCfg()) // max 2

	for _, sym := range []string{"AAA", "BBB"} {
		if p, err := l.Enter(sym, position.Long, d("10"), t0); err != nil || p == nil {
			t.Fatalf("Enter(%s): %v, %v", sym, err, p)
		}
	}
	if _, err := l.Enter("CCC", position.Long, d("10"), t0); err == nil {
		t.Fatal("third entry accepted over capacity")
	}
	if l.OpenCount() != 2 {
		t.Fatalf("open count = %d, want 2", l.OpenCount())
	}
}

func TestRoundTripHandComputed(t *testing.T) {
	l := newTestLedger(testCfg())

	// Entry: 10000 budget at 20 -> 500 shares, notional 10000, comm 25.
	p, err := l.Enter("AAA", position.Long, d("20"), t0)
	if err != nil || p == nil {
		t.Fatalf("Enter: %v", err)
	}
	if !p.Quantity.Equal(d("500")) {
		t.Fatalf("quantity = %s, want 500", p.Quantity)
	}

	// Exit at 22: gross (22-20)*500 = 1000.
	// Exit commission 11000*0.0025 + 11000*0.001 = 27.5 + 11 = 38.5.
	trade, err := l.Exit("AAA", d("22"), t0.Add(24*time.Hour), "take-profit")
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if !trade.GrossPnL.Equal(d("1000")) {
		t.Fatalf("gross = %s, want 1000", trade.GrossPnL)
	}
	if !trade.Commission.Equal(d("63.5")) {
		t.Fatalf("commission = %s, want 63.5", trade.Commission)
	}
	if !trade.NetPnL.Equal(d("936.5")) {
		t.Fatalf("net = %s, want 936.5", trade.NetPnL)
	}
	if !l.Cash().Equal(d("100936.5")) {
		t.Fatalf("cash = %s, want 100936.5", l.Cash())
	}
	if err := l.Reconcile(nil); err != nil {
		t.Fatalf("reconcile after round trip: %v", err)
	}
}

func TestShortRoundTrip(t *testing.T) {
	l := newTestLedger(testCfg())

	// Short 500 at 20: margin 10000, entry comm 25 + stamp 10 = 35.
	p, err := l.Enter("AAA", position.Short, d("20"), t0)
	if err != nil || p == nil {
		t.Fatalf("Enter: %v", err)
	}
	if !l.Cash().Equal(d("89965")) {
		t.Fatalf("cash after short entry = %s, want 89965", l.Cash())
	}

	// Cover at 18: gross (20-18)*500 = 1000, exit comm 9000*0.0025 = 22.5.
	trade, err := l.Exit("AAA", d("18"), t0.Add(24*time.Hour), "take-profit")
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if !trade.GrossPnL.Equal(d("1000")) {
		t.Fatalf("gross = %s, want 1000", trade.GrossPnL)
	}
	if !trade.NetPnL.Equal(d("942.5")) {
		t.Fatalf("net = %s, want 942.5", trade.NetPnL)
	}
	if !l.Cash().Equal(d("100942.5")) {
		t.Fatalf("cash = %s, want 100942.5", l.Cash())
	}
	if err := l.Reconcile(nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestReconcileWithOpenPositions(t *testing.T) {
	l := newTestLedger(testCfg())

	if _, err := l.Enter("AAA", position.Long, d("20"), t0); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Enter("BBB", position.Short, d("40"), t0); err != nil {
		t.Fatal(err)
	}

	marks := map[string]decimal.Decimal{"AAA": d("21"), "BBB": d("38")}
	if err := l.Reconcile(marks); err != nil {
		t.Fatalf("reconcile with marks: %v", err)
	}
	// Missing marks fall back to entry.
	if err := l.Reconcile(nil); err != nil {
		t.Fatalf("reconcile without marks: %v", err)
	}
}

func TestExitWithoutPosition(t *testing.T) {
	l := newTestLedger(testCfg())
	if _, err := l.Exit("AAA", d("10"), t0, "stop-loss"); err == nil {
		t.Fatal("exit on flat symbol accepted")
	}
}
