package strategies

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantback/services/config"
	"quantback/services/indicator"
	"quantback/services/marketdata"
)

func TestComputeLevelsExact(t *testing.T) {
	lv := ComputeLevels(
		decimal.NewFromInt(10),
		decimal.NewFromInt(8),
		decimal.NewFromInt(9),
		config.PivotConfig{F1: 0.35, F2: 0.15, F3: 0.25, F4: 0.15, F5: 0.25},
	)

	if want := decimal.RequireFromString("10.35"); !lv.BuyBreak.Equal(want) {
		t.Errorf("BuyBreak = %s, want %s", lv.BuyBreak, want)
	}
	if want := decimal.RequireFromString("7.65"); !lv.SellBreak.Equal(want) {
		t.Errorf("SellBreak = %s, want %s", lv.SellBreak, want)
	}
	if want := decimal.NewFromInt(9); !lv.Pivot.Equal(want) {
		t.Errorf("Pivot = %s, want %s", lv.Pivot, want)
	}
	// senter = (1+f3)*P - f3*L = 1.25*9 - 0.25*8 = 9.25
	if want := decimal.RequireFromString("9.25"); !lv.SellEnter.Equal(want) {
		t.Errorf("SellEnter = %s, want %s", lv.SellEnter, want)
	}
	// benter = (1+f5)*P - f5*H = 1.25*9 - 0.25*10 = 8.75
	if want := decimal.RequireFromString("8.75"); !lv.BuyEnter.Equal(want) {
		t.Errorf("BuyEnter = %s, want %s", lv.BuyEnter, want)
	}
}

func pivotCtx(price string, pos PositionView) EvalContext {
	return EvalContext{
		Bar: marketdata.Bar{Symbol: "TEST", Close: decimal.RequireFromString(price)},
		Snap: indicator.Snapshot{
			HasPrev:   true,
			PrevHigh:  decimal.NewFromInt(10),
			PrevLow:   decimal.NewFromInt(8),
			PrevClose: decimal.NewFromInt(9),
		},
		Pos: pos,
		Now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestPivotEvaluate(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy = "pivot"
	ev := NewPivot(cfg)

	cases := []struct {
		name  string
		price string
		pos   PositionView
		want  Action
	}{
		{"breakout long past level plus min move", "10.45", PositionView{}, EnterLong},
		{"above level but inside min move", "10.40", PositionView{}, Hold},
		{"breakout short", "7.50", PositionView{}, EnterShort},
		{"between levels", "9.00", PositionView{}, Hold},
		{"long exits at sell reversal", "9.40", PositionView{Open: true}, Exit},
		{"short exits at buy reversal", "8.60", PositionView{Open: true, Short: true}, Exit},
		{"short holds above buy reversal", "9.40", PositionView{Open: true, Short: true}, Hold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ev.Evaluate(pivotCtx(tc.price, tc.pos))
			if got.Action != tc.want {
				t.Fatalf("price %s: action = %v, want %v (reason %q)", tc.price, got.Action, tc.want, got.Reason)
			}
		})
	}
}

func TestPivotCooldown(t *testing.T) {
	cfg := config.Default()
	ev := NewPivot(cfg)

	ctx := pivotCtx("10.45", PositionView{})
	ctx.Pos.LastFill = ctx.Now.Add(-time.Minute) // inside the 5 minute default
	if got := ev.Evaluate(ctx); got.Action != Hold {
		t.Fatalf("in cooldown: action = %v, want hold", got.Action)
	}

	ctx.Pos.LastFill = ctx.Now.Add(-10 * time.Minute)
	if got := ev.Evaluate(ctx); got.Action != EnterLong {
		t.Fatalf("after cooldown: action = %v, want enter_long", got.Action)
	}
}

func reversalSnap() indicator.Snapshot {
	return indicator.Snapshot{
		Close:            9.6,
		MA5:              9.5,
		VolumeSurge:      1.8,
		PriceChange:      0.015,
		Amplitude:        0.02,
		DrawdownFromHigh: -0.06,
		RSI:              indicator.Undefined,
		PriceChange3:     indicator.Undefined,
		TurnoverSurge:    indicator.Undefined,
		VolumeDispersion: indicator.Undefined,
	}
}

func TestReversalEntry(t *testing.T) {
	cfg := config.Default()
	ev := NewReversal(cfg)

	ctx := EvalContext{Snap: reversalSnap(), Now: time.Now()}
	got := ev.Evaluate(ctx)
	if got.Action != EnterLong {
		t.Fatalf("action = %v, want enter_long (reason %q)", got.Action, got.Reason)
	}
	if got.Strength <= 0 || got.Strength > 1 {
		t.Fatalf("strength = %v, want in (0,1]", got.Strength)
	}
}

func TestReversalTieredVolume(t *testing.T) {
	cfg := config.Default()
	ev := NewReversal(cfg)

	// Severe drawdown demands the severe surge (2.0); 1.8 passed the mild
	// tier but fails here.
	snap := reversalSnap()
	snap.DrawdownFromHigh = -0.08
	got := ev.Evaluate(EvalContext{Snap: snap, Now: time.Now()})
	if got.Action != Hold {
		t.Fatalf("severe drop, mild surge: action = %v, want hold", got.Action)
	}

	snap.VolumeSurge = 2.5
	got = ev.Evaluate(EvalContext{Snap: snap, Now: time.Now()})
	if got.Action != EnterLong {
		t.Fatalf("severe drop, severe surge: action = %v, want enter_long", got.Action)
	}
}

func TestReversalNeedsTwoConfirmations(t *testing.T) {
	cfg := config.Default()
	ev := NewReversal(cfg)

	snap := reversalSnap()
	snap.PriceChange = -0.001 // kills rebound, bounce and decline-rebound confirmations
	snap.MA5 = 11             // kills the moving-average confirmations
	snap.VolumeSurge = 1.5    // keeps the drop filter alive, one confirmation left
	got := ev.Evaluate(EvalContext{Snap: snap, Now: time.Now()})
	if got.Action != Hold {
		t.Fatalf("one confirmation: action = %v, want hold (reason %q)", got.Action, got.Reason)
	}
}

func TestReversalHoldsWhilePositioned(t *testing.T) {
	ev := NewReversal(config.Default())
	ctx := EvalContext{Snap: reversalSnap(), Pos: PositionView{Open: true}, Now: time.Now()}
	if got := ev.Evaluate(ctx); got.Action != Hold {
		t.Fatalf("positioned: action = %v, want hold", got.Action)
	}
}

func breakoutSnap() indicator.Snapshot {
	return indicator.Snapshot{
		Close:            12.0,
		MA3:              11.0,
		MA5:              10.8,
		MA10:             10.2,
		VolumeSurge:      6.0,
		VolumeTrend5:     indicator.Undefined,
		TurnoverSurge:    8.0,
		PriceChange:      0.12,
		PriceChange3:     0.18,
		Amplitude:        0.08,
		RSI:              65,
		DrawdownFromHigh: -0.01,
		UpDays5:          4,
		VolumeDispersion: 0.6,
	}
}

func TestBreakoutEntry(t *testing.T) {
	ev := NewBreakout(config.Default())
	got := ev.Evaluate(EvalContext{Snap: breakoutSnap(), Now: time.Now()})
	if got.Action != EnterLong {
		t.Fatalf("action = %v, want enter_long (reason %q)", got.Action, got.Reason)
	}
	if got.Strength <= 0.65 || got.Strength > 1 {
		t.Fatalf("strength = %v, want in (0.65, 1]", got.Strength)
	}
}

func TestBreakoutHardGates(t *testing.T) {
	ev := NewBreakout(config.Default())

	mutations := map[string]func(*indicator.Snapshot){
		"volume surge below threshold": func(s *indicator.Snapshot) { s.VolumeSurge = 3.0 },
		"rise below band":              func(s *indicator.Snapshot) { s.PriceChange = 0.05 },
		"rise above band":              func(s *indicator.Snapshot) { s.PriceChange = 0.40 },
		"amplitude too small":          func(s *indicator.Snapshot) { s.Amplitude = 0.03 },
		"below short moving average":   func(s *indicator.Snapshot) { s.MA5 = 13.0; s.MA10 = 13.5 },
		"undefined surge":              func(s *indicator.Snapshot) { s.VolumeSurge = indicator.Undefined },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			snap := breakoutSnap()
			mutate(&snap)
			got := ev.Evaluate(EvalContext{Snap: snap, Now: time.Now()})
			if got.Action != Hold {
				t.Fatalf("action = %v, want hold (reason %q)", got.Action, got.Reason)
			}
		})
	}
}

func TestBreakoutShortDisabledByDefault(t *testing.T) {
	ev := NewBreakout(config.Default())

	snap := indicator.Snapshot{
		Close:            8.0,
		MA3:              8.8,
		MA5:              9.0,
		MA10:             9.5,
		VolumeSurge:      5.0,
		VolumeTrend5:     2.5,
		PriceChange:      -0.10,
		Amplitude:        0.10,
		RSI:              40,
		DrawdownFromHigh: -0.12,
		DownDays3:        2,
	}
	got := ev.Evaluate(EvalContext{Snap: snap, Now: time.Now()})
	if got.Action != Hold {
		t.Fatalf("shorts disabled: action = %v, want hold", got.Action)
	}

	cfg := config.Default()
	cfg.Breakout.EnableShort = true
	ev = NewBreakout(cfg)
	got = ev.Evaluate(EvalContext{Snap: snap, Now: time.Now()})
	if got.Action != EnterShort {
		t.Fatalf("shorts enabled: action = %v, want enter_short (reason %q)", got.Action, got.Reason)
	}
}

func TestNewSelectsVariant(t *testing.T) {
	for _, name := range []string{"pivot", "reversal", "breakout"} {
		cfg := config.Default()
		cfg.Strategy = name
		ev, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if ev.Name() != name {
			t.Fatalf("Name() = %q, want %q", ev.Name(), name)
		}
	}
	cfg := config.Default()
	cfg.Strategy = "martingale"
	if _, err := New(cfg); err == nil {
		t.Fatal("unknown strategy accepted")
	}
}
