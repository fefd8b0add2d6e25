// Package strategies implements the three interchangeable signal evaluators.
// Evaluators are pure: the same context always yields the same decision. All
// position bookkeeping and the shared exit ladder live elsewhere; an
// evaluator only proposes entries and, for the pivot variant, its
// reversal-level exits.
package strategies

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantback/services/config"
	"quantback/services/indicator"
	"quantback/services/marketdata"
)

// Action is what an evaluator wants done this period.
type Action int

const (
	Hold Action = iota
	EnterLong
	EnterShort
	Exit
)

func (a Action) String() string {
	switch a {
	case EnterLong:
		return "enter_long"
	case EnterShort:
		return "enter_short"
	case Exit:
		return "exit"
	default:
		return "hold"
	}
}

// Decision carries the proposed action, a human-readable reason tag, and a
// strength score used to rank competing entry candidates. Strength is only
// meaningful for entries.
type Decision struct {
	Action   Action
	Reason   string
	Strength float64
}

var hold = Decision{Action: Hold}

// PositionView is the slice of position state evaluators may read. It keeps
// Evaluate side-effect free: cooldown and holding-age bookkeeping stay with
// the caller.
type PositionView struct {
	Open        bool
	Short       bool
	EntryPrice  decimal.Decimal
	HoldPeriods int
	LastFill    time.Time // last executed trade, drives the cooldown
}

// EvalContext is everything an evaluator sees for one symbol-period.
type EvalContext struct {
	Bar  marketdata.Bar
	Snap indicator.Snapshot
	Pos  PositionView
	Now  time.Time
}

// Evaluator maps one context to one decision.
type Evaluator interface {
	Name() string
	Evaluate(ctx EvalContext) Decision
}

// New builds the evaluator selected by cfg.Strategy.
func New(cfg *config.Config) (Evaluator, error) {
	switch cfg.Strategy {
	case "pivot":
		return NewPivot(cfg), nil
	case "reversal":
		return NewReversal(cfg), nil
	case "breakout":
		return NewBreakout(cfg), nil
	default:
		return nil, fmt.Errorf("strategies: unknown strategy %q", cfg.Strategy)
	}
}

// inCooldown suppresses any new decision shortly after a fill.
func inCooldown(ctx EvalContext, d config.Duration) bool {
	return d > 0 && !ctx.Pos.LastFill.IsZero() && ctx.Now.Sub(ctx.Pos.LastFill) < time.Duration(d)
}
