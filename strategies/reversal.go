package strategies

import (
	"fmt"
	"strings"

	"quantback/services/config"
	"quantback/services/indicator"
)

// Reversal buys a sharp drawdown from the trailing high once a rebound is
// confirmed. The drop filter is tiered: a deeper drawdown demands a bigger
// volume surge before the rebound check even runs. Long only.
type Reversal struct {
	cfg *config.Config
}

func NewReversal(cfg *config.Config) *Reversal { return &Reversal{cfg: cfg} }

func (r *Reversal) Name() string { return "reversal" }

func (r *Reversal) Evaluate(ctx EvalContext) Decision {
	if ctx.Pos.Open {
		return hold
	}
	if inCooldown(ctx, r.cfg.Cooldown) {
		return hold
	}

	s := ctx.Snap
	drop, ok := r.dropDetected(s)
	if !ok {
		return hold
	}
	confirms := r.reboundConfirmations(s)
	if len(confirms) < 2 {
		return hold
	}

	strength := drop + 0.05*float64(len(confirms))
	if strength > 1 {
		strength = 1
	}
	return Decision{
		Action:   EnterLong,
		Reason:   fmt.Sprintf("drawdown %.1f%% + %s", drop*100, strings.Join(confirms, "; ")),
		Strength: strength,
	}
}

// dropDetected returns the drawdown magnitude when it exceeds the entry
// threshold and the tiered volume requirement is met.
func (r *Reversal) dropDetected(s indicator.Snapshot) (float64, bool) {
	rc := r.cfg.Reversal
	if !indicator.LE(s.DrawdownFromHigh, -rc.MinDrop) {
		return 0, false
	}
	required := rc.MinVolumeSurge
	if s.DrawdownFromHigh <= -rc.SevereDrop {
		required = rc.SevereVolumeSurge
	}
	if !indicator.GE(s.VolumeSurge, required) {
		return 0, false
	}
	return -s.DrawdownFromHigh, true
}

// reboundConfirmations collects the satisfied confirmation conditions. At
// least two are required for an entry.
func (r *Reversal) reboundConfirmations(s indicator.Snapshot) []string {
	var c []string

	if indicator.GT(s.PriceChange, 0.01) {
		c = append(c, "rebound")
	} else if indicator.GT(s.PriceChange, 0.005) {
		c = append(c, "slight rebound")
	}

	if indicator.GT(s.Close, s.MA5) {
		c = append(c, "above ma5")
	} else if indicator.GT(s.Close, s.MA5*0.98) {
		c = append(c, "near ma5")
	}

	if indicator.GT(s.VolumeSurge, 1.2) {
		c = append(c, "volume surge")
	} else if indicator.GT(s.VolumeSurge, 1.0) {
		c = append(c, "volume steady")
	}

	if indicator.LT(s.DrawdownFromHigh, -0.05) && indicator.GT(s.PriceChange, 0.005) {
		c = append(c, "bounce off drawdown")
	}

	if indicator.GT(s.Amplitude, 0.03) {
		c = append(c, "wide range")
	}

	if s.ConsecDownBefore >= 2 && indicator.GT(s.PriceChange, 0) {
		c = append(c, "rebound after declines")
	}

	return c
}
