package strategies

import (
	"fmt"
	"strings"

	"quantback/services/config"
	"quantback/services/indicator"
)

// Breakout chases a volume-surge breakout: hard gates on surge, return band,
// amplitude and the short moving average, then a weighted confirmation score.
// An entry fires only when the combined strength clears the cutoff. The short
// mirror is gated the same way with downside thresholds and is disabled
// unless explicitly enabled.
type Breakout struct {
	cfg *config.Config
}

func NewBreakout(cfg *config.Config) *Breakout { return &Breakout{cfg: cfg} }

func (b *Breakout) Name() string { return "breakout" }

func (b *Breakout) Evaluate(ctx EvalContext) Decision {
	if ctx.Pos.Open {
		return hold
	}
	if inCooldown(ctx, b.cfg.Cooldown) {
		return hold
	}
	if d, ok := b.long(ctx.Snap); ok {
		return d
	}
	if b.cfg.Breakout.EnableShort {
		if d, ok := b.short(ctx.Snap); ok {
			return d
		}
	}
	return hold
}

func (b *Breakout) long(s indicator.Snapshot) (Decision, bool) {
	bc := b.cfg.Breakout

	if !indicator.GE(s.VolumeSurge, bc.VolumeSurge) {
		return hold, false
	}
	if !indicator.GE(s.PriceChange, bc.MinRise) || !indicator.LE(s.PriceChange, bc.MaxRise) {
		return hold, false
	}
	if !indicator.GE(s.Amplitude, bc.MinAmplitude) {
		return hold, false
	}
	if !indicator.GT(s.Close, s.MA5) {
		return hold, false
	}

	score := 0.0
	var tags []string

	if indicator.GT(s.Close, s.MA5) && indicator.GT(s.MA5, s.MA10) {
		score += 0.5
		tags = append(tags, "trend up")
	} else if indicator.GT(s.MA5, s.MA10) {
		score += 0.3
		tags = append(tags, "short-term strength")
	}

	if indicator.GT(s.PriceChange3, 0.15) {
		score += 0.5
		tags = append(tags, "strong momentum")
	} else if indicator.GT(s.PriceChange3, 0.08) {
		score += 0.3
		tags = append(tags, "momentum")
	}

	if s.UpDays5 >= 4 {
		score += 0.4
		tags = append(tags, "consecutive gains")
	} else if s.UpDays5 >= 3 {
		score += 0.2
		tags = append(tags, "repeated gains")
	}

	if indicator.GT(s.TurnoverSurge, bc.VolumeSurge*1.2) {
		score += 0.4
		tags = append(tags, "turnover influx")
	}

	// Within 2% of the trailing high counts as making a new high.
	if indicator.GE(s.DrawdownFromHigh, -0.02) {
		score += 0.4
		tags = append(tags, "new high")
	}

	if indicator.GT(s.VolumeDispersion, 0.5) {
		score += 0.2
		tags = append(tags, "active volume")
	}

	if indicator.GT(s.RSI, 50) && indicator.LT(s.RSI, 80) {
		score += 0.3
		tags = append(tags, "rsi strong")
	} else if indicator.GE(s.RSI, 80) {
		score += 0.1
		tags = append(tags, "rsi overheated")
	}

	strength := s.VolumeSurge/7.0 + s.PriceChange*5 + s.Amplitude*2 + score
	if strength > 1 {
		strength = 1
	}
	if strength <= bc.StrengthCutoff {
		return hold, false
	}

	reason := fmt.Sprintf("breakout: %.1fx volume, +%.1f%%, range %.1f%%",
		s.VolumeSurge, s.PriceChange*100, s.Amplitude*100)
	if len(tags) > 0 {
		reason += " (" + strings.Join(tags, ", ") + ")"
	}
	return Decision{Action: EnterLong, Reason: reason, Strength: strength}, true
}

func (b *Breakout) short(s indicator.Snapshot) (Decision, bool) {
	bc := b.cfg.Breakout

	if !indicator.GE(s.VolumeSurge, bc.ShortVolumeSurge) {
		return hold, false
	}
	if !indicator.LE(s.PriceChange, -bc.MinFall) || !indicator.GE(s.PriceChange, -bc.MaxFall) {
		return hold, false
	}
	if !indicator.GE(s.Amplitude, bc.ShortAmplitude) {
		return hold, false
	}
	if !indicator.LT(s.Close, s.MA5) {
		return hold, false
	}

	score := 0.0
	var tags []string

	if indicator.LT(s.Close, s.MA10) {
		score += 0.2
		tags = append(tags, "below ma10")
	}
	if indicator.LT(s.Close, s.MA3) {
		score += 0.1
		tags = append(tags, "below ma3")
	}

	if indicator.GT(s.VolumeTrend5, 2.0) {
		score += 0.2
		tags = append(tags, "panic selling")
	}

	if indicator.LT(s.RSI, 30) {
		score += 0.1
		tags = append(tags, "rsi oversold")
	} else if indicator.GE(s.RSI, 30) && indicator.LT(s.RSI, 50) {
		score += 0.2
		tags = append(tags, "rsi weak")
	}

	// A fall from near the trailing high carries more follow-through than one
	// already deep underwater.
	if indicator.Defined(s.DrawdownFromHigh) {
		switch pos := 1 + s.DrawdownFromHigh; {
		case pos > 0.8:
			score += 0.2
			tags = append(tags, "fall from high")
		case pos > 0.6:
			score += 0.1
			tags = append(tags, "fall from mid-range")
		}
	}

	if s.DownDays3 >= 2 {
		score += 0.1
		tags = append(tags, "sustained decline")
	}

	if score <= bc.ShortCutoff {
		return hold, false
	}

	reason := fmt.Sprintf("breakdown: %.1fx volume, %.1f%%, range %.1f%%",
		s.VolumeSurge, s.PriceChange*100, s.Amplitude*100)
	if len(tags) > 0 {
		reason += " (" + strings.Join(tags, ", ") + ")"
	}
	return Decision{Action: EnterShort, Reason: reason, Strength: score}, true
}
