// Package config holds the full backtest configuration: every tunable is an
// explicit named field, loaded from YAML with environment overrides and
// validated before any replay starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RunMode selects how capital is shared across symbols. The two modes have
// different determinism properties and must never be mixed within one run.
type RunMode string

const (
	// ModeSharedLedger replays all symbols against one ledger in a single
	// sequential pass per period. Entries compete for shared capital and the
	// shared position cap.
	ModeSharedLedger RunMode = "shared"

	// ModePartitioned splits the initial capital evenly across symbols and
	// replays each symbol independently, allowing parallel execution.
	ModePartitioned RunMode = "partitioned"
)

// Duration is a time.Duration that YAML carries in human form ("5m", "90s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the single configuration structure for a backtest run.
type Config struct {
	// Run selection
	Strategy string   `yaml:"strategy"` // pivot | reversal | breakout
	Symbols  []string `yaml:"symbols"`
	Timeframe string  `yaml:"timeframe"` // e.g. "1d", "1m"
	Mode     RunMode  `yaml:"mode"`

	// Capital and sizing
	InitialCapital   float64 `yaml:"initial_capital"`
	MaxPositions     int     `yaml:"max_positions"`
	PositionFraction float64 `yaml:"position_fraction"` // fraction of cash per entry
	LotSize          int64   `yaml:"lot_size"`          // minimum tradable quantity increment

	// Costs
	CommissionRate float64 `yaml:"commission_rate"`
	StampDutyRate  float64 `yaml:"stamp_duty_rate"` // sell side only
	MinCommission  float64 `yaml:"min_commission"`

	// Risk / exit ladder
	StopLossPct         float64       `yaml:"stop_loss_pct"`
	TakeProfitPct       float64       `yaml:"take_profit_pct"`
	SevereStopMultiple  float64       `yaml:"severe_stop_multiple"` // stop multiple inside the min-hold guard
	TrailingStopEnabled bool          `yaml:"trailing_stop_enabled"`
	TrailingStopPct     float64       `yaml:"trailing_stop_pct"`
	MaxHoldPeriods      int           `yaml:"max_hold_periods"`
	MinHoldPeriods      int           `yaml:"min_hold_periods"`
	UnderperformPeriods int           `yaml:"underperform_periods"` // softer time stop kicks in here
	UnderperformFloor   float64       `yaml:"underperform_floor"`   // minimum return to keep holding
	Cooldown            Duration      `yaml:"cooldown"`             // suppress decisions after a fill

	// Pivot-breakout variant
	Pivot PivotConfig `yaml:"pivot"`

	// Drop-then-reversal variant
	Reversal ReversalConfig `yaml:"reversal"`

	// Volume-surge breakout variant
	Breakout BreakoutConfig `yaml:"breakout"`

	// Reporting
	RiskFreeRate   float64 `yaml:"risk_free_rate"`
	PeriodsPerYear int     `yaml:"periods_per_year"`

	// Collaborators
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	SQLitePath string           `yaml:"sqlite_path"`

	// HTTP server (cmd/server only)
	Server ServerConfig `yaml:"server"`
}

// ServerConfig tunes the HTTP API binary. Schedule is a standard cron
// expression; when set the server re-runs the configured backtest on that
// schedule in addition to on-demand API requests.
type ServerConfig struct {
	HTTPPort int    `yaml:"http_port"`
	MaxJobs  int    `yaml:"max_jobs"` // concurrent backtest jobs
	Schedule string `yaml:"schedule"`
}

// PivotConfig holds the five level coefficients and the breakout filter.
type PivotConfig struct {
	F1           float64 `yaml:"f1"` // breakout
	F2           float64 `yaml:"f2"` // sell setup
	F3           float64 `yaml:"f3"` // sell reversal
	F4           float64 `yaml:"f4"` // buy setup
	F5           float64 `yaml:"f5"` // buy reversal
	MinPriceMove float64 `yaml:"min_price_move"` // absolute move past a level
}

// ReversalConfig tunes the drop-then-reversal entry.
type ReversalConfig struct {
	MinDrop           float64 `yaml:"min_drop"`            // drawdown from trailing high
	SevereDrop        float64 `yaml:"severe_drop"`         // stronger tier
	MinVolumeSurge    float64 `yaml:"min_volume_surge"`    // surge required at MinDrop
	SevereVolumeSurge float64 `yaml:"severe_volume_surge"` // surge required at SevereDrop
}

// BreakoutConfig tunes the volume-surge breakout entry and its short mirror.
type BreakoutConfig struct {
	VolumeSurge    float64 `yaml:"volume_surge"`
	MinRise        float64 `yaml:"min_rise"`
	MaxRise        float64 `yaml:"max_rise"`
	MinAmplitude   float64 `yaml:"min_amplitude"`
	StrengthCutoff float64 `yaml:"strength_cutoff"`

	EnableShort      bool    `yaml:"enable_short"`
	ShortVolumeSurge float64 `yaml:"short_volume_surge"`
	MinFall          float64 `yaml:"min_fall"`
	MaxFall          float64 `yaml:"max_fall"`
	ShortAmplitude   float64 `yaml:"short_amplitude"`
	ShortCutoff      float64 `yaml:"short_cutoff"`
}

// ClickHouseConfig connects the bar source to a ClickHouse instance.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Default returns a config preloaded with the tuned parameters the strategies
// shipped with. Callers overlay YAML and env on top.
func Default() *Config {
	return &Config{
		Strategy:  "breakout",
		Timeframe: "1d",
		Mode:      ModeSharedLedger,

		InitialCapital:   100_000,
		MaxPositions:     3,
		PositionFraction: 0.08,
		LotSize:          100,

		CommissionRate: 0.0025,
		StampDutyRate:  0.001,
		MinCommission:  3.0,

		StopLossPct:         0.05,
		TakeProfitPct:       0.50,
		SevereStopMultiple:  1.5,
		TrailingStopEnabled: true,
		TrailingStopPct:     0.06,
		MaxHoldPeriods:      30,
		MinHoldPeriods:      2,
		UnderperformPeriods: 20,
		UnderperformFloor:   -0.03,
		Cooldown:            Duration(5 * time.Minute),

		Pivot: PivotConfig{
			F1: 0.35, F2: 0.15, F3: 0.25, F4: 0.15, F5: 0.25,
			MinPriceMove: 0.10,
		},
		Reversal: ReversalConfig{
			MinDrop:           0.05,
			SevereDrop:        0.07,
			MinVolumeSurge:    1.5,
			SevereVolumeSurge: 2.0,
		},
		Breakout: BreakoutConfig{
			VolumeSurge:    5.0,
			MinRise:        0.10,
			MaxRise:        0.30,
			MinAmplitude:   0.06,
			StrengthCutoff: 0.65,

			EnableShort:      false,
			ShortVolumeSurge: 4.0,
			MinFall:          0.08,
			MaxFall:          0.25,
			ShortAmplitude:   0.08,
			ShortCutoff:      0.50,
		},

		RiskFreeRate:   0.03,
		PeriodsPerYear: 252,

		Server: ServerConfig{
			HTTPPort: 8080,
			MaxJobs:  4,
		},
	}
}

// Load reads YAML from path (missing file is fine, defaults apply) and then
// applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = v
	}
	if v := os.Getenv("CLICKHOUSE_USER"); v != "" {
		cfg.ClickHouse.User = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = n
		}
	}
	if v := os.Getenv("INITIAL_CAPITAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.InitialCapital = f
		}
	}

	return cfg, nil
}

// Validate fails fast on configuration-time invariant violations. Nothing is
// allowed to run against an invalid config.
func (c *Config) Validate() error {
	switch c.Strategy {
	case "pivot", "reversal", "breakout":
	default:
		return fmt.Errorf("config: unknown strategy %q", c.Strategy)
	}
	switch c.Mode {
	case ModeSharedLedger, ModePartitioned:
	default:
		return fmt.Errorf("config: unknown run mode %q", c.Mode)
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("config: initial_capital must be positive, got %v", c.InitialCapital)
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("config: max_positions must be >= 1, got %d", c.MaxPositions)
	}
	if c.PositionFraction <= 0 || c.PositionFraction > 1 {
		return fmt.Errorf("config: position_fraction must be in (0,1], got %v", c.PositionFraction)
	}
	if c.LotSize < 1 {
		return fmt.Errorf("config: lot_size must be >= 1, got %d", c.LotSize)
	}
	if c.CommissionRate < 0 || c.StampDutyRate < 0 || c.MinCommission < 0 {
		return fmt.Errorf("config: negative cost rates")
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 1 {
		return fmt.Errorf("config: stop_loss_pct must be in (0,1), got %v", c.StopLossPct)
	}
	if c.TakeProfitPct <= 0 {
		return fmt.Errorf("config: take_profit_pct must be positive, got %v", c.TakeProfitPct)
	}
	if c.SevereStopMultiple < 1 {
		return fmt.Errorf("config: severe_stop_multiple must be >= 1, got %v", c.SevereStopMultiple)
	}
	if c.TrailingStopEnabled && (c.TrailingStopPct <= 0 || c.TrailingStopPct >= 1) {
		return fmt.Errorf("config: trailing_stop_pct must be in (0,1), got %v", c.TrailingStopPct)
	}
	if c.MaxHoldPeriods < 1 {
		return fmt.Errorf("config: max_hold_periods must be >= 1, got %d", c.MaxHoldPeriods)
	}
	if c.MinHoldPeriods < 0 || c.MinHoldPeriods > c.MaxHoldPeriods {
		return fmt.Errorf("config: min_hold_periods must be in [0, max_hold_periods]")
	}
	if c.Pivot.F1 < 0 || c.Pivot.F2 < 0 || c.Pivot.F3 < 0 || c.Pivot.F4 < 0 || c.Pivot.F5 < 0 {
		return fmt.Errorf("config: pivot coefficients must be non-negative")
	}
	if c.Reversal.SevereDrop < c.Reversal.MinDrop {
		return fmt.Errorf("config: reversal severe_drop %v below min_drop %v", c.Reversal.SevereDrop, c.Reversal.MinDrop)
	}
	if c.Breakout.MaxRise < c.Breakout.MinRise {
		return fmt.Errorf("config: breakout max_rise %v below min_rise %v", c.Breakout.MaxRise, c.Breakout.MinRise)
	}
	if c.PeriodsPerYear < 1 {
		return fmt.Errorf("config: periods_per_year must be >= 1, got %d", c.PeriodsPerYear)
	}
	return nil
}
