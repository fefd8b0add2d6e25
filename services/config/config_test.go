package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.Symbols = []string{"TEST"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Strategy != "breakout" || cfg.Mode != ModeSharedLedger {
		t.Fatalf("defaults not applied: %q %q", cfg.Strategy, cfg.Mode)
	}
	if cfg.InitialCapital != 100_000 {
		t.Fatalf("initial capital = %v", cfg.InitialCapital)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
strategy: pivot
symbols: [AAA, BBB]
mode: partitioned
initial_capital: 50000
max_positions: 5
pivot:
  f1: 0.40
  min_price_move: 0.05
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Strategy != "pivot" || cfg.Mode != ModePartitioned {
		t.Fatalf("overlay missed: %q %q", cfg.Strategy, cfg.Mode)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "AAA" {
		t.Fatalf("symbols = %v", cfg.Symbols)
	}
	if cfg.InitialCapital != 50000 || cfg.MaxPositions != 5 {
		t.Fatalf("capital/positions = %v/%d", cfg.InitialCapital, cfg.MaxPositions)
	}
	if cfg.Pivot.F1 != 0.40 || cfg.Pivot.MinPriceMove != 0.05 {
		t.Fatalf("pivot overlay missed: %+v", cfg.Pivot)
	}
	// Untouched keys keep their defaults.
	if cfg.Pivot.F2 != 0.15 {
		t.Fatalf("pivot f2 default lost: %v", cfg.Pivot.F2)
	}
	if cfg.CommissionRate != 0.0025 {
		t.Fatalf("commission default lost: %v", cfg.CommissionRate)
	}
}

func TestLoadCooldownDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("cooldown: 90s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cooldown != Duration(90*time.Second) {
		t.Fatalf("cooldown = %v, want 90s", time.Duration(cfg.Cooldown))
	}
}

func TestLoadCooldownRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("cooldown: ninety\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CLICKHOUSE_ADDR", "db.example:9000")
	t.Setenv("INITIAL_CAPITAL", "250000")
	t.Setenv("HTTP_PORT", "9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ClickHouse.Addr != "db.example:9000" {
		t.Fatalf("addr = %q", cfg.ClickHouse.Addr)
	}
	if cfg.InitialCapital != 250000 {
		t.Fatalf("capital = %v", cfg.InitialCapital)
	}
	if cfg.Server.HTTPPort != 9999 {
		t.Fatalf("port = %d", cfg.Server.HTTPPort)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Strategy = "momentum" }},
		{"unknown mode", func(c *Config) { c.Mode = "hybrid" }},
		{"zero capital", func(c *Config) { c.InitialCapital = 0 }},
		{"zero max positions", func(c *Config) { c.MaxPositions = 0 }},
		{"fraction above one", func(c *Config) { c.PositionFraction = 1.5 }},
		{"zero lot", func(c *Config) { c.LotSize = 0 }},
		{"negative commission", func(c *Config) { c.CommissionRate = -0.001 }},
		{"stop loss out of range", func(c *Config) { c.StopLossPct = 1.0 }},
		{"zero take profit", func(c *Config) { c.TakeProfitPct = 0 }},
		{"severe multiple below one", func(c *Config) { c.SevereStopMultiple = 0.5 }},
		{"trailing out of range", func(c *Config) { c.TrailingStopPct = 1.2 }},
		{"min hold above max", func(c *Config) { c.MinHoldPeriods = c.MaxHoldPeriods + 1 }},
		{"negative pivot coefficient", func(c *Config) { c.Pivot.F3 = -0.1 }},
		{"severe drop below min drop", func(c *Config) { c.Reversal.SevereDrop = 0.01 }},
		{"max rise below min rise", func(c *Config) { c.Breakout.MaxRise = 0.01 }},
		{"zero periods per year", func(c *Config) { c.PeriodsPerYear = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Symbols = []string{"TEST"}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
