// Command backtest runs one backtest from the command line and prints the
// performance report. Results can additionally be exported as CSV, Arrow IPC
// and SQLite.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"quantback/services/arrowio"
	"quantback/services/config"
	"quantback/services/engine"
	"quantback/services/ledger"
	"quantback/services/marketdata"
	"quantback/services/recorder"
	"quantback/services/report"
	"quantback/strategies"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to YAML configuration")
		strategy   = flag.String("strategy", "", "Strategy override: pivot, reversal or breakout")
		symbols    = flag.String("symbols", "", "Comma-separated symbol override")
		mode       = flag.String("mode", "", "Run mode override: shared or partitioned")
		csvDir     = flag.String("csv-dir", "", "Load bars from <dir>/<symbol>.csv instead of ClickHouse")
		from       = flag.String("from", "", "Replay window start (2006-01-02)")
		to         = flag.String("to", "", "Replay window end (2006-01-02)")
		tradesOut  = flag.String("trades-csv", "", "Write the closed-trade log to this CSV file")
		arrowDir   = flag.String("arrow-dir", "", "Write equity and trades as Arrow IPC files into this directory")
		verbose    = flag.Bool("verbose", false, "Debug logging")
	)
	flag.Parse()

	// Local overrides for credentials; missing file is fine.
	_ = godotenv.Load()

	logger := newLogger(*verbose)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if *strategy != "" {
		cfg.Strategy = *strategy
	}
	if *symbols != "" {
		cfg.Symbols = strings.Split(*symbols, ",")
	}
	if *mode != "" {
		cfg.Mode = config.RunMode(*mode)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	if len(cfg.Symbols) == 0 {
		logger.Fatal("no symbols configured")
	}

	fromTime, toTime, err := window(*from, *to)
	if err != nil {
		logger.Fatal("invalid window", zap.Error(err))
	}

	source, closeSource, err := newSource(cfg, *csvDir, logger)
	if err != nil {
		logger.Fatal("bar source", zap.Error(err))
	}
	defer closeSource()

	eval, err := strategies.New(cfg)
	if err != nil {
		logger.Fatal("strategy", zap.Error(err))
	}

	eng := engine.New(cfg, source, eval, logger)
	res, err := eng.Run(context.Background(), fromTime, toTime)
	if err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}

	stats := report.Compute(res, cfg)
	fmt.Print(report.Render(stats, res.Equity))

	if err := persist(cfg, res, stats, logger); err != nil {
		logger.Fatal("persist results", zap.Error(err))
	}
	if *tradesOut != "" {
		if err := writeTradesCSV(*tradesOut, res.Trades); err != nil {
			logger.Fatal("write trades csv", zap.Error(err))
		}
	}
	if *arrowDir != "" {
		if err := writeArrow(*arrowDir, res, source, cfg, fromTime, toTime); err != nil {
			logger.Fatal("write arrow", zap.Error(err))
		}
	}
}

func newLogger(verbose bool) *zap.Logger {
	zc := zap.NewProductionConfig()
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// window parses the replay bounds; defaults cover the trailing year.
func window(from, to string) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.AddDate(-1, 0, 0)
	var err error
	if from != "" {
		if start, err = time.Parse("2006-01-02", from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse -from: %w", err)
		}
	}
	if to != "" {
		if end, err = time.Parse("2006-01-02", to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse -to: %w", err)
		}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("window end %s not after start %s", end, start)
	}
	return start, end, nil
}

func newSource(cfg *config.Config, csvDir string, logger *zap.Logger) (marketdata.Source, func(), error) {
	if csvDir != "" {
		return marketdata.NewCSVSource(csvDir, logger), func() {}, nil
	}
	ch, err := marketdata.NewClickHouseSource(context.Background(), cfg.ClickHouse, logger)
	if err != nil {
		return nil, nil, err
	}
	return ch, func() { ch.Close() }, nil
}

func persist(cfg *config.Config, res *engine.Result, stats *report.Stats, logger *zap.Logger) error {
	var rec recorder.Recorder = recorder.NewNoop()
	if cfg.SQLitePath != "" {
		sq, err := recorder.NewSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return err
		}
		rec = sq
	}
	defer rec.Close()

	if err := rec.RecordRun(res, stats); err != nil {
		return err
	}
	if err := rec.RecordTrades(res.RunID, res.Trades); err != nil {
		return err
	}
	return rec.RecordEquity(res.RunID, res.Equity)
}

func writeTradesCSV(path string, trades []ledger.ClosedTrade) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{
		"symbol", "side", "entry_time", "exit_time", "entry_price", "exit_price",
		"quantity", "gross_pnl", "commission", "net_pnl", "pnl_percent",
		"hold_periods", "exit_reason",
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.Symbol,
			t.Side.String(),
			t.EntryTime.UTC().Format(time.RFC3339),
			t.ExitTime.UTC().Format(time.RFC3339),
			t.EntryPrice.String(),
			t.ExitPrice.String(),
			t.Quantity.String(),
			t.GrossPnL.String(),
			t.Commission.String(),
			t.NetPnL.String(),
			strconv.FormatFloat(t.PnLPercent, 'f', 6, 64),
			strconv.Itoa(t.HoldPeriods),
			t.ExitReason,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func writeArrow(dir string, res *engine.Result, src marketdata.Source, cfg *config.Config, from, to time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w := arrowio.NewWriter()

	for _, sym := range res.Symbols {
		bars, err := src.Bars(context.Background(), sym.Symbol, cfg.Timeframe, from, to)
		if err != nil {
			continue
		}
		f, err := os.Create(filepath.Join(dir, "bars_"+sym.Symbol+".arrow"))
		if err != nil {
			return err
		}
		err = w.WriteBars(f, bars)
		f.Close()
		if err != nil {
			return err
		}
	}

	if len(res.Equity) > 0 {
		f, err := os.Create(filepath.Join(dir, "equity.arrow"))
		if err != nil {
			return err
		}
		err = w.WriteEquity(f, res.Equity)
		f.Close()
		if err != nil {
			return err
		}
	}
	if len(res.Trades) > 0 {
		f, err := os.Create(filepath.Join(dir, "trades.arrow"))
		if err != nil {
			return err
		}
		err = w.WriteTrades(f, res.Trades)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
