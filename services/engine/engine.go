// Package engine drives the replay: indicator snapshots in, closed trades
// and an equity curve out. Period order is sacred; everything downstream of
// a bar happens before the next bar is looked at.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quantback/services/config"
	"quantback/services/indicator"
	"quantback/services/ledger"
	"quantback/services/marketdata"
	"quantback/services/position"
	"quantback/strategies"
)

// partitionWorkers bounds parallelism in partitioned mode.
const partitionWorkers = 8

// EquityPoint is one period-boundary snapshot of the book.
type EquityPoint struct {
	Timestamp int64
	Cash      decimal.Decimal
	Equity    decimal.Decimal
}

// SymbolSummary carries the first and last close per symbol for the
// buy-and-hold comparison in the report.
type SymbolSummary struct {
	Symbol     string
	FirstClose decimal.Decimal
	LastClose  decimal.Decimal
	Bars       int
}

// Result is everything one run produced.
type Result struct {
	RunID          string
	Strategy       string
	Mode           config.RunMode
	InitialCapital decimal.Decimal
	FinalEquity    decimal.Decimal
	Commission     decimal.Decimal
	Trades         []ledger.ClosedTrade
	Equity         []EquityPoint
	Symbols        []SymbolSummary
	StartedAt      time.Time
	FinishedAt     time.Time
}

// series is one symbol's aligned bar and snapshot history.
type series struct {
	bars  []marketdata.Bar
	snaps []indicator.Snapshot
	byTS  map[int64]int
}

// Engine wires a bar source and an evaluator to the shared replay loop.
type Engine struct {
	cfg    *config.Config
	source marketdata.Source
	eval   strategies.Evaluator
	logger *zap.Logger
}

func New(cfg *config.Config, source marketdata.Source, eval strategies.Evaluator, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, source: source, eval: eval, logger: logger}
}

// Run replays the configured symbols over [from, to] in the configured mode.
func (e *Engine) Run(ctx context.Context, from, to time.Time) (*Result, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	startedAt := time.Now()

	all, err := e.loadSeries(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("engine: no bar data for any configured symbol: %w", marketdata.ErrDataUnavailable)
	}

	var res *Result
	switch e.cfg.Mode {
	case config.ModePartitioned:
		res, err = e.runPartitioned(ctx, all)
	default:
		res, err = e.runShared(ctx, all)
	}
	if err != nil {
		return nil, err
	}

	res.RunID = uuid.NewString()
	res.Strategy = e.eval.Name()
	res.Mode = e.cfg.Mode
	res.StartedAt = startedAt
	res.FinishedAt = time.Now()

	e.logger.Info("run complete",
		zap.String("run_id", res.RunID),
		zap.String("strategy", res.Strategy),
		zap.String("mode", string(res.Mode)),
		zap.Int("symbols", len(res.Symbols)),
		zap.Int("trades", len(res.Trades)),
		zap.String("final_equity", res.FinalEquity.String()))
	return res, nil
}

// loadSeries fetches and precomputes every symbol's history. A symbol with
// no data is skipped with a warning, not a run failure.
func (e *Engine) loadSeries(ctx context.Context, from, to time.Time) (map[string]*series, error) {
	all := make(map[string]*series, len(e.cfg.Symbols))
	for _, sym := range e.cfg.Symbols {
		bars, err := e.source.Bars(ctx, sym, e.cfg.Timeframe, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("symbol skipped, no data", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		// A source may hand back an empty slice instead of ErrDataUnavailable.
		if len(bars) == 0 {
			e.logger.Warn("symbol skipped, empty bar slice", zap.String("symbol", sym))
			continue
		}
		s := &series{
			bars:  bars,
			snaps: indicator.Compute(bars),
			byTS:  make(map[int64]int, len(bars)),
		}
		for i, b := range bars {
			s.byTS[b.Timestamp] = i
		}
		all[sym] = s
	}
	return all, nil
}

// runShared replays every symbol against one ledger in a single sequential
// pass per period. Determinism comes from the fixed iteration order: exits
// by symbol ascending, then entries ranked by strength.
func (e *Engine) runShared(ctx context.Context, all map[string]*series) (*Result, error) {
	led := ledger.New(e.cfg, decimal.NewFromFloat(e.cfg.InitialCapital), e.logger)
	equity, err := e.replay(ctx, all, led)
	if err != nil {
		return nil, err
	}
	return e.collect(all, []*ledger.Ledger{led}, equity), nil
}

// runPartitioned splits capital evenly and replays each symbol on its own
// ledger, in parallel. Partitions share nothing; results merge afterwards.
func (e *Engine) runPartitioned(ctx context.Context, all map[string]*series) (*Result, error) {
	symbols := sortedKeys(all)
	share := decimal.NewFromFloat(e.cfg.InitialCapital).
		Div(decimal.NewFromInt(int64(len(symbols))))

	type part struct {
		led    *ledger.Ledger
		equity []EquityPoint
	}
	parts := make([]part, len(symbols))
	errs := make([]error, len(symbols))

	sem := make(chan struct{}, partitionWorkers)
	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, sym string) {
			defer wg.Done()
			defer func() { <-sem }()

			led := ledger.New(e.cfg, share, e.logger.With(zap.String("partition", sym)))
			eq, err := e.replay(ctx, map[string]*series{sym: all[sym]}, led)
			if err != nil {
				errs[i] = fmt.Errorf("partition %s: %w", sym, err)
				return
			}
			parts[i] = part{led: led, equity: eq}
		}(i, sym)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	ledgers := make([]*ledger.Ledger, len(parts))
	curves := make([][]EquityPoint, len(parts))
	for i, p := range parts {
		ledgers[i] = p.led
		curves[i] = p.equity
	}
	return e.collect(all, ledgers, mergeEquity(curves, share)), nil
}

// replay is the core loop shared by both modes: one ledger, any number of
// symbols, strict timestamp order.
func (e *Engine) replay(ctx context.Context, all map[string]*series, led *ledger.Ledger) ([]EquityPoint, error) {
	symbols := sortedKeys(all)
	timestamps := unionTimestamps(all)
	ladder := position.NewLadder(e.cfg)

	trailingPct := 0.0
	if e.cfg.TrailingStopEnabled {
		trailingPct = e.cfg.TrailingStopPct
	}

	marks := make(map[string]decimal.Decimal, len(symbols))
	equity := make([]EquityPoint, 0, len(timestamps))

	for _, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Exits first, symbol order fixed for determinism. A symbol without
		// a bar this period is a no-op.
		for _, sym := range symbols {
			s := all[sym]
			i, ok := s.byTS[ts]
			if !ok {
				continue
			}
			bar := s.bars[i]
			marks[sym] = bar.Close

			p := led.Position(sym)
			if p == nil {
				continue
			}
			p.Update(bar, trailingPct)

			if reason, exit := ladder.Check(p, bar, s.snaps[i]); exit {
				if _, err := led.Exit(sym, bar.Close, bar.Time(), reason); err != nil {
					return nil, err
				}
				continue
			}
			// Variant-specific exits, e.g. the pivot reversal levels.
			d := e.eval.Evaluate(e.evalCtx(led, sym, bar, s.snaps[i]))
			if d.Action == strategies.Exit {
				if _, err := led.Exit(sym, bar.Close, bar.Time(), d.Reason); err != nil {
					return nil, err
				}
			}
		}

		// Collect entry candidates, rank, fill up to capacity.
		type candidate struct {
			symbol   string
			side     position.Side
			decision strategies.Decision
			bar      marketdata.Bar
		}
		var candidates []candidate
		for _, sym := range symbols {
			s := all[sym]
			i, ok := s.byTS[ts]
			if !ok || led.Position(sym) != nil {
				continue
			}
			bar := s.bars[i]
			d := e.eval.Evaluate(e.evalCtx(led, sym, bar, s.snaps[i]))
			switch d.Action {
			case strategies.EnterLong:
				candidates = append(candidates, candidate{sym, position.Long, d, bar})
			case strategies.EnterShort:
				candidates = append(candidates, candidate{sym, position.Short, d, bar})
			}
		}
		sort.Slice(candidates, func(a, b int) bool {
			if candidates[a].decision.Strength != candidates[b].decision.Strength {
				return candidates[a].decision.Strength > candidates[b].decision.Strength
			}
			return candidates[a].symbol < candidates[b].symbol
		})
		for _, c := range candidates {
			if led.Capacity() <= 0 {
				break
			}
			p, err := led.Enter(c.symbol, c.side, c.bar.Close, c.bar.Time())
			if err != nil {
				return nil, err
			}
			if p != nil {
				e.logger.Debug("entry signal filled",
					zap.String("symbol", c.symbol),
					zap.String("reason", c.decision.Reason),
					zap.Float64("strength", c.decision.Strength))
			}
		}

		if err := led.Reconcile(marks); err != nil {
			return nil, fmt.Errorf("period %d: %w", ts, err)
		}
		equity = append(equity, EquityPoint{
			Timestamp: ts,
			Cash:      led.Cash(),
			Equity:    led.Equity(marks),
		})
	}

	// Forced liquidation: anything still open goes out at its last bar.
	for _, sym := range symbols {
		if led.Position(sym) == nil {
			continue
		}
		s := all[sym]
		last := s.bars[len(s.bars)-1]
		if _, err := led.Exit(sym, last.Close, last.Time(), "end-of-backtest"); err != nil {
			return nil, err
		}
	}
	if len(timestamps) > 0 {
		last := timestamps[len(timestamps)-1]
		equity[len(equity)-1] = EquityPoint{
			Timestamp: last,
			Cash:      led.Cash(),
			Equity:    led.Equity(marks),
		}
	}

	return equity, nil
}

func (e *Engine) evalCtx(led *ledger.Ledger, sym string, bar marketdata.Bar, snap indicator.Snapshot) strategies.EvalContext {
	view := strategies.PositionView{LastFill: led.LastFill(sym)}
	if p := led.Position(sym); p != nil {
		view.Open = true
		view.Short = p.Side == position.Short
		view.EntryPrice = p.EntryPrice
		view.HoldPeriods = p.HoldPeriods
	}
	return strategies.EvalContext{Bar: bar, Snap: snap, Pos: view, Now: bar.Time()}
}

// collect merges ledgers and the final equity curve into a Result.
func (e *Engine) collect(all map[string]*series, ledgers []*ledger.Ledger, equity []EquityPoint) *Result {
	res := &Result{
		InitialCapital: decimal.NewFromFloat(e.cfg.InitialCapital),
		Equity:         equity,
	}
	for _, led := range ledgers {
		res.Trades = append(res.Trades, led.Closed()...)
		res.Commission = res.Commission.Add(led.AccruedCommission())
	}
	sort.Slice(res.Trades, func(a, b int) bool {
		if !res.Trades[a].ExitTime.Equal(res.Trades[b].ExitTime) {
			return res.Trades[a].ExitTime.Before(res.Trades[b].ExitTime)
		}
		return res.Trades[a].Symbol < res.Trades[b].Symbol
	})

	if len(equity) > 0 {
		res.FinalEquity = equity[len(equity)-1].Equity
	} else {
		res.FinalEquity = res.InitialCapital
	}

	for _, sym := range sortedKeys(all) {
		s := all[sym]
		if len(s.bars) == 0 {
			continue
		}
		res.Symbols = append(res.Symbols, SymbolSummary{
			Symbol:     sym,
			FirstClose: s.bars[0].Close,
			LastClose:  s.bars[len(s.bars)-1].Close,
			Bars:       len(s.bars),
		})
	}
	return res
}

func sortedKeys(all map[string]*series) []string {
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unionTimestamps(all map[string]*series) []int64 {
	seen := make(map[int64]struct{})
	for _, s := range all {
		for ts := range s.byTS {
			seen[ts] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// mergeEquity sums per-partition curves onto the union timeline, carrying
// each partition's last known equity forward across gaps. A partition that
// has not traded yet contributes its untouched capital share.
func mergeEquity(curves [][]EquityPoint, share decimal.Decimal) []EquityPoint {
	seen := make(map[int64]struct{})
	for _, c := range curves {
		for _, p := range c {
			seen[p.Timestamp] = struct{}{}
		}
	}
	timeline := make([]int64, 0, len(seen))
	for ts := range seen {
		timeline = append(timeline, ts)
	}
	sort.Slice(timeline, func(a, b int) bool { return timeline[a] < timeline[b] })

	idx := make([]int, len(curves))
	lastCash := make([]decimal.Decimal, len(curves))
	lastEquity := make([]decimal.Decimal, len(curves))
	for i := range curves {
		lastCash[i] = share
		lastEquity[i] = share
	}

	merged := make([]EquityPoint, 0, len(timeline))
	for _, ts := range timeline {
		var cash, eq decimal.Decimal
		for i, c := range curves {
			for idx[i] < len(c) && c[idx[i]].Timestamp <= ts {
				lastCash[i] = c[idx[i]].Cash
				lastEquity[i] = c[idx[i]].Equity
				idx[i]++
			}
			cash = cash.Add(lastCash[i])
			eq = eq.Add(lastEquity[i])
		}
		merged = append(merged, EquityPoint{Timestamp: ts, Cash: cash, Equity: eq})
	}
	return merged
}
