// Package recorder persists run results for later analysis.
package recorder

import (
	"quantback/services/engine"
	"quantback/services/ledger"
	"quantback/services/report"
)

// Recorder persists one finished run: the summary row, its trades, and its
// equity curve.
type Recorder interface {
	RecordRun(res *engine.Result, stats *report.Stats) error
	RecordTrades(runID string, trades []ledger.ClosedTrade) error
	RecordEquity(runID string, points []engine.EquityPoint) error
	Close() error
}
