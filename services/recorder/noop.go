package recorder

import (
	"quantback/services/engine"
	"quantback/services/ledger"
	"quantback/services/report"
)

// Noop is used when no SQLite path is configured.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (Noop) RecordRun(_ *engine.Result, _ *report.Stats) error   { return nil }
func (Noop) RecordTrades(_ string, _ []ledger.ClosedTrade) error { return nil }
func (Noop) RecordEquity(_ string, _ []engine.EquityPoint) error { return nil }
func (Noop) Close() error                                        { return nil }
