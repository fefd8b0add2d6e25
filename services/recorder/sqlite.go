package recorder

import (
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"quantback/services/engine"
	"quantback/services/ledger"
	"quantback/services/report"
)

// SQLiteRecorder writes runs, trades and equity curves to a SQLite database.
type SQLiteRecorder struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
}

// NewSQLite opens (or creates) the database at path and runs migrations.
func NewSQLite(path string, logger *zap.Logger) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode so dashboards can read while a run is being written.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, logger: logger}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("sqlite recorder opened", zap.String("path", path))
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id          TEXT PRIMARY KEY,
			strategy        TEXT NOT NULL,
			mode            TEXT NOT NULL,
			started_at      INTEGER NOT NULL,
			finished_at     INTEGER NOT NULL,
			initial_capital REAL,
			final_equity    REAL,
			net_pnl         REAL,
			total_return    REAL,
			annual_return   REAL,
			sharpe          REAL,
			max_drawdown    REAL,
			trades          INTEGER,
			win_rate        REAL,
			commission      REAL
		)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id       TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			side         TEXT NOT NULL,
			entry_time   INTEGER NOT NULL,
			exit_time    INTEGER NOT NULL,
			entry_price  REAL,
			exit_price   REAL,
			quantity     REAL,
			gross_pnl    REAL,
			commission   REAL,
			net_pnl      REAL,
			pnl_percent  REAL,
			hold_periods INTEGER,
			exit_reason  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id)`,

		`CREATE TABLE IF NOT EXISTS equity (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id    TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			cash      REAL,
			equity    REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_run ON equity(run_id, timestamp)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordRun(res *engine.Result, stats *report.Stats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO runs
		(run_id, strategy, mode, started_at, finished_at,
		 initial_capital, final_equity, net_pnl, total_return,
		 annual_return, sharpe, max_drawdown, trades, win_rate, commission)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.RunID, res.Strategy, string(res.Mode),
		res.StartedAt.UnixMilli(), res.FinishedAt.UnixMilli(),
		stats.InitialCapital, stats.FinalEquity, stats.NetPnL, stats.TotalReturn,
		stats.AnnualizedReturn, stats.Sharpe, stats.MaxDrawdown,
		stats.TotalTrades, stats.WinRate, stats.Commission,
	)
	return err
}

func (r *SQLiteRecorder) RecordTrades(runID string, trades []ledger.ClosedTrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO trades
		(run_id, symbol, side, entry_time, exit_time, entry_price, exit_price,
		 quantity, gross_pnl, commission, net_pnl, pnl_percent, hold_periods, exit_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.Exec(
			runID, t.Symbol, t.Side.String(),
			t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli(),
			t.EntryPrice.InexactFloat64(), t.ExitPrice.InexactFloat64(),
			t.Quantity.InexactFloat64(), t.GrossPnL.InexactFloat64(),
			t.Commission.InexactFloat64(), t.NetPnL.InexactFloat64(),
			t.PnLPercent, t.HoldPeriods, t.ExitReason,
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLiteRecorder) RecordEquity(runID string, points []engine.EquityPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO equity (run_id, timestamp, cash, equity) VALUES (?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(runID, p.Timestamp,
			p.Cash.InexactFloat64(), p.Equity.InexactFloat64()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLiteRecorder) Close() error { return r.db.Close() }
