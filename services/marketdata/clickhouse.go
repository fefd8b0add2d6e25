package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quantback/services/config"
)

// ClickHouseSource reads bars from a ClickHouse candles table. Transient
// query failures are retried here with backoff; the core never sees them.
type ClickHouseSource struct {
	conn    driver.Conn
	db      string
	table   string
	retries int
	logger  *zap.Logger
}

// NewClickHouseSource opens a connection and verifies it with a ping.
func NewClickHouseSource(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(0),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &ClickHouseSource{
		conn:    conn,
		db:      cfg.Database,
		table:   cfg.Table,
		retries: 3,
		logger:  logger,
	}, nil
}

// Bars implements Source.
func (s *ClickHouseSource) Bars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Bar, error) {
	query := fmt.Sprintf(`
		SELECT open_time_ms, open, high, low, close, volume, turnover
		FROM %s.%s
		WHERE symbol = ? AND interval = ? AND open_time_ms >= ? AND open_time_ms <= ?
		ORDER BY open_time_ms`, s.db, s.table)

	var bars []Bar
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying bar query",
				zap.String("symbol", symbol), zap.Int("attempt", attempt+1), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		bars, lastErr = s.query(ctx, query, symbol, timeframe, from.UnixMilli(), to.UnixMilli())
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("clickhouse bars %s: %w", symbol, lastErr)
	}
	bars = Normalize(bars)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrDataUnavailable, symbol, timeframe)
	}
	return bars, nil
}

func (s *ClickHouseSource) query(ctx context.Context, query, symbol, timeframe string, fromMs, toMs int64) ([]Bar, error) {
	rows, err := s.conn.Query(ctx, query, symbol, timeframe, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []Bar
	for rows.Next() {
		var ts int64
		var open, high, low, close_, volume, turnover float64
		if err := rows.Scan(&ts, &open, &high, &low, &close_, &volume, &turnover); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		bars = append(bars, Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(close_),
			Volume:    decimal.NewFromFloat(volume),
			Turnover:  decimal.NewFromFloat(turnover),
		})
	}
	return bars, rows.Err()
}

// Close releases the connection.
func (s *ClickHouseSource) Close() error { return s.conn.Close() }
