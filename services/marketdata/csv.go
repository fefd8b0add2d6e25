package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CSVSource reads bars from per-symbol CSV files in a directory, named
// <symbol>.csv with columns: timestamp_ms,open,high,low,close,volume[,turnover].
type CSVSource struct {
	dir    string
	logger *zap.Logger
}

// NewCSVSource creates a source rooted at dir.
func NewCSVSource(dir string, logger *zap.Logger) *CSVSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVSource{dir: dir, logger: logger}
}

// Bars implements Source. The timeframe is encoded in the file contents; it
// is accepted for interface symmetry and ignored here.
func (s *CSVSource) Bars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Bar, error) {
	path := filepath.Join(s.dir, symbol+".csv")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDataUnavailable, symbol)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var bars []Bar
	idx := 0
	skipped := 0
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if len(rec) < 6 {
			idx++
			skipped++
			continue
		}
		if idx == 0 && (strings.EqualFold(rec[0], "timestamp") || strings.EqualFold(rec[0], "timestamp_ms")) {
			idx++
			continue
		}

		ts, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(rec[0], "\uFEFF")), 10, 64)
		if err != nil {
			idx++
			skipped++
			continue
		}
		open, err1 := decimal.NewFromString(strings.TrimSpace(rec[1]))
		high, err2 := decimal.NewFromString(strings.TrimSpace(rec[2]))
		low, err3 := decimal.NewFromString(strings.TrimSpace(rec[3]))
		close_, err4 := decimal.NewFromString(strings.TrimSpace(rec[4]))
		vol, err5 := decimal.NewFromString(strings.TrimSpace(rec[5]))
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			idx++
			skipped++
			continue
		}
		if err5 != nil {
			vol = decimal.Zero
		}
		turnover := decimal.Zero
		if len(rec) >= 7 {
			if t, err := decimal.NewFromString(strings.TrimSpace(rec[6])); err == nil {
				turnover = t
			}
		}

		if t := time.UnixMilli(ts).UTC(); t.Before(from) || t.After(to) {
			idx++
			continue
		}

		bars = append(bars, Bar{
			Symbol: symbol, Timestamp: ts,
			Open: open, High: high, Low: low, Close: close_,
			Volume: vol, Turnover: turnover,
		})
		idx++
	}

	if skipped > 0 {
		s.logger.Warn("skipped malformed csv rows",
			zap.String("symbol", symbol), zap.Int("skipped", skipped))
	}
	bars = Normalize(bars)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDataUnavailable, symbol)
	}
	return bars, nil
}
