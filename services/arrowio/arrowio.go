// Package arrowio exports run artifacts as Arrow IPC streams so results can
// be loaded straight into dataframe tooling without CSV round trips.
package arrowio

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"quantback/services/engine"
	"quantback/services/ledger"
	"quantback/services/marketdata"
)

// Writer serializes records against one shared allocator.
type Writer struct {
	pool memory.Allocator
}

func NewWriter() *Writer {
	return &Writer{pool: memory.NewGoAllocator()}
}

var barSchema = arrow.NewSchema([]arrow.Field{
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
	{Name: "open", Type: arrow.PrimitiveTypes.Float64},
	{Name: "high", Type: arrow.PrimitiveTypes.Float64},
	{Name: "low", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close", Type: arrow.PrimitiveTypes.Float64},
	{Name: "volume", Type: arrow.PrimitiveTypes.Float64},
	{Name: "turnover", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// WriteBars streams a bar history as one IPC record.
func (w *Writer) WriteBars(out io.Writer, bars []marketdata.Bar) error {
	if len(bars) == 0 {
		return fmt.Errorf("arrowio: no bars to write")
	}

	b := array.NewRecordBuilder(w.pool, barSchema)
	defer b.Release()

	for _, bar := range bars {
		b.Field(0).(*array.StringBuilder).Append(bar.Symbol)
		b.Field(1).(*array.Int64Builder).Append(bar.Timestamp)
		b.Field(2).(*array.Float64Builder).Append(bar.Open.InexactFloat64())
		b.Field(3).(*array.Float64Builder).Append(bar.High.InexactFloat64())
		b.Field(4).(*array.Float64Builder).Append(bar.Low.InexactFloat64())
		b.Field(5).(*array.Float64Builder).Append(bar.Close.InexactFloat64())
		b.Field(6).(*array.Float64Builder).Append(bar.Volume.InexactFloat64())
		b.Field(7).(*array.Float64Builder).Append(bar.Turnover.InexactFloat64())
	}

	return w.writeRecord(out, barSchema, b)
}

var equitySchema = arrow.NewSchema([]arrow.Field{
	{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
	{Name: "cash", Type: arrow.PrimitiveTypes.Float64},
	{Name: "equity", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// WriteEquity streams an equity curve as one IPC record.
func (w *Writer) WriteEquity(out io.Writer, points []engine.EquityPoint) error {
	if len(points) == 0 {
		return fmt.Errorf("arrowio: no equity points to write")
	}

	b := array.NewRecordBuilder(w.pool, equitySchema)
	defer b.Release()

	for _, p := range points {
		b.Field(0).(*array.Int64Builder).Append(p.Timestamp)
		b.Field(1).(*array.Float64Builder).Append(p.Cash.InexactFloat64())
		b.Field(2).(*array.Float64Builder).Append(p.Equity.InexactFloat64())
	}

	return w.writeRecord(out, equitySchema, b)
}

var tradeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "side", Type: arrow.BinaryTypes.String},
	{Name: "entry_time", Type: arrow.PrimitiveTypes.Int64},
	{Name: "exit_time", Type: arrow.PrimitiveTypes.Int64},
	{Name: "entry_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "exit_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "quantity", Type: arrow.PrimitiveTypes.Float64},
	{Name: "net_pnl", Type: arrow.PrimitiveTypes.Float64},
	{Name: "commission", Type: arrow.PrimitiveTypes.Float64},
	{Name: "hold_periods", Type: arrow.PrimitiveTypes.Int64},
	{Name: "exit_reason", Type: arrow.BinaryTypes.String},
}, nil)

// WriteTrades streams the closed-trade log as one IPC record.
func (w *Writer) WriteTrades(out io.Writer, trades []ledger.ClosedTrade) error {
	if len(trades) == 0 {
		return fmt.Errorf("arrowio: no trades to write")
	}

	b := array.NewRecordBuilder(w.pool, tradeSchema)
	defer b.Release()

	for _, t := range trades {
		b.Field(0).(*array.StringBuilder).Append(t.Symbol)
		b.Field(1).(*array.StringBuilder).Append(t.Side.String())
		b.Field(2).(*array.Int64Builder).Append(t.EntryTime.UnixMilli())
		b.Field(3).(*array.Int64Builder).Append(t.ExitTime.UnixMilli())
		b.Field(4).(*array.Float64Builder).Append(t.EntryPrice.InexactFloat64())
		b.Field(5).(*array.Float64Builder).Append(t.ExitPrice.InexactFloat64())
		b.Field(6).(*array.Float64Builder).Append(t.Quantity.InexactFloat64())
		b.Field(7).(*array.Float64Builder).Append(t.NetPnL.InexactFloat64())
		b.Field(8).(*array.Float64Builder).Append(t.Commission.InexactFloat64())
		b.Field(9).(*array.Int64Builder).Append(int64(t.HoldPeriods))
		b.Field(10).(*array.StringBuilder).Append(t.ExitReason)
	}

	return w.writeRecord(out, tradeSchema, b)
}

func (w *Writer) writeRecord(out io.Writer, schema *arrow.Schema, b *array.RecordBuilder) error {
	record := b.NewRecord()
	defer record.Release()

	writer := ipc.NewWriter(out, ipc.WithSchema(schema), ipc.WithAllocator(w.pool))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("arrowio: write record: %w", err)
	}
	return writer.Close()
}
