package arrowio

import (
	"bytes"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/shopspring/decimal"

	"quantback/services/engine"
	"quantback/services/ledger"
	"quantback/services/marketdata"
	"quantback/services/position"
)

func TestWriteBarsRoundTrip(t *testing.T) {
	bars := []marketdata.Bar{
		{
			Symbol:    "TEST",
			Timestamp: 1_700_000_000_000,
			Open:      decimal.NewFromInt(10),
			High:      decimal.NewFromInt(11),
			Low:       decimal.NewFromInt(9),
			Close:     decimal.RequireFromString("10.5"),
			Volume:    decimal.NewFromInt(1000),
			Turnover:  decimal.NewFromInt(10500),
		},
		{
			Symbol:    "TEST",
			Timestamp: 1_700_000_060_000,
			Open:      decimal.RequireFromString("10.5"),
			High:      decimal.NewFromInt(12),
			Low:       decimal.NewFromInt(10),
			Close:     decimal.NewFromInt(11),
			Volume:    decimal.NewFromInt(2000),
			Turnover:  decimal.NewFromInt(22000),
		},
	}

	var buf bytes.Buffer
	if err := NewWriter().WriteBars(&buf, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	r, err := ipc.NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Release()

	if !r.Next() {
		t.Fatal("no record in stream")
	}
	rec := r.Record()
	if rec.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", rec.NumRows())
	}
	closes := rec.Column(5).(*array.Float64)
	if closes.Value(0) != 10.5 || closes.Value(1) != 11 {
		t.Fatalf("closes = %v/%v, want 10.5/11", closes.Value(0), closes.Value(1))
	}
}

func TestWriteEquityRoundTrip(t *testing.T) {
	points := []engine.EquityPoint{
		{Timestamp: 1, Cash: decimal.NewFromInt(100), Equity: decimal.NewFromInt(100)},
		{Timestamp: 2, Cash: decimal.NewFromInt(90), Equity: decimal.NewFromInt(105)},
	}

	var buf bytes.Buffer
	if err := NewWriter().WriteEquity(&buf, points); err != nil {
		t.Fatalf("WriteEquity: %v", err)
	}

	r, err := ipc.NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Release()

	if !r.Next() {
		t.Fatal("no record in stream")
	}
	eq := r.Record().Column(2).(*array.Float64)
	if eq.Value(1) != 105 {
		t.Fatalf("equity[1] = %v, want 105", eq.Value(1))
	}
}

func TestWriteTradesRoundTrip(t *testing.T) {
	trades := []ledger.ClosedTrade{{
		Symbol:      "TEST",
		Side:        position.Long,
		EntryTime:   time.UnixMilli(1),
		ExitTime:    time.UnixMilli(2),
		EntryPrice:  decimal.NewFromInt(10),
		ExitPrice:   decimal.NewFromInt(11),
		Quantity:    decimal.NewFromInt(100),
		NetPnL:      decimal.NewFromInt(95),
		Commission:  decimal.NewFromInt(5),
		HoldPeriods: 3,
		ExitReason:  "take-profit",
	}}

	var buf bytes.Buffer
	if err := NewWriter().WriteTrades(&buf, trades); err != nil {
		t.Fatalf("WriteTrades: %v", err)
	}

	r, err := ipc.NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Release()

	if !r.Next() {
		t.Fatal("no record in stream")
	}
	rec := r.Record()
	if got := rec.Column(10).(*array.String).Value(0); got != "take-profit" {
		t.Fatalf("exit reason = %q, want take-profit", got)
	}
}

func TestWriteEmptyFails(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter()
	if err := w.WriteBars(&buf, nil); err == nil {
		t.Fatal("empty bars accepted")
	}
	if err := w.WriteEquity(&buf, nil); err == nil {
		t.Fatal("empty equity accepted")
	}
	if err := w.WriteTrades(&buf, nil); err == nil {
		t.Fatal("empty trades accepted")
	}
}
