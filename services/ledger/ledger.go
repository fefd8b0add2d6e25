// Package ledger owns the money. All cash movement is exact decimal
// arithmetic and happens exactly once per transition; the reconciliation
// check proves no money is created or destroyed except through commission.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quantback/services/config"
	"quantback/services/position"
)

// ClosedTrade is the immutable record a position collapses into on exit.
type ClosedTrade struct {
	Symbol       string
	Side         position.Side
	EntryPrice   decimal.Decimal
	ExitPrice    decimal.Decimal
	EntryTime    time.Time
	ExitTime     time.Time
	Quantity     decimal.Decimal
	GrossPnL     decimal.Decimal
	Commission   decimal.Decimal
	NetPnL       decimal.Decimal
	PnLPercent   float64
	HoldPeriods  int
	ExitReason   string
	MaxFavorable float64
	MaxAdverse   float64
}

// Ledger holds cash, open positions and the append-only trade log for one
// capital pool. It is not safe for concurrent use; partitioned runs give
// each worker its own ledger.
type Ledger struct {
	cfg    *config.Config
	logger *zap.Logger

	initial    decimal.Decimal
	cash       decimal.Decimal
	commission decimal.Decimal // accrued across all trades

	positions map[string]*position.Position
	lastFill  map[string]time.Time
	closed    []ClosedTrade
}

// New opens a ledger funded with capital.
func New(cfg *config.Config, capital decimal.Decimal, logger *zap.Logger) *Ledger {
	return &Ledger{
		cfg:       cfg,
		logger:    logger,
		initial:   capital,
		cash:      capital,
		positions: make(map[string]*position.Position),
		lastFill:  make(map[string]time.Time),
	}
}

func (l *Ledger) Cash() decimal.Decimal              { return l.cash }
func (l *Ledger) InitialCapital() decimal.Decimal    { return l.initial }
func (l *Ledger) AccruedCommission() decimal.Decimal { return l.commission }
func (l *Ledger) Closed() []ClosedTrade              { return l.closed }
func (l *Ledger) OpenCount() int                     { return len(l.positions) }

// Capacity is how many more positions may be opened this period.
func (l *Ledger) Capacity() int { return l.cfg.MaxPositions - len(l.positions) }

// Position returns the open position for symbol, or nil.
func (l *Ledger) Position(symbol string) *position.Position { return l.positions[symbol] }

// LastFill is the time of the most recent executed trade for symbol.
func (l *Ledger) LastFill(symbol string) time.Time { return l.lastFill[symbol] }

// Commission prices one fill: max(value * rate, minimum), plus stamp duty on
// sell-side value only.
func (l *Ledger) Commission(value decimal.Decimal, sellSide bool) decimal.Decimal {
	c := value.Mul(decimal.NewFromFloat(l.cfg.CommissionRate))
	if min := decimal.NewFromFloat(l.cfg.MinCommission); c.LessThan(min) {
		c = min
	}
	if sellSide {
		c = c.Add(value.Mul(decimal.NewFromFloat(l.cfg.StampDutyRate)))
	}
	return c
}

// sizeFor computes the entry quantity: the position fraction of current
// cash, rounded down to whole lots, then shrunk until notional plus entry
// commission fits in cash so the balance never goes negative. Zero means the
// candidate is dropped.
func (l *Ledger) sizeFor(price decimal.Decimal, side position.Side) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	lot := decimal.NewFromInt(l.cfg.LotSize)
	budget := l.cash.Mul(decimal.NewFromFloat(l.cfg.PositionFraction))

	qty := budget.Div(price).Div(lot).Floor().Mul(lot)
	for qty.GreaterThan(decimal.Zero) {
		notional := price.Mul(qty)
		if notional.Add(l.Commission(notional, side == position.Short)).LessThanOrEqual(l.cash) {
			return qty
		}
		qty = qty.Sub(lot)
	}
	return decimal.Zero
}

// Enter opens a position at price. A nil position with nil error means the
// candidate was dropped for insufficient size; that is not a failure.
func (l *Ledger) Enter(symbol string, side position.Side, price decimal.Decimal, at time.Time) (*position.Position, error) {
	if _, exists := l.positions[symbol]; exists {
		return nil, fmt.Errorf("ledger: %s already has an open position", symbol)
	}
	if l.Capacity() <= 0 {
		return nil, fmt.Errorf("ledger: position capacity exhausted")
	}

	qty := l.sizeFor(price, side)
	if qty.IsZero() {
		l.logger.Debug("entry dropped, size below one lot",
			zap.String("symbol", symbol),
			zap.String("price", price.String()),
			zap.String("cash", l.cash.String()))
		return nil, nil
	}

	notional := price.Mul(qty)
	// A short's opening fill is the sell side, so stamp duty lands on entry.
	comm := l.Commission(notional, side == position.Short)

	// Longs pay the notional, shorts post it as margin. Same debit either way.
	l.cash = l.cash.Sub(notional).Sub(comm)
	l.commission = l.commission.Add(comm)

	p := position.Open(symbol, side, qty, price, comm, at)
	l.positions[symbol] = p
	l.lastFill[symbol] = at

	l.logger.Info("entry",
		zap.String("symbol", symbol),
		zap.String("side", side.String()),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()),
		zap.String("commission", comm.String()),
		zap.String("cash", l.cash.String()))
	return p, nil
}

// Exit closes the open position for symbol at price and appends the
// ClosedTrade.
func (l *Ledger) Exit(symbol string, price decimal.Decimal, at time.Time, reason string) (ClosedTrade, error) {
	p, ok := l.positions[symbol]
	if !ok {
		return ClosedTrade{}, fmt.Errorf("ledger: no open position for %s", symbol)
	}

	notional := price.Mul(p.Quantity)
	entryNotional := p.EntryPrice.Mul(p.Quantity)
	comm := l.Commission(notional, p.Side == position.Long)

	var gross decimal.Decimal
	if p.Side == position.Long {
		gross = notional.Sub(entryNotional)
		l.cash = l.cash.Add(notional).Sub(comm)
	} else {
		gross = entryNotional.Sub(notional)
		// Margin comes back along with the signed pnl.
		l.cash = l.cash.Add(entryNotional).Add(gross).Sub(comm)
	}
	l.commission = l.commission.Add(comm)

	totalComm := p.EntryCost.Add(comm)
	net := gross.Sub(totalComm)

	pnlPct := 0.0
	if !entryNotional.IsZero() {
		pnlPct = net.Div(entryNotional).InexactFloat64()
	}

	trade := ClosedTrade{
		Symbol:       symbol,
		Side:         p.Side,
		EntryPrice:   p.EntryPrice,
		ExitPrice:    price,
		EntryTime:    p.EntryTime,
		ExitTime:     at,
		Quantity:     p.Quantity,
		GrossPnL:     gross,
		Commission:   totalComm,
		NetPnL:       net,
		PnLPercent:   pnlPct,
		HoldPeriods:  p.HoldPeriods,
		ExitReason:   reason,
		MaxFavorable: p.MaxFavorable,
		MaxAdverse:   p.MaxAdverse,
	}
	l.closed = append(l.closed, trade)
	delete(l.positions, symbol)
	l.lastFill[symbol] = at

	l.logger.Info("exit",
		zap.String("symbol", symbol),
		zap.String("side", trade.Side.String()),
		zap.String("price", price.String()),
		zap.String("net_pnl", net.String()),
		zap.String("reason", reason),
		zap.Int("hold_periods", trade.HoldPeriods),
		zap.String("cash", l.cash.String()))
	return trade, nil
}

// markValue is what an open position contributes to equity at price.
func markValue(p *position.Position, price decimal.Decimal) decimal.Decimal {
	if p.Side == position.Long {
		return price.Mul(p.Quantity)
	}
	// Margin plus the unrealized short gain.
	two := decimal.NewFromInt(2)
	return two.Mul(p.EntryPrice).Sub(price).Mul(p.Quantity)
}

// Equity marks the book to the given prices. Symbols missing a price fall
// back to the entry price.
func (l *Ledger) Equity(marks map[string]decimal.Decimal) decimal.Decimal {
	eq := l.cash
	for sym, p := range l.positions {
		price, ok := marks[sym]
		if !ok {
			price = p.EntryPrice
		}
		eq = eq.Add(markValue(p, price))
	}
	return eq
}

// Reconcile verifies capital conservation exactly: equity must equal the
// initial capital plus realized net pnl plus the unrealized effect of every
// open position. Any difference means money leaked.
func (l *Ledger) Reconcile(marks map[string]decimal.Decimal) error {
	expected := l.initial
	for _, t := range l.closed {
		expected = expected.Add(t.NetPnL)
	}
	for sym, p := range l.positions {
		price, ok := marks[sym]
		if !ok {
			price = p.EntryPrice
		}
		var unrealized decimal.Decimal
		if p.Side == position.Long {
			unrealized = price.Sub(p.EntryPrice).Mul(p.Quantity)
		} else {
			unrealized = p.EntryPrice.Sub(price).Mul(p.Quantity)
		}
		expected = expected.Add(unrealized).Sub(p.EntryCost)
	}

	if eq := l.Equity(marks); !eq.Equal(expected) {
		return fmt.Errorf("ledger: reconciliation failed, equity %s != expected %s (diff %s)",
			eq, expected, eq.Sub(expected))
	}
	return nil
}
