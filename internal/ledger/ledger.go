// Package ledger is the single owner of simulated positions, closed trades
// and equity. Every mutation happens under one mutex, and money arithmetic is
// done in decimal so equity always equals initial capital plus the sum of
// realised P&L.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/session"
)

// Sink receives ledger events. broadcast.Hub implements it.
type Sink interface {
	Publish(ev domain.Event)
}

type dayStats struct {
	realized     decimal.Decimal
	rTotal       decimal.Decimal
	trades       int
	wins         int
	losses       int
	opened       int
	symbolTrades map[string]int
	symbolOpened map[string]int
}

func newDayStats() *dayStats {
	return &dayStats{symbolTrades: map[string]int{}, symbolOpened: map[string]int{}}
}

// Ledger records positions, trades and the equity curve.
type Ledger struct {
	initial decimal.Decimal
	loc     *time.Location
	sink    Sink
	logger  *slog.Logger

	mu       sync.RWMutex
	equity   decimal.Decimal
	peak     decimal.Decimal
	open     map[string]domain.Position // id -> position
	bySymbol map[string]string          // symbol -> open position id
	trades   []domain.TradeRecord
	curve    []domain.EquityPoint
	days     map[string]*dayStats
}

// New creates a Ledger. sink may be nil.
func New(initialCapital float64, loc *time.Location, sink Sink, logger *slog.Logger) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	l := &Ledger{
		initial: decimal.NewFromFloat(initialCapital),
		loc:     loc,
		sink:    sink,
		logger:  logger.With(slog.String("component", "ledger")),
	}
	l.reset()
	return l
}

func (l *Ledger) reset() {
	l.equity = l.initial
	l.peak = l.initial
	l.open = make(map[string]domain.Position)
	l.bySymbol = make(map[string]string)
	l.trades = nil
	l.curve = nil
	l.days = make(map[string]*dayStats)
}

// Reset discards all positions and trades and restores initial capital.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
}

func (l *Ledger) day(date string) *dayStats {
	d, ok := l.days[date]
	if !ok {
		d = newDayStats()
		l.days[date] = d
	}
	return d
}

// Open records a new position and assigns its ID. It fails with
// ErrPositionOpen when the symbol already has an open position.
func (l *Ledger) Open(pos domain.Position) (domain.Position, error) {
	if pos.Symbol == "" || pos.Quantity <= 0 || pos.EntryPrice <= 0 {
		return domain.Position{}, fmt.Errorf("ledger: open: %w: symbol=%q qty=%d entry=%v",
			domain.ErrInvalidInput, pos.Symbol, pos.Quantity, pos.EntryPrice)
	}

	l.mu.Lock()
	if id, ok := l.bySymbol[pos.Symbol]; ok {
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: open %s (held by %s): %w", pos.Symbol, id, domain.ErrPositionOpen)
	}

	pos.ID = uuid.NewString()
	pos.Status = domain.PositionStatusOpen
	if pos.Side == "" {
		pos.Side = domain.SideLong
	}
	if pos.TradeDate == "" {
		pos.TradeDate = session.DateOf(pos.EntryTime, l.loc)
	}
	l.open[pos.ID] = pos
	l.bySymbol[pos.Symbol] = pos.ID
	d := l.day(pos.TradeDate)
	d.opened++
	d.symbolOpened[pos.Symbol]++
	equity := l.equity.InexactFloat64()
	l.mu.Unlock()

	l.emit(domain.Event{Type: domain.EventPosition, Time: pos.EntryTime, Payload: pos})
	l.logger.Debug("ledger: opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("equity", equity),
	)
	return pos, nil
}

// Close settles the position at exitPrice. P&L is
// (exit - entry) * qty * sign(side) and R is P&L over the risk fixed at entry.
func (l *Ledger) Close(id string, exitPrice float64, exitTime time.Time, reason domain.ExitReason) (domain.TradeRecord, error) {
	if exitPrice <= 0 {
		return domain.TradeRecord{}, fmt.Errorf("ledger: close %s: %w: exit price %v", id, domain.ErrInvalidInput, exitPrice)
	}

	l.mu.Lock()
	pos, ok := l.open[id]
	if !ok {
		l.mu.Unlock()
		return domain.TradeRecord{}, fmt.Errorf("ledger: close %s: %w", id, domain.ErrPositionClosed)
	}

	pnl := decimal.NewFromFloat(exitPrice).
		Sub(decimal.NewFromFloat(pos.EntryPrice)).
		Mul(decimal.NewFromInt(pos.Quantity)).
		Mul(decimal.NewFromFloat(pos.Side.Sign()))
	r := decimal.Zero
	if risk := decimal.NewFromFloat(pos.RiskAmount); risk.IsPositive() {
		r = pnl.Div(risk)
	}

	pos.Status = domain.PositionStatusClosed
	rec := domain.TradeRecord{
		Position:    pos,
		ExitPrice:   exitPrice,
		ExitTime:    exitTime,
		ExitReason:  reason,
		RealizedPnL: pnl.InexactFloat64(),
		RMultiple:   r.Round(6).InexactFloat64(),
	}

	delete(l.open, id)
	delete(l.bySymbol, pos.Symbol)
	l.equity = l.equity.Add(pnl)
	if l.equity.GreaterThan(l.peak) {
		l.peak = l.equity
	}
	d := l.day(pos.TradeDate)
	d.realized = d.realized.Add(pnl)
	d.rTotal = d.rTotal.Add(r)
	d.trades++
	d.symbolTrades[pos.Symbol]++
	if rec.Win() {
		d.wins++
	} else {
		d.losses++
	}
	l.trades = append(l.trades, rec)
	equity := l.equity.InexactFloat64()
	l.curve = append(l.curve, domain.EquityPoint{Time: exitTime, Equity: equity, TradeID: rec.ID})
	summary := d.summary(pos.TradeDate)
	l.mu.Unlock()

	l.emit(domain.Event{
		Type:    domain.EventTrade,
		Time:    exitTime,
		Payload: domain.TradeEvent{Trade: rec, Summary: summary, Equity: equity},
	})
	return rec, nil
}

func (l *Ledger) emit(ev domain.Event) {
	if l.sink != nil {
		l.sink.Publish(ev)
	}
}

func (d *dayStats) summary(date string) domain.DailySummary {
	s := domain.DailySummary{
		Date:        date,
		Trades:      d.trades,
		Wins:        d.wins,
		Losses:      d.losses,
		RealizedPnL: d.realized.InexactFloat64(),
		RTotal:      d.rTotal.Round(6).InexactFloat64(),
	}
	if d.trades > 0 {
		s.WinRate = float64(d.wins) / float64(d.trades)
		s.AvgR = d.rTotal.Div(decimal.NewFromInt(int64(d.trades))).Round(6).InexactFloat64()
	}
	return s
}

// Equity returns current equity.
func (l *Ledger) Equity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.equity.InexactFloat64()
}

// InitialCapital returns the starting equity.
func (l *Ledger) InitialCapital() float64 {
	return l.initial.InexactFloat64()
}

// State returns the equity view the risk governor evaluates for date.
func (l *Ledger) State(date string) domain.EquityState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := domain.EquityState{
		Date:           date,
		InitialCapital: l.initial.InexactFloat64(),
		Equity:         l.equity.InexactFloat64(),
		PeakEquity:     l.peak.InexactFloat64(),
		SymbolTrades:   map[string]int{},
		SymbolOpened:   map[string]int{},
		OpenPositions:  len(l.open),
	}
	if d, ok := l.days[date]; ok {
		st.RealizedToday = d.realized.InexactFloat64()
		st.TradesToday = d.trades
		st.OpenedToday = d.opened
		for k, v := range d.symbolTrades {
			st.SymbolTrades[k] = v
		}
		for k, v := range d.symbolOpened {
			st.SymbolOpened[k] = v
		}
	}
	return st
}

// OpenPositions returns open positions ordered by entry time.
func (l *Ledger) OpenPositions() []domain.Position {
	l.mu.RLock()
	out := make([]domain.Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, p)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// OpenPosition returns the open position for symbol.
func (l *Ledger) OpenPosition(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.bySymbol[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return l.open[id], true
}

// Trades returns every closed trade in close order.
func (l *Ledger) Trades() []domain.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.TradeRecord, len(l.trades))
	copy(out, l.trades)
	return out
}

// TradesForDate returns the closed trades whose trade date is date.
func (l *Ledger) TradesForDate(date string) []domain.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []domain.TradeRecord{}
	for _, t := range l.trades {
		if t.TradeDate == date {
			out = append(out, t)
		}
	}
	return out
}

// EquityCurve returns equity samples keyed by trade close time.
func (l *Ledger) EquityCurve() []domain.EquityPoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.EquityPoint, len(l.curve))
	copy(out, l.curve)
	return out
}

// EquityCurveForDate returns the equity samples of trades closed on date.
func (l *Ledger) EquityCurveForDate(date string) []domain.EquityPoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []domain.EquityPoint{}
	for i, t := range l.trades {
		if t.TradeDate == date {
			out = append(out, l.curve[i])
		}
	}
	return out
}

// DailySummary aggregates the closed trades of date.
func (l *Ledger) DailySummary(date string) domain.DailySummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.days[date]
	if !ok {
		return domain.DailySummary{Date: date}
	}
	return d.summary(date)
}

// Dates returns every trading date with activity, newest first.
func (l *Ledger) Dates() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.days))
	for d := range l.days {
		out = append(out, d)
	}
	l.mu.RUnlock()
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}
