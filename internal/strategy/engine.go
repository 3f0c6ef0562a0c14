package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/session"
)

// Executor turns approved intents into positions and settles exits. The
// paper executor backs it with the risk governor and the ledger.
type Executor interface {
	Enter(ctx context.Context, intent domain.TradeIntent) (domain.RiskDecision, domain.Position, error)
	Exit(ctx context.Context, positionID string, price float64, at time.Time, reason domain.ExitReason) (domain.TradeRecord, error)
	OpenPosition(symbol string) (domain.Position, bool)
}

// Outcome reports what one bar did to a symbol's machine.
type Outcome struct {
	Symbol        string               `json:"symbol"`
	Day           domain.TradingDay    `json:"day"`
	Intent        *domain.TradeIntent  `json:"intent,omitempty"`
	Decision      *domain.RiskDecision `json:"decision,omitempty"`
	Opened        *domain.Position     `json:"opened,omitempty"`
	Closed        *domain.TradeRecord  `json:"closed,omitempty"`
	Inconsistency string               `json:"inconsistency,omitempty"`
}

// Frozen reports whether this bar froze the symbol.
func (o Outcome) Frozen() bool { return o.Inconsistency != "" }

// Stats counts engine activity since start.
type Stats struct {
	Bars            int64 `json:"bars"`
	Intents         int64 `json:"intents"`
	Entries         int64 `json:"entries"`
	Rejections      int64 `json:"rejections"`
	Exits           int64 `json:"exits"`
	Inconsistencies int64 `json:"inconsistencies"`
}

type machine struct {
	mu      sync.Mutex
	day     domain.TradingDay
	lastBar domain.Bar
}

// Engine owns one machine per symbol. Bars for one symbol must arrive in
// order; different symbols may be driven concurrently.
type Engine struct {
	params Params
	exec   Executor
	logger *slog.Logger

	mu       sync.RWMutex
	machines map[string]*machine

	statsMu       sync.Mutex
	stats         Stats
	recentIntents []Outcome
	recentLimit   int
}

// NewEngine creates an Engine.
func NewEngine(params Params, exec Executor, logger *slog.Logger) *Engine {
	if params.TradesPerDay <= 0 {
		params.TradesPerDay = 1
	}
	return &Engine{
		params:      params,
		exec:        exec,
		logger:      logger.With(slog.String("component", "strategy_engine")),
		machines:    make(map[string]*machine),
		recentLimit: 500,
	}
}

func (e *Engine) machine(symbol string) *machine {
	e.mu.RLock()
	m, ok := e.machines[symbol]
	e.mu.RUnlock()
	if ok {
		return m
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok = e.machines[symbol]; !ok {
		m = &machine{}
		e.machines[symbol] = m
	}
	return m
}

// OnBar advances the symbol's machine by one closed bar and performs the
// resulting entry or exit. Consistency failures freeze the symbol and are
// reported in the Outcome, never as an error.
func (e *Engine) OnBar(ctx context.Context, bar domain.Bar) (Outcome, error) {
	if err := bar.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("strategy: %w", err)
	}

	m := e.machine(bar.Symbol)
	m.mu.Lock()
	defer m.mu.Unlock()

	day, act := Step(m.day, bar, e.params)
	m.lastBar = bar
	out := Outcome{Symbol: bar.Symbol}
	e.count(func(s *Stats) { s.Bars++ })

	switch act.Kind {
	case ActionEnter:
		intent := act.Intent
		out.Intent = &intent
		e.count(func(s *Stats) { s.Intents++ })

		decision, pos, err := e.exec.Enter(ctx, intent)
		out.Decision = &decision
		switch {
		case err != nil:
			day = Freeze(day, fmt.Sprintf("ledger refused approved entry: %v", err))
			out.Inconsistency = day.FrozenReason
		case decision.Approved:
			day = Approve(day, pos)
			out.Opened = &pos
			e.count(func(s *Stats) { s.Entries++ })
		default:
			day = Reject(day)
			e.count(func(s *Stats) { s.Rejections++ })
		}

	case ActionExit:
		rec, err := e.exec.Exit(ctx, act.PositionID, act.ExitPrice, bar.Timestamp, act.ExitReason)
		if err != nil {
			day = Freeze(day, fmt.Sprintf("exit of %s failed: %v", act.PositionID, err))
			day.PositionID = act.PositionID
			out.Inconsistency = day.FrozenReason
			break
		}
		out.Closed = &rec
		e.count(func(s *Stats) { s.Exits++ })

	case ActionInconsistent:
		out.Inconsistency = act.Reason
	}

	if out.Inconsistency != "" {
		e.count(func(s *Stats) { s.Inconsistencies++ })
		e.logger.ErrorContext(ctx, "strategy: symbol frozen",
			slog.String("symbol", bar.Symbol),
			slog.String("reason", out.Inconsistency),
		)
	}

	m.day = day
	out.Day = day
	if out.Intent != nil {
		e.remember(out)
	}
	return out, nil
}

// Unfreeze is the operator release of a frozen symbol. Any position the
// executor still holds for the symbol is closed at the last close seen, and
// the machine restarts for the date of the last bar.
func (e *Engine) Unfreeze(ctx context.Context, symbol string) (*domain.TradeRecord, error) {
	e.mu.RLock()
	m, ok := e.machines[symbol]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy: unfreeze %s: %w", symbol, domain.ErrNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.day.State != domain.DayStateFrozen {
		return nil, fmt.Errorf("strategy: unfreeze %s in state %s: %w", symbol, m.day.State, domain.ErrInvalidInput)
	}

	var closed *domain.TradeRecord
	if pos, held := e.exec.OpenPosition(symbol); held {
		price := m.lastBar.Close
		if price <= 0 {
			price = pos.EntryPrice
		}
		at := m.lastBar.Timestamp
		if at.IsZero() {
			at = time.Now().UTC()
		}
		rec, err := e.exec.Exit(ctx, pos.ID, price, at, domain.ExitReasonOperator)
		if err != nil && !errors.Is(err, domain.ErrPositionClosed) {
			return nil, fmt.Errorf("strategy: unfreeze %s: %w", symbol, err)
		}
		if err == nil {
			closed = &rec
		}
	}

	date := m.day.Date
	if !m.lastBar.Timestamp.IsZero() {
		date = session.DateOf(m.lastBar.Timestamp, e.params.loc())
	}
	m.day = NewDay(symbol, date)
	m.day.LastClose = m.lastBar.Close

	e.logger.WarnContext(ctx, "strategy: symbol unfrozen",
		slog.String("symbol", symbol),
		slog.String("date", date),
		slog.Bool("force_closed", closed != nil),
	)
	return closed, nil
}

// Snapshot returns the machine state of symbol.
func (e *Engine) Snapshot(symbol string) (domain.TradingDay, bool) {
	e.mu.RLock()
	m, ok := e.machines[symbol]
	e.mu.RUnlock()
	if !ok {
		return domain.TradingDay{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.day, true
}

// Snapshots returns every machine state sorted by symbol.
func (e *Engine) Snapshots() []domain.TradingDay {
	e.mu.RLock()
	symbols := make([]string, 0, len(e.machines))
	for s := range e.machines {
		symbols = append(symbols, s)
	}
	e.mu.RUnlock()
	sort.Strings(symbols)

	out := make([]domain.TradingDay, 0, len(symbols))
	for _, s := range symbols {
		if d, ok := e.Snapshot(s); ok {
			out = append(out, d)
		}
	}
	return out
}

// Reset drops every machine.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.machines = make(map[string]*machine)
	e.mu.Unlock()
	e.statsMu.Lock()
	e.stats = Stats{}
	e.recentIntents = nil
	e.statsMu.Unlock()
}

// Stats returns activity counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// RecentIntents returns up to limit most recent entry attempts, newest first.
func (e *Engine) RecentIntents(limit int) []Outcome {
	if limit <= 0 {
		limit = 20
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	n := len(e.recentIntents)
	if limit > n {
		limit = n
	}
	out := make([]Outcome, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recentIntents[i])
	}
	return out
}

func (e *Engine) count(fn func(*Stats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}

func (e *Engine) remember(out Outcome) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.recentIntents = append(e.recentIntents, out)
	if len(e.recentIntents) > e.recentLimit {
		e.recentIntents = e.recentIntents[len(e.recentIntents)-e.recentLimit:]
	}
}
