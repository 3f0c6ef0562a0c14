// Package aggregator turns ticks and pre-formed bars into closed 1-minute bars
// per symbol, rejecting anything at or before the last sealed minute.
package aggregator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

type symbolState struct {
	current    *domain.Bar
	lastSealed time.Time
	hasSealed  bool
}

// Stats counts what the aggregator has done since construction.
type Stats struct {
	Ticks    int64 `json:"ticks"`
	Sealed   int64 `json:"sealed"`
	Rejected int64 `json:"rejected"`
	Pending  int   `json:"pending"`
}

// Aggregator keeps one in-progress accumulator per symbol.
type Aggregator struct {
	mu      sync.Mutex
	symbols map[string]*symbolState
	stats   Stats
	logger  *slog.Logger
}

// New creates an empty Aggregator.
func New(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		symbols: make(map[string]*symbolState),
		logger:  logger.With(slog.String("component", "aggregator")),
	}
}

func (a *Aggregator) state(symbol string) *symbolState {
	st, ok := a.symbols[symbol]
	if !ok {
		st = &symbolState{}
		a.symbols[symbol] = st
	}
	return st
}

// AddTick folds a tick into its symbol's accumulator. When the tick belongs to
// a later minute than the accumulator, the accumulator is sealed and returned.
func (a *Aggregator) AddTick(t domain.Tick) ([]domain.Bar, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("aggregator: tick: %w", err)
	}
	minute := domain.Minute(t.Timestamp)

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(t.Symbol)
	if st.hasSealed && !minute.After(st.lastSealed) {
		return nil, a.reject(t.Symbol, minute, st.lastSealed)
	}

	var sealed []domain.Bar
	if cur := st.current; cur != nil {
		switch {
		case minute.Before(cur.Timestamp):
			return nil, a.reject(t.Symbol, minute, cur.Timestamp)
		case minute.Equal(cur.Timestamp):
			if t.Price > cur.High {
				cur.High = t.Price
			}
			if t.Price < cur.Low {
				cur.Low = t.Price
			}
			cur.Close = t.Price
			cur.Volume += t.Volume
			a.stats.Ticks++
			return nil, nil
		default:
			sealed = append(sealed, a.seal(st))
		}
	}

	st.current = &domain.Bar{
		Symbol:    t.Symbol,
		Timestamp: minute,
		Open:      t.Price,
		High:      t.Price,
		Low:       t.Price,
		Close:     t.Price,
		Volume:    t.Volume,
		Source:    domain.BarSourceLive,
	}
	a.stats.Ticks++
	return sealed, nil
}

// AddBar seals a pre-formed bar. An in-progress accumulator for an earlier
// minute is sealed first; one for the same minute is superseded by the bar. A
// bar for a minute between the last sealed bar and the accumulator fills the
// gap and leaves the accumulator in place. Backfilled bars only fill gaps: one
// at or after the accumulator's minute is rejected as stale and the live
// ticks are kept.
func (a *Aggregator) AddBar(b domain.Bar) ([]domain.Bar, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("aggregator: bar: %w", err)
	}
	b.Timestamp = domain.Minute(b.Timestamp)
	if b.Source == "" {
		b.Source = domain.BarSourceIngest
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(b.Symbol)
	if st.hasSealed && !b.Timestamp.After(st.lastSealed) {
		return nil, a.reject(b.Symbol, b.Timestamp, st.lastSealed)
	}

	var sealed []domain.Bar
	if cur := st.current; cur != nil {
		if b.Source == domain.BarSourceBackfill && !b.Timestamp.Before(cur.Timestamp) {
			return nil, a.reject(b.Symbol, b.Timestamp, cur.Timestamp)
		}
		switch {
		case cur.Timestamp.Before(b.Timestamp):
			sealed = append(sealed, a.seal(st))
		case cur.Timestamp.Equal(b.Timestamp):
			st.current = nil
		}
	}

	st.lastSealed = b.Timestamp
	st.hasSealed = true
	a.stats.Sealed++
	return append(sealed, b), nil
}

// FlushSymbol seals the in-progress bar for one symbol, if any.
func (a *Aggregator) FlushSymbol(symbol string) (domain.Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.symbols[symbol]
	if !ok || st.current == nil {
		return domain.Bar{}, false
	}
	return a.seal(st), true
}

// Pending returns the symbols that currently hold an in-progress bar.
func (a *Aggregator) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []string
	for sym, st := range a.symbols {
		if st.current != nil {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// LastSealed returns the minute of the last bar sealed for symbol.
func (a *Aggregator) LastSealed(symbol string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.symbols[symbol]
	if !ok || !st.hasSealed {
		return time.Time{}, false
	}
	return st.lastSealed, true
}

// Stats returns a copy of the counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stats
	for _, st := range a.symbols {
		if st.current != nil {
			s.Pending++
		}
	}
	return s
}

// Reset drops all accumulators and sealed watermarks.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.symbols = make(map[string]*symbolState)
	a.stats = Stats{}
}

func (a *Aggregator) seal(st *symbolState) domain.Bar {
	bar := *st.current
	st.current = nil
	st.lastSealed = bar.Timestamp
	st.hasSealed = true
	a.stats.Sealed++
	return bar
}

func (a *Aggregator) reject(symbol string, minute, watermark time.Time) error {
	a.stats.Rejected++
	a.logger.Debug("late or duplicate data absorbed",
		slog.String("symbol", symbol),
		slog.Time("minute", minute),
		slog.Time("watermark", watermark),
	)
	return fmt.Errorf("aggregator: %s at %s: %w", symbol, minute.Format(time.RFC3339), domain.ErrStaleBar)
}
