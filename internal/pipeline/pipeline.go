// Package pipeline is the single ingress for market data. Ticks and bars
// from the bridge, the HTTP ingest API, backfill and replay all pass through
// Pipeline, which seals minute bars and hands each one, in order, to the
// strategy engine and to the observers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/aggregator"
	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/strategy"
)

// Notification event names understood by notify.Notifier filters.
const (
	NotifyTradeClosed      = "trade_closed"
	NotifyConsistencyError = "consistency_error"
	NotifyKillSwitch       = "kill_switch"
	NotifyFeedFailed       = "feed_failed"
)

// BarHandler consumes sealed bars. strategy.Engine implements it.
type BarHandler interface {
	OnBar(ctx context.Context, bar domain.Bar) (strategy.Outcome, error)
}

// EquitySource reports current equity. ledger.Ledger implements it.
type EquitySource interface {
	Equity() float64
}

// Observer is told about every accepted datum. feed.Monitor implements it.
type Observer interface {
	Observe(symbol string, ts time.Time)
}

// Publisher fans events out. broadcast.Hub implements it.
type Publisher interface {
	Publish(ev domain.Event)
}

// Recorder persists pipeline output. Persister implements it.
type Recorder interface {
	RecordBar(b domain.Bar)
	RecordTrade(t domain.TradeRecord)
	RecordEquity(p domain.EquityPoint)
	Audit(event string, detail map[string]any)
}

// Notifier alerts operators. notify.Notifier implements it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config configures a Pipeline.
type Config struct {
	// Symbols restricts ingestion to a universe. Empty accepts any symbol.
	Symbols []string
}

// InputError is a rejected datum kept for the status API.
type InputError struct {
	Time    time.Time `json:"ts"`
	Symbol  string    `json:"symbol"`
	Message string    `json:"message"`
}

// Stats counts pipeline traffic.
type Stats struct {
	Ticks       int64     `json:"ticks"`
	Bars        int64     `json:"bars_in"`
	Sealed      int64     `json:"bars_sealed"`
	Stale       int64     `json:"stale"`
	Invalid     int64     `json:"invalid"`
	Rejections  int64     `json:"risk_rejections"`
	Trades      int64     `json:"trades"`
	Frozen      int64     `json:"consistency_errors"`
	LastBarAt   time.Time `json:"last_bar_at,omitempty"`
	LastInputAt time.Time `json:"last_input_at,omitempty"`
}

const maxInputErrors = 50

// Pipeline implements feed.Ingress.
type Pipeline struct {
	agg      *aggregator.Aggregator
	engine   BarHandler
	equity   EquitySource
	pub      Publisher
	universe map[string]bool
	logger   *slog.Logger

	observer Observer
	quotes   domain.QuoteCache
	recorder Recorder
	notifier Notifier

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	ticks, bars, sealed, stale, invalid atomic.Int64
	rejections, trades, frozen          atomic.Int64

	mu          sync.Mutex
	lastBarAt   time.Time
	lastInputAt time.Time
	inputErrors []InputError
}

// New creates a Pipeline. equity and pub may be nil.
func New(cfg Config, agg *aggregator.Aggregator, engine BarHandler, equity EquitySource, pub Publisher, logger *slog.Logger) *Pipeline {
	var universe map[string]bool
	if len(cfg.Symbols) > 0 {
		universe = make(map[string]bool, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			universe[strings.ToUpper(strings.TrimSpace(s))] = true
		}
	}
	return &Pipeline{
		agg:      agg,
		engine:   engine,
		equity:   equity,
		pub:      pub,
		universe: universe,
		logger:   logger.With(slog.String("component", "pipeline")),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetObserver wires the feed monitor.
func (p *Pipeline) SetObserver(o Observer) { p.observer = o }

// SetQuoteCache wires the last-quote cache.
func (p *Pipeline) SetQuoteCache(c domain.QuoteCache) { p.quotes = c }

// SetRecorder wires persistence.
func (p *Pipeline) SetRecorder(r Recorder) { p.recorder = r }

// SetNotifier wires operator alerts.
func (p *Pipeline) SetNotifier(n Notifier) { p.notifier = n }

func (p *Pipeline) lock(symbol string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		p.locks[symbol] = l
	}
	return l
}

func (p *Pipeline) admit(symbol string) error {
	if p.universe != nil && !p.universe[symbol] {
		return fmt.Errorf("%w: unknown symbol %q", domain.ErrInvalidInput, symbol)
	}
	return nil
}

// IngestTick aggregates one tick. Bars the tick seals are processed before
// it returns.
func (p *Pipeline) IngestTick(ctx context.Context, t domain.Tick) error {
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if err := p.admit(t.Symbol); err != nil {
		return p.inputError(ctx, t.Symbol, err)
	}
	p.ticks.Add(1)

	l := p.lock(t.Symbol)
	l.Lock()
	defer l.Unlock()

	sealed, err := p.agg.AddTick(t)
	if err != nil {
		return p.inputError(ctx, t.Symbol, err)
	}
	p.touch(t.Symbol, t.Timestamp, domain.BarSourceLive)
	for _, b := range sealed {
		p.process(ctx, b)
	}
	return nil
}

// IngestBar accepts a pre-formed bar. Late and duplicate bars return an
// error wrapping domain.ErrStaleBar and are otherwise ignored.
func (p *Pipeline) IngestBar(ctx context.Context, b domain.Bar) error {
	b.Symbol = strings.ToUpper(strings.TrimSpace(b.Symbol))
	if b.Source == "" {
		b.Source = domain.BarSourceIngest
	}
	if err := p.admit(b.Symbol); err != nil {
		return p.inputError(ctx, b.Symbol, err)
	}
	p.bars.Add(1)

	l := p.lock(b.Symbol)
	l.Lock()
	defer l.Unlock()

	sealed, err := p.agg.AddBar(b)
	if err != nil {
		return p.inputError(ctx, b.Symbol, err)
	}
	p.touch(b.Symbol, b.Timestamp, b.Source)
	for _, s := range sealed {
		p.process(ctx, s)
	}
	return nil
}

// Flush seals every in-progress bar and processes them. It returns the
// number of bars sealed.
func (p *Pipeline) Flush(ctx context.Context) int {
	n := 0
	for _, symbol := range p.agg.Pending() {
		l := p.lock(symbol)
		l.Lock()
		if b, ok := p.agg.FlushSymbol(symbol); ok {
			p.process(ctx, b)
			n++
		}
		l.Unlock()
	}
	return n
}

func (p *Pipeline) touch(symbol string, ts time.Time, src domain.BarSource) {
	p.mu.Lock()
	p.lastInputAt = time.Now()
	p.mu.Unlock()
	// Backfilled data is history; it must not make a dead feed look alive.
	if p.observer != nil && src != domain.BarSourceBackfill {
		p.observer.Observe(symbol, ts)
	}
}

func (p *Pipeline) inputError(ctx context.Context, symbol string, err error) error {
	if errors.Is(err, domain.ErrStaleBar) {
		p.stale.Add(1)
		return err
	}
	p.invalid.Add(1)
	p.logger.WarnContext(ctx, "pipeline: input rejected",
		slog.String("symbol", symbol),
		slog.String("error", err.Error()),
	)
	p.mu.Lock()
	p.inputErrors = append(p.inputErrors, InputError{Time: time.Now(), Symbol: symbol, Message: err.Error()})
	if len(p.inputErrors) > maxInputErrors {
		p.inputErrors = p.inputErrors[len(p.inputErrors)-maxInputErrors:]
	}
	p.mu.Unlock()
	return err
}

// process runs one sealed bar through the engine and observers. The caller
// holds the symbol lock.
func (p *Pipeline) process(ctx context.Context, b domain.Bar) {
	p.sealed.Add(1)
	p.mu.Lock()
	if b.Timestamp.After(p.lastBarAt) {
		p.lastBarAt = b.Timestamp
	}
	p.mu.Unlock()

	if p.quotes != nil {
		if err := p.quotes.SetQuote(ctx, b.Symbol, b.Close, b.Timestamp); err != nil {
			p.logger.DebugContext(ctx, "pipeline: quote cache write failed",
				slog.String("symbol", b.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	if p.recorder != nil {
		p.recorder.RecordBar(b)
	}

	out, err := p.engine.OnBar(ctx, b)
	if err != nil {
		p.logger.ErrorContext(ctx, "pipeline: engine rejected bar",
			slog.String("symbol", b.Symbol),
			slog.Time("ts", b.Timestamp),
			slog.String("error", err.Error()),
		)
	}

	p.publish(domain.EventBar, b.Timestamp, domain.BarEvent{Bar: b, Equity: p.currentEquity()})
	p.handleOutcome(ctx, b, out)
}

func (p *Pipeline) handleOutcome(ctx context.Context, b domain.Bar, out strategy.Outcome) {
	if out.Decision != nil && out.Intent != nil && !out.Decision.Approved && out.Inconsistency == "" {
		p.rejections.Add(1)
		p.publish(domain.EventRiskReject, b.Timestamp, domain.RejectEvent{Intent: *out.Intent, Decision: *out.Decision})
		p.audit("risk_reject", map[string]any{
			"symbol":  out.Symbol,
			"reason":  string(out.Decision.Reason),
			"message": out.Decision.Message,
			"entry":   out.Intent.Entry,
		})
	}

	if out.Opened != nil {
		p.audit("position_opened", map[string]any{
			"id":     out.Opened.ID,
			"symbol": out.Opened.Symbol,
			"qty":    out.Opened.Quantity,
			"entry":  out.Opened.EntryPrice,
			"stop":   out.Opened.StopPrice,
			"target": out.Opened.TargetPrice,
		})
	}

	if out.Closed != nil {
		t := *out.Closed
		p.trades.Add(1)
		equity := p.currentEquity()
		if p.recorder != nil {
			p.recorder.RecordTrade(t)
			p.recorder.RecordEquity(domain.EquityPoint{Time: t.ExitTime, Equity: equity, TradeID: t.ID})
		}
		p.notify(ctx, NotifyTradeClosed,
			fmt.Sprintf("%s closed (%s)", t.Symbol, t.ExitReason),
			fmt.Sprintf("qty %d entry %.2f exit %.2f pnl %.2f R %.2f equity %.2f",
				t.Quantity, t.EntryPrice, t.ExitPrice, t.RealizedPnL, t.RMultiple, equity),
		)
	}

	if out.Frozen() {
		p.frozen.Add(1)
		detail := map[string]any{
			"symbol": out.Symbol,
			"date":   out.Day.Date,
			"reason": out.Inconsistency,
		}
		p.publish(domain.EventConsistency, b.Timestamp, detail)
		p.audit("consistency_error", detail)
		p.notify(ctx, NotifyConsistencyError,
			fmt.Sprintf("%s frozen", out.Symbol),
			out.Inconsistency+"; operator unfreeze required",
		)
	}
}

func (p *Pipeline) currentEquity() float64 {
	if p.equity == nil {
		return 0
	}
	return p.equity.Equity()
}

func (p *Pipeline) publish(t domain.EventType, ts time.Time, payload any) {
	if p.pub != nil {
		p.pub.Publish(domain.Event{Type: t, Time: ts, Payload: payload})
	}
}

func (p *Pipeline) audit(event string, detail map[string]any) {
	if p.recorder != nil {
		p.recorder.Audit(event, detail)
	}
}

func (p *Pipeline) notify(ctx context.Context, event, title, message string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, event, title, message); err != nil {
		p.logger.WarnContext(ctx, "pipeline: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Stats returns traffic counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Ticks:       p.ticks.Load(),
		Bars:        p.bars.Load(),
		Sealed:      p.sealed.Load(),
		Stale:       p.stale.Load(),
		Invalid:     p.invalid.Load(),
		Rejections:  p.rejections.Load(),
		Trades:      p.trades.Load(),
		Frozen:      p.frozen.Load(),
		LastBarAt:   p.lastBarAt,
		LastInputAt: p.lastInputAt,
	}
}

// InputErrors returns the most recent rejected inputs, oldest first.
func (p *Pipeline) InputErrors() []InputError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]InputError{}, p.inputErrors...)
}

// HasData reports whether any bar has been sealed.
func (p *Pipeline) HasData() bool {
	return p.sealed.Load() > 0
}

// Reset drops in-progress bars and counters. Callers reset the engine and
// ledger separately.
func (p *Pipeline) Reset() {
	p.agg.Reset()
	for _, c := range []*atomic.Int64{&p.ticks, &p.bars, &p.sealed, &p.stale, &p.invalid, &p.rejections, &p.trades, &p.frozen} {
		c.Store(0)
	}
	p.mu.Lock()
	p.lastBarAt = time.Time{}
	p.lastInputAt = time.Time{}
	p.inputErrors = nil
	p.mu.Unlock()
}
