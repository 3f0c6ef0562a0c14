package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/breakoutsim/internal/aggregator"
	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/executor"
	"github.com/alanyoungcy/breakoutsim/internal/ledger"
	"github.com/alanyoungcy/breakoutsim/internal/risk"
	"github.com/alanyoungcy/breakoutsim/internal/session"
	"github.com/alanyoungcy/breakoutsim/internal/strategy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var ist = func() *time.Location {
	loc, err := session.LoadLocation("Asia/Kolkata")
	if err != nil {
		panic(err)
	}
	return loc
}()

func at(h, m int) time.Time {
	return time.Date(2024, 1, 2, h, m, 0, 0, ist)
}

func mkBar(sym string, ts time.Time, o, h, l, c float64) domain.Bar {
	return domain.Bar{Symbol: sym, Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: 100}
}

type events struct {
	mu  sync.Mutex
	all []domain.Event
}

func (e *events) Publish(ev domain.Event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) ofType(t domain.EventType) []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Event
	for _, ev := range e.all {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type memRecorder struct {
	mu     sync.Mutex
	bars   []domain.Bar
	trades []domain.TradeRecord
	points []domain.EquityPoint
	audits []string
}

func (r *memRecorder) RecordBar(b domain.Bar) {
	r.mu.Lock()
	r.bars = append(r.bars, b)
	r.mu.Unlock()
}

func (r *memRecorder) RecordTrade(t domain.TradeRecord) {
	r.mu.Lock()
	r.trades = append(r.trades, t)
	r.mu.Unlock()
}

func (r *memRecorder) RecordEquity(p domain.EquityPoint) {
	r.mu.Lock()
	r.points = append(r.points, p)
	r.mu.Unlock()
}

func (r *memRecorder) Audit(event string, _ map[string]any) {
	r.mu.Lock()
	r.audits = append(r.audits, event)
	r.mu.Unlock()
}

type memNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *memNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

type memObserver struct {
	mu   sync.Mutex
	seen []time.Time
}

func (o *memObserver) Observe(_ string, ts time.Time) {
	o.mu.Lock()
	o.seen = append(o.seen, ts)
	o.mu.Unlock()
}

type memQuotes struct {
	mu     sync.Mutex
	quotes map[string]float64
}

func (q *memQuotes) SetQuote(_ context.Context, symbol string, price float64, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.quotes == nil {
		q.quotes = map[string]float64{}
	}
	q.quotes[symbol] = price
	return nil
}

func (q *memQuotes) GetQuote(_ context.Context, symbol string) (float64, time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.quotes[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

func (q *memQuotes) GetQuotes(_ context.Context, symbols []string) (map[string]float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[string]float64{}
	for _, s := range symbols {
		if p, ok := q.quotes[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

// orderHandler records bars per symbol and returns scripted outcomes.
type orderHandler struct {
	mu      sync.Mutex
	bars    map[string][]time.Time
	outcome func(domain.Bar) strategy.Outcome
}

func (h *orderHandler) OnBar(_ context.Context, b domain.Bar) (strategy.Outcome, error) {
	h.mu.Lock()
	if h.bars == nil {
		h.bars = map[string][]time.Time{}
	}
	h.bars[b.Symbol] = append(h.bars[b.Symbol], b.Timestamp)
	h.mu.Unlock()
	if h.outcome != nil {
		return h.outcome(b), nil
	}
	return strategy.Outcome{Symbol: b.Symbol}, nil
}

func TestBreakoutFlowsThroughPipeline(t *testing.T) {
	t.Parallel()
	logger := discardLogger()
	pub := &events{}
	book := ledger.New(110000, ist, pub, logger)
	gov := risk.NewGovernor(risk.Config{RiskFraction: 0.01, MaxTradesPerDay: 5, Location: ist}, logger)
	params := strategy.DefaultParams()
	params.Location = ist
	params.StopRule = strategy.StopRuleBarLow
	engine := strategy.NewEngine(params, executor.NewPaper(gov, book, logger), logger)

	p := New(Config{}, aggregator.New(logger), engine, book, pub, logger)
	rec := &memRecorder{}
	notes := &memNotifier{}
	quotes := &memQuotes{}
	p.SetRecorder(rec)
	p.SetNotifier(notes)
	p.SetQuoteCache(quotes)

	ctx := context.Background()
	for _, b := range []domain.Bar{
		mkBar("reliance", at(9, 15), 2740, 2745, 2735, 2742),
		mkBar("RELIANCE", at(9, 30), 2746, 2751.25, 2744, 2750),
		mkBar("RELIANCE", at(9, 40), 2750, 2760, 2749, 2755),
		mkBar("RELIANCE", at(9, 45), 2755, 2758, 2752, 2757),
		mkBar("RELIANCE", at(9, 46), 2756, 2763, 2740, 2762),
		mkBar("RELIANCE", at(9, 48), 2750, 2810, 2738, 2790),
	} {
		require.NoError(t, p.IngestBar(ctx, b))
	}

	assert.Equal(t, 108900.0, book.Equity())
	bars := pub.ofType(domain.EventBar)
	require.Len(t, bars, 6)
	last := bars[5].Payload.(domain.BarEvent)
	assert.Equal(t, 108900.0, last.Equity)
	assert.Equal(t, domain.BarSourceIngest, last.Bar.Source)
	assert.Len(t, pub.ofType(domain.EventTrade), 1)

	rec.mu.Lock()
	assert.Len(t, rec.bars, 6)
	require.Len(t, rec.trades, 1)
	assert.Equal(t, -1100.0, rec.trades[0].RealizedPnL)
	require.Len(t, rec.points, 1)
	assert.Equal(t, 108900.0, rec.points[0].Equity)
	assert.Contains(t, rec.audits, "position_opened")
	rec.mu.Unlock()

	assert.Equal(t, []string{NotifyTradeClosed}, notes.events)
	assert.Equal(t, 2790.0, quotes.quotes["RELIANCE"])

	st := p.Stats()
	assert.Equal(t, int64(6), st.Sealed)
	assert.Equal(t, int64(1), st.Trades)
	assert.True(t, p.HasData())
}

func TestStaleAndInvalidInput(t *testing.T) {
	t.Parallel()
	h := &orderHandler{}
	p := New(Config{Symbols: []string{"INFY", "TCS"}}, aggregator.New(discardLogger()), h, nil, nil, discardLogger())
	ctx := context.Background()

	require.NoError(t, p.IngestBar(ctx, mkBar("INFY", at(9, 15), 10, 11, 9, 10)))
	err := p.IngestBar(ctx, mkBar("INFY", at(9, 15), 10, 12, 9, 11))
	assert.ErrorIs(t, err, domain.ErrStaleBar)

	err = p.IngestTick(ctx, domain.Tick{Symbol: "WIPRO", Timestamp: at(9, 16), Price: 400})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	err = p.IngestTick(ctx, domain.Tick{Symbol: "TCS", Timestamp: at(9, 16), Price: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	st := p.Stats()
	assert.Equal(t, int64(1), st.Stale)
	assert.Equal(t, int64(2), st.Invalid)
	assert.Len(t, p.InputErrors(), 2, "stale data is counted, not reported as an input error")
	assert.Len(t, h.bars["INFY"], 1)
}

func TestConcurrentSymbolsKeepPerSymbolOrder(t *testing.T) {
	t.Parallel()
	h := &orderHandler{}
	p := New(Config{}, aggregator.New(discardLogger()), h, nil, nil, discardLogger())
	ctx := context.Background()

	symbols := []string{"A", "B", "C", "D"}
	const minutes = 30
	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := 0; m < minutes; m++ {
				for s := 0; s < 60; s += 20 {
					ts := at(9, 15).Add(time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
					assert.NoError(t, p.IngestTick(ctx, domain.Tick{Symbol: sym, Timestamp: ts, Price: 100 + float64(m), Volume: 1}))
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, len(symbols), p.Flush(ctx))
	assert.Zero(t, p.Flush(ctx), "flush is idempotent")

	for _, sym := range symbols {
		seen := h.bars[sym]
		require.Len(t, seen, minutes, sym)
		for i := 1; i < len(seen); i++ {
			assert.True(t, seen[i].After(seen[i-1]), "%s bar %d out of order", sym, i)
		}
	}
}

func TestBackfillIsNotObservedAsLiveData(t *testing.T) {
	t.Parallel()
	obs := &memObserver{}
	p := New(Config{}, aggregator.New(discardLogger()), &orderHandler{}, nil, nil, discardLogger())
	p.SetObserver(obs)
	ctx := context.Background()

	b := mkBar("SBIN", at(9, 15), 600, 601, 599, 600)
	b.Source = domain.BarSourceBackfill
	require.NoError(t, p.IngestBar(ctx, b))
	require.NoError(t, p.IngestTick(ctx, domain.Tick{Symbol: "SBIN", Timestamp: at(9, 16), Price: 600}))

	assert.Equal(t, []time.Time{at(9, 16)}, obs.seen)
}

func TestRejectAndInconsistencyOutcomes(t *testing.T) {
	t.Parallel()
	intent := domain.TradeIntent{Symbol: "HDFC", Entry: 1500, Stop: 1490, Target: 1520}
	h := &orderHandler{outcome: func(b domain.Bar) strategy.Outcome {
		if b.Timestamp.Equal(at(9, 46)) {
			return strategy.Outcome{
				Symbol:   b.Symbol,
				Intent:   &intent,
				Decision: &domain.RiskDecision{Reason: domain.RejectTradeCap, Message: "cap"},
			}
		}
		return strategy.Outcome{
			Symbol:        b.Symbol,
			Day:           domain.TradingDay{Date: "2024-01-03", State: domain.DayStateFrozen},
			Inconsistency: "position open across day boundary",
		}
	}}
	pub := &events{}
	rec := &memRecorder{}
	notes := &memNotifier{}
	p := New(Config{}, aggregator.New(discardLogger()), h, nil, pub, discardLogger())
	p.SetRecorder(rec)
	p.SetNotifier(notes)
	ctx := context.Background()

	require.NoError(t, p.IngestBar(ctx, mkBar("HDFC", at(9, 46), 1495, 1502, 1494, 1500)))
	require.NoError(t, p.IngestBar(ctx, mkBar("HDFC", at(9, 47), 1500, 1503, 1499, 1501)))

	rejects := pub.ofType(domain.EventRiskReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, domain.RejectTradeCap, rejects[0].Payload.(domain.RejectEvent).Decision.Reason)
	assert.Len(t, pub.ofType(domain.EventConsistency), 1)
	assert.Equal(t, []string{"risk_reject", "consistency_error"}, rec.audits)
	assert.Equal(t, []string{NotifyConsistencyError}, notes.events)

	st := p.Stats()
	assert.Equal(t, int64(1), st.Rejections)
	assert.Equal(t, int64(1), st.Frozen)
}

func TestResetClearsCounters(t *testing.T) {
	t.Parallel()
	p := New(Config{}, aggregator.New(discardLogger()), &orderHandler{}, nil, nil, discardLogger())
	ctx := context.Background()
	require.NoError(t, p.IngestTick(ctx, domain.Tick{Symbol: "X", Timestamp: at(9, 15), Price: 1}))
	p.Reset()
	assert.Zero(t, p.Flush(ctx))
	assert.Equal(t, Stats{}, p.Stats())
}

func TestDashboardState(t *testing.T) {
	t.Parallel()
	cases := []struct {
		hasData bool
		feed    domain.FeedState
		kill    bool
		want    string
	}{
		{false, domain.FeedStateIdle, false, StateNoData},
		{true, domain.FeedStateIdle, false, StateRunning},
		{true, domain.FeedStateConnected, false, StateRunning},
		{true, domain.FeedStateReconnecting, false, StateFeedDisconnected},
		{false, domain.FeedStateDisconnected, false, StateFeedDisconnected},
		{true, domain.FeedStateFailed, false, StateFeedFailed},
		{true, domain.FeedStateFailed, true, StateKillSwitch},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v/%s/%v", tc.hasData, tc.feed, tc.kill), func(t *testing.T) {
			assert.Equal(t, tc.want, DashboardState(tc.hasData, tc.feed, tc.kill))
		})
	}
}
