package strategy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/executor"
	"github.com/alanyoungcy/breakoutsim/internal/ledger"
	"github.com/alanyoungcy/breakoutsim/internal/risk"
	"github.com/alanyoungcy/breakoutsim/internal/session"
)

var ist = func() *time.Location {
	loc, err := session.LoadLocation("Asia/Kolkata")
	if err != nil {
		panic(err)
	}
	return loc
}()

func at(day, h, m int) time.Time {
	return time.Date(2024, 1, day, h, m, 0, 0, ist)
}

func bar(sym string, ts time.Time, o, h, l, c float64) domain.Bar {
	return domain.Bar{Symbol: sym, Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: 100}
}

type harness struct {
	engine *Engine
	gov    *risk.Governor
	book   *ledger.Ledger
}

func newHarness(t *testing.T, equity float64, p Params) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	book := ledger.New(equity, ist, nil, logger)
	gov := risk.NewGovernor(risk.Config{RiskFraction: 0.01, MaxTradesPerDay: 5, Location: ist}, logger)
	exec := executor.NewPaper(gov, book, logger)
	return &harness{engine: NewEngine(p, exec, logger), gov: gov, book: book}
}

func barLowParams() Params {
	p := DefaultParams()
	p.Location = ist
	p.StopRule = StopRuleBarLow
	return p
}

func (h *harness) feed(t *testing.T, bars ...domain.Bar) []Outcome {
	t.Helper()
	out := make([]Outcome, 0, len(bars))
	for _, b := range bars {
		o, err := h.engine.OnBar(context.Background(), b)
		require.NoError(t, err)
		out = append(out, o)
	}
	return out
}

func openingBars(day int) []domain.Bar {
	return []domain.Bar{
		bar("RELIANCE", at(day, 9, 15), 2740, 2745, 2735, 2742),
		bar("RELIANCE", at(day, 9, 20), 2742, 2748, 2740, 2746),
		bar("RELIANCE", at(day, 9, 30), 2746, 2751.25, 2744, 2750),
		bar("RELIANCE", at(day, 9, 40), 2750, 2760, 2749, 2755),
		bar("RELIANCE", at(day, 9, 45), 2755, 2758, 2752, 2757),
	}
}

func TestRelianceBreakoutStopsOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 110000, barLowParams())

	outs := h.feed(t, openingBars(2)...)
	for _, o := range outs {
		assert.Nil(t, o.Intent, "no entry before the first-30 window closes")
	}
	day, ok := h.engine.Snapshot("RELIANCE")
	require.True(t, ok)
	assert.Equal(t, domain.DayStateAwaitingBreakout, day.State)
	assert.Equal(t, 2751.25, day.ORHigh)
	assert.Equal(t, 2760.0, day.First30High)

	entry := h.feed(t, bar("RELIANCE", at(2, 9, 46), 2756, 2763, 2740, 2762))[0]
	require.NotNil(t, entry.Opened)
	assert.Equal(t, 2762.0, entry.Opened.EntryPrice)
	assert.Equal(t, 2740.0, entry.Opened.StopPrice)
	assert.Equal(t, 2806.0, entry.Opened.TargetPrice)
	assert.Equal(t, int64(50), entry.Opened.Quantity)
	assert.Equal(t, domain.DayStateInPosition, entry.Day.State)

	hold := h.feed(t, bar("RELIANCE", at(2, 9, 47), 2760, 2765, 2742, 2750))[0]
	assert.Nil(t, hold.Closed)
	assert.Equal(t, domain.DayStateInPosition, hold.Day.State)

	both := h.feed(t, bar("RELIANCE", at(2, 9, 48), 2750, 2810, 2738, 2790))[0]
	require.NotNil(t, both.Closed)
	assert.Equal(t, domain.ExitReasonStop, both.Closed.ExitReason)
	assert.Equal(t, 2740.0, both.Closed.ExitPrice)
	assert.Equal(t, -1100.0, both.Closed.RealizedPnL)
	assert.Equal(t, -1.0, both.Closed.RMultiple)
	assert.Equal(t, domain.DayStateDoneForDay, both.Day.State)
	assert.Equal(t, 108900.0, h.book.Equity())

	again := h.feed(t, bar("RELIANCE", at(2, 9, 50), 2790, 2800, 2780, 2795))[0]
	assert.Nil(t, again.Intent)
	assert.Len(t, h.book.Trades(), 1)
	assert.Equal(t, int64(1), h.engine.Stats().Entries)
}

func TestNoReferenceBarMeansNoTrade(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100000, barLowParams())

	h.feed(t,
		bar("TCS", at(2, 9, 15), 3500, 3510, 3495, 3505),
		bar("TCS", at(2, 9, 29), 3505, 3512, 3500, 3510),
		bar("TCS", at(2, 9, 31), 3510, 3515, 3505, 3512),
		bar("TCS", at(2, 9, 50), 3512, 3600, 3510, 3590),
	)
	day, _ := h.engine.Snapshot("TCS")
	assert.Equal(t, domain.DayStateAwaitingOpenRange, day.State)
	assert.False(t, day.ORSet)
	assert.Empty(t, h.book.OpenPositions())
	assert.Zero(t, h.engine.Stats().Intents)
}

func TestRejectedEntryDoesNotConsumeSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 110000, barLowParams())
	h.feed(t, openingBars(2)...)

	h.gov.Activate("test")
	rej := h.feed(t, bar("RELIANCE", at(2, 9, 46), 2756, 2763, 2740, 2762))[0]
	require.NotNil(t, rej.Decision)
	assert.Equal(t, domain.RejectKillSwitch, rej.Decision.Reason)
	assert.Equal(t, domain.DayStateAwaitingBreakout, rej.Day.State)
	assert.Equal(t, 1, rej.Day.Rejected)
	assert.Zero(t, rej.Day.TradesTaken)

	h.gov.Clear()
	ok := h.feed(t, bar("RELIANCE", at(2, 9, 47), 2762, 2766, 2744, 2765))[0]
	require.NotNil(t, ok.Opened)
	assert.Equal(t, domain.DayStateInPosition, ok.Day.State)
	assert.Len(t, h.engine.RecentIntents(10), 2)
}

func TestRolloverWithOpenPositionFreezesSymbol(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 110000, barLowParams())
	h.feed(t, openingBars(2)...)
	h.feed(t, bar("RELIANCE", at(2, 9, 46), 2756, 2763, 2740, 2762))

	next := h.feed(t, bar("RELIANCE", at(3, 9, 15), 2770, 2775, 2765, 2772))[0]
	assert.True(t, next.Frozen())
	assert.Equal(t, domain.DayStateFrozen, next.Day.State)
	assert.Len(t, h.book.OpenPositions(), 1, "position left untouched")

	ignored := h.feed(t, bar("RELIANCE", at(3, 9, 16), 2772, 2900, 2700, 2780))[0]
	assert.Nil(t, ignored.Closed)
	assert.Equal(t, domain.DayStateFrozen, ignored.Day.State)

	// Other symbols keep running.
	other := h.feed(t, bar("TCS", at(3, 9, 30), 3500, 3510, 3495, 3505))[0]
	assert.Equal(t, domain.DayStateAwaitingBreakout, other.Day.State)

	rec, err := h.engine.Unfreeze(context.Background(), "RELIANCE")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.ExitReasonOperator, rec.ExitReason)
	assert.Equal(t, 2780.0, rec.ExitPrice)
	assert.Equal(t, 900.0, rec.RealizedPnL)

	day, _ := h.engine.Snapshot("RELIANCE")
	assert.Equal(t, domain.DayStateAwaitingOpenRange, day.State)
	assert.Equal(t, "2024-01-03", day.Date)

	_, err = h.engine.Unfreeze(context.Background(), "RELIANCE")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.engine.Unfreeze(context.Background(), "NOPE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedgerRefusalFreezesSymbol(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 110000, barLowParams())
	_, err := h.book.Open(domain.Position{Symbol: "RELIANCE", Quantity: 1, EntryPrice: 2700, EntryTime: at(2, 9, 15)})
	require.NoError(t, err)

	h.feed(t, openingBars(2)...)
	out := h.feed(t, bar("RELIANCE", at(2, 9, 46), 2756, 2763, 2740, 2762))[0]
	assert.True(t, out.Frozen())
	assert.Equal(t, int64(1), h.engine.Stats().Inconsistencies)
}

func TestRolloverAfterCloseStartsFreshDay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 110000, barLowParams())
	h.feed(t, openingBars(2)...)
	h.feed(t,
		bar("RELIANCE", at(2, 9, 46), 2756, 2763, 2740, 2762),
		bar("RELIANCE", at(2, 9, 48), 2762, 2810, 2750, 2800),
	)
	day, _ := h.engine.Snapshot("RELIANCE")
	assert.Equal(t, domain.DayStateDoneForDay, day.State)

	outs := h.feed(t, openingBars(3)...)
	assert.Equal(t, "2024-01-03", outs[0].Day.Date)
	assert.Equal(t, domain.DayStateAwaitingBreakout, outs[len(outs)-1].Day.State)
	assert.Zero(t, outs[len(outs)-1].Day.TradesTaken)
}

func TestStepExitRules(t *testing.T) {
	t.Parallel()
	inPos := domain.TradingDay{
		Symbol: "X", Date: "2024-01-02", State: domain.DayStateInPosition,
		PositionID: "p1", Stop: 98, Target: 104, ORSet: true, First30Final: true,
	}

	tests := []struct {
		name       string
		mutate     func(*Params)
		bar        domain.Bar
		wantReason domain.ExitReason
		wantPrice  float64
	}{
		{"stop priority", nil, bar("X", at(2, 10, 0), 100, 105, 97, 101), domain.ExitReasonStop, 98},
		{"target priority", func(p *Params) { p.FillPriority = FillTarget }, bar("X", at(2, 10, 0), 100, 105, 97, 101), domain.ExitReasonTarget, 104},
		{"target only", nil, bar("X", at(2, 10, 0), 100, 104, 99, 103), domain.ExitReasonTarget, 104},
		{"square off", func(p *Params) {
			p.SquareOff = session.MustClock("15:15")
			p.SquareOffSet = true
		}, bar("X", at(2, 15, 15), 100, 101, 99, 100.5), domain.ExitReasonSessionEnd, 100.5},
		{"hold", nil, bar("X", at(2, 10, 0), 100, 101, 99, 100), "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := barLowParams()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			next, act := Step(inPos, tt.bar, p)
			if tt.wantReason == "" {
				assert.Equal(t, ActionNone, act.Kind)
				assert.Equal(t, domain.DayStateInPosition, next.State)
				return
			}
			assert.Equal(t, ActionExit, act.Kind)
			assert.Equal(t, "p1", act.PositionID)
			assert.Equal(t, tt.wantReason, act.ExitReason)
			assert.Equal(t, tt.wantPrice, act.ExitPrice)
			assert.Equal(t, domain.DayStateDoneForDay, next.State)
			assert.Equal(t, 1, next.TradesTaken)
		})
	}
}

func TestStepFractionStop(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	p.Location = ist
	p.StopFraction = 0.01

	day := domain.TradingDay{}
	for _, b := range openingBars(2) {
		day, _ = Step(day, b, p)
	}
	_, act := Step(day, bar("RELIANCE", at(2, 9, 50), 2756, 2770, 2750, 2770), p)
	require.Equal(t, ActionEnter, act.Kind)
	assert.Equal(t, 2770.0, act.Intent.Entry)
	assert.InDelta(t, 2742.3, act.Intent.Stop, 1e-9)
	assert.InDelta(t, 2770+2*27.7, act.Intent.Target, 1e-9)
	assert.Equal(t, "2024-01-02", act.Intent.TradeDate)
}

func TestTwoTradesPerDayReturnsToBreakout(t *testing.T) {
	t.Parallel()
	p := barLowParams()
	p.TradesPerDay = 2
	day := Approve(domain.TradingDay{Symbol: "X", Date: "2024-01-02", State: domain.DayStateAwaitingBreakout, ORSet: true, First30Final: true},
		domain.Position{ID: "p1", StopPrice: 98, TargetPrice: 104})

	next, act := Step(day, bar("X", at(2, 10, 0), 100, 105, 99, 104), p)
	assert.Equal(t, ActionExit, act.Kind)
	assert.Equal(t, domain.DayStateAwaitingBreakout, next.State)
	assert.Equal(t, 1, next.TradesTaken)
}
