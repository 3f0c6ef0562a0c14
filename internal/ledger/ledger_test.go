package ledger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func newTestLedger(initial float64, sink Sink) *Ledger {
	return New(initial, time.UTC, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var day = time.Date(2024, 1, 2, 4, 30, 0, 0, time.UTC)

func position(sym string, qty int64, entry, stop float64) domain.Position {
	return domain.Position{
		Symbol: sym, Side: domain.SideLong, Quantity: qty,
		EntryPrice: entry, EntryTime: day, StopPrice: stop,
		TargetPrice: entry + 2*(entry-stop),
		RiskAmount:  float64(qty) * (entry - stop),
		TradeDate:   "2024-01-02",
	}
}

func TestCloseComputesPnLAndR(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	l := newTestLedger(110000, sink)

	pos, err := l.Open(position("RELIANCE", 50, 2762, 2740))
	require.NoError(t, err)
	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)

	rec, err := l.Close(pos.ID, 2740, day.Add(time.Minute), domain.ExitReasonStop)
	require.NoError(t, err)
	assert.Equal(t, -1100.0, rec.RealizedPnL)
	assert.Equal(t, -1.0, rec.RMultiple)
	assert.Equal(t, 108900.0, l.Equity())
	assert.Empty(t, l.OpenPositions())

	require.Len(t, sink.events, 2)
	assert.Equal(t, domain.EventPosition, sink.events[0].Type)
	assert.Equal(t, domain.EventTrade, sink.events[1].Type)
	te, ok := sink.events[1].Payload.(domain.TradeEvent)
	require.True(t, ok)
	assert.Equal(t, 1, te.Summary.Trades)
	assert.Equal(t, 1, te.Summary.Losses)
	assert.Equal(t, 108900.0, te.Equity)
}

func TestShortPnLSign(t *testing.T) {
	t.Parallel()
	l := newTestLedger(100000, nil)

	p := position("TCS", 10, 3500, 3520)
	p.Side = domain.SideShort
	p.RiskAmount = 200
	pos, err := l.Open(p)
	require.NoError(t, err)

	rec, err := l.Close(pos.ID, 3460, day.Add(time.Hour), domain.ExitReasonTarget)
	require.NoError(t, err)
	assert.Equal(t, 400.0, rec.RealizedPnL)
	assert.Equal(t, 2.0, rec.RMultiple)
}

func TestOpenRejectsSecondPositionForSymbol(t *testing.T) {
	t.Parallel()
	l := newTestLedger(100000, nil)

	_, err := l.Open(position("INFY", 10, 1500, 1490))
	require.NoError(t, err)
	_, err = l.Open(position("INFY", 10, 1510, 1500))
	assert.True(t, errors.Is(err, domain.ErrPositionOpen))

	_, err = l.Open(position("", 10, 1500, 1490))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = l.Close("missing", 100, day, domain.ExitReasonStop)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
}

func TestEquityEqualsInitialPlusRealisedUnderConcurrency(t *testing.T) {
	t.Parallel()
	l := newTestLedger(100000, nil)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sym := fmt.Sprintf("SYM%02d", i)
			pos, err := l.Open(position(sym, int64(i+1), 100.05, 99.05))
			if !assert.NoError(t, err) {
				return
			}
			exit := 100.05 + float64(i%7-3)*0.35
			_, err = l.Close(pos.ID, exit, day.Add(time.Duration(i)*time.Minute), domain.ExitReasonStop)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	trades := l.Trades()
	require.Len(t, trades, n)
	sum := 0.0
	for _, tr := range trades {
		sum += tr.RealizedPnL
	}
	assert.InDelta(t, 100000+sum, l.Equity(), 1e-6)

	st := l.State("2024-01-02")
	assert.Equal(t, n, st.TradesToday)
	assert.Equal(t, n, st.OpenedToday)
	assert.Zero(t, st.OpenPositions)
	assert.InDelta(t, sum, st.RealizedToday, 1e-6)
}

func TestStateCountsPerDate(t *testing.T) {
	t.Parallel()
	l := newTestLedger(100000, nil)

	pos, err := l.Open(position("SBIN", 100, 600, 594))
	require.NoError(t, err)

	st := l.State("2024-01-02")
	assert.Equal(t, 1, st.OpenedToday)
	assert.Equal(t, 0, st.TradesToday)
	assert.Equal(t, 1, st.SymbolOpened["SBIN"])
	assert.Equal(t, 1, st.OpenPositions)

	other := l.State("2024-01-03")
	assert.Zero(t, other.OpenedToday)
	assert.Equal(t, 1, other.OpenPositions)

	_, err = l.Close(pos.ID, 612, day.Add(2*time.Hour), domain.ExitReasonTarget)
	require.NoError(t, err)

	sum := l.DailySummary("2024-01-02")
	assert.Equal(t, 1, sum.Trades)
	assert.Equal(t, 1, sum.Wins)
	assert.Equal(t, 1200.0, sum.RealizedPnL)
	assert.Equal(t, 2.0, sum.AvgR)
	assert.Equal(t, 1.0, sum.WinRate)

	assert.Equal(t, []string{"2024-01-02"}, l.Dates())
	assert.Len(t, l.TradesForDate("2024-01-02"), 1)
	assert.Empty(t, l.TradesForDate("2024-01-03"))
	assert.Len(t, l.EquityCurveForDate("2024-01-02"), 1)
	assert.Equal(t, 101200.0, l.State("2024-01-02").PeakEquity)

	l.Reset()
	assert.Equal(t, 100000.0, l.Equity())
	assert.Empty(t, l.Trades())
	assert.Empty(t, l.Dates())
}

func TestMaxDrawdown(t *testing.T) {
	t.Parallel()
	ts := func(m int) time.Time { return day.Add(time.Duration(m) * time.Minute) }
	curve := []domain.EquityPoint{
		{Time: ts(1), Equity: 101000},
		{Time: ts(2), Equity: 99000},
		{Time: ts(3), Equity: 103000},
		{Time: ts(4), Equity: 100500},
		{Time: ts(5), Equity: 98000},
		{Time: ts(6), Equity: 104000},
	}

	dd := MaxDrawdown(curve, 100000)
	assert.Equal(t, 5000.0, dd.Amount)
	assert.InDelta(t, 5000.0/103000*100, dd.Pct, 1e-9)
	assert.Equal(t, ts(3), dd.PeakAt)
	assert.Equal(t, ts(5), dd.TroughAt)

	// Never exceeds the true peak-to-trough difference.
	maxDiff := 0.0
	all := append([]domain.EquityPoint{{Equity: 100000}}, curve...)
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if d := all[i].Equity - all[j].Equity; d > maxDiff {
				maxDiff = d
			}
		}
	}
	assert.LessOrEqual(t, dd.Amount, maxDiff)

	assert.Equal(t, Drawdown{PeakEquity: 100000}, MaxDrawdown(nil, 100000))
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	rec := func(pnl, r float64, exit time.Time) domain.TradeRecord {
		return domain.TradeRecord{RealizedPnL: pnl, RMultiple: r, ExitTime: exit}
	}
	trades := []domain.TradeRecord{
		rec(2000, 2, time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)),
		rec(-1000, -1, time.Date(2024, 1, 3, 6, 0, 0, 0, time.UTC)),
		rec(-500, -0.5, time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC)),
		rec(1500, 1.5, time.Date(2024, 2, 2, 6, 0, 0, 0, time.UTC)),
	}

	p := Summarize(trades, 100000, time.UTC)
	assert.Equal(t, 4, p.Trades)
	assert.Equal(t, 2, p.Wins)
	assert.Equal(t, 2, p.Losses)
	assert.Equal(t, 0.5, p.WinRate)
	assert.Equal(t, 2000.0, p.TotalPnL)
	assert.Equal(t, 102000.0, p.FinalEquity)
	assert.InDelta(t, 3500.0/1500.0, p.ProfitFactor, 1e-9)
	assert.Equal(t, 1750.0, p.AvgWin)
	assert.Equal(t, -750.0, p.AvgLoss)
	assert.Equal(t, 2000.0, p.MaxWin)
	assert.Equal(t, -1000.0, p.MaxLoss)
	assert.InDelta(t, 0.5, p.AvgR, 1e-9)
	assert.Equal(t, 1500.0, p.Drawdown.Amount)
	assert.Greater(t, p.Sharpe, 0.0)
	assert.Greater(t, p.Sortino, 0.0)
	require.Len(t, p.Monthly, 2)
	assert.Equal(t, MonthlyPnL{Month: "2024-01", PnL: 1000, Trades: 2}, p.Monthly[0])
	assert.Equal(t, MonthlyPnL{Month: "2024-02", PnL: 1000, Trades: 2}, p.Monthly[1])

	empty := Summarize(nil, 100000, nil)
	assert.Zero(t, empty.Trades)
	assert.Equal(t, 100000.0, empty.FinalEquity)
}
