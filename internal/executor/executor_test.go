package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/ledger"
	"github.com/alanyoungcy/breakoutsim/internal/risk"
)

func newPaper(t *testing.T, cfg risk.Config) (*Paper, *risk.Governor, *ledger.Ledger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	book := ledger.New(100000, time.UTC, nil, logger)
	gov := risk.NewGovernor(cfg, logger)
	return NewPaper(gov, book, logger), gov, book
}

func intent(sym string, at time.Time) domain.TradeIntent {
	return domain.TradeIntent{
		Symbol:    sym,
		Side:      domain.SideLong,
		Entry:     2762,
		Stop:      2740,
		Target:    2806,
		BarTime:   at,
		TradeDate: at.Format("2006-01-02"),
	}
}

func TestPaperEnterAndExit(t *testing.T) {
	t.Parallel()
	p, _, book := newPaper(t, risk.Config{RiskFraction: 0.01})
	ctx := context.Background()
	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	decision, pos, err := p.Enter(ctx, intent("RELIANCE", at))
	require.NoError(t, err)
	require.True(t, decision.Approved)
	assert.Equal(t, int64(45), pos.Quantity)
	assert.NotEmpty(t, pos.ID)

	open, ok := p.OpenPosition("RELIANCE")
	require.True(t, ok)
	assert.Equal(t, pos.ID, open.ID)

	rec, err := p.Exit(ctx, pos.ID, 2740, at.Add(5*time.Minute), domain.ExitReasonStop)
	require.NoError(t, err)
	assert.InDelta(t, -990.0, rec.RealizedPnL, 1e-9)
	assert.InDelta(t, -1.0, rec.RMultiple, 1e-9)

	_, ok = p.OpenPosition("RELIANCE")
	assert.False(t, ok)
	assert.InDelta(t, 99010.0, book.Equity(), 1e-9)
}

func TestPaperEnterRejectedByKillSwitch(t *testing.T) {
	t.Parallel()
	p, gov, _ := newPaper(t, risk.Config{RiskFraction: 0.01})
	gov.Activate("test")

	decision, pos, err := p.Enter(context.Background(), intent("TCS", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, domain.RejectKillSwitch, decision.Reason)
	assert.Empty(t, pos.ID)

	_, ok := p.OpenPosition("TCS")
	assert.False(t, ok)
}

func TestPaperExitUnknownPosition(t *testing.T) {
	t.Parallel()
	p, _, _ := newPaper(t, risk.Config{RiskFraction: 0.01})
	_, err := p.Exit(context.Background(), "missing", 100, time.Now(), domain.ExitReasonStop)
	assert.Error(t, err)
}
