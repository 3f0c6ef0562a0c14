package ledger

import (
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

const tradingDaysPerYear = 252

// Drawdown is the largest peak-to-trough decline of an equity curve.
type Drawdown struct {
	Amount     float64   `json:"max_drawdown"`
	Pct        float64   `json:"max_drawdown_pct"`
	PeakAt     time.Time `json:"peak_at,omitempty"`
	TroughAt   time.Time `json:"trough_at,omitempty"`
	PeakEquity float64   `json:"peak_equity"`
}

// MaxDrawdown scans curve starting from initial capital. Pct is relative to
// the running peak and is tracked separately from Amount, so the two may come
// from different troughs.
func MaxDrawdown(curve []domain.EquityPoint, initial float64) Drawdown {
	peak := initial
	var peakAt time.Time
	var dd Drawdown
	dd.PeakEquity = peak
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
			peakAt = p.Time
		}
		if peak > dd.PeakEquity {
			dd.PeakEquity = peak
		}
		amount := peak - p.Equity
		if amount > dd.Amount {
			dd.Amount = amount
			dd.PeakAt = peakAt
			dd.TroughAt = p.Time
		}
		if peak > 0 {
			if pct := amount / peak * 100; pct > dd.Pct {
				dd.Pct = pct
			}
		}
	}
	return dd
}

// MonthlyPnL is realised P&L bucketed by exit month.
type MonthlyPnL struct {
	Month  string  `json:"month"`
	PnL    float64 `json:"pnl"`
	Trades int     `json:"trades"`
}

// Performance is the aggregate statistics of a run.
type Performance struct {
	Trades         int          `json:"total_trades"`
	Wins           int          `json:"wins"`
	Losses         int          `json:"losses"`
	WinRate        float64      `json:"win_rate"`
	InitialCapital float64      `json:"initial_capital"`
	FinalEquity    float64      `json:"final_equity"`
	TotalPnL       float64      `json:"total_return"`
	TotalReturnPct float64      `json:"total_return_pct"`
	AvgWin         float64      `json:"avg_win"`
	AvgLoss        float64      `json:"avg_loss"`
	MaxWin         float64      `json:"max_win"`
	MaxLoss        float64      `json:"max_loss"`
	ProfitFactor   float64      `json:"profit_factor"`
	AvgR           float64      `json:"avg_r"`
	Drawdown       Drawdown     `json:"drawdown"`
	Sharpe         float64      `json:"sharpe_ratio"`
	Sortino        float64      `json:"sortino_ratio"`
	Monthly        []MonthlyPnL `json:"monthly"`
}

// Summarize computes run statistics from closed trades in close order.
// Per-trade returns are measured against initial capital and annualised with
// the square root of 252.
func Summarize(trades []domain.TradeRecord, initial float64, loc *time.Location) Performance {
	if loc == nil {
		loc = time.UTC
	}
	perf := Performance{
		InitialCapital: initial,
		FinalEquity:    initial,
		Monthly:        []MonthlyPnL{},
	}
	if len(trades) == 0 {
		return perf
	}

	var grossWin, grossLoss, rSum float64
	var rCount int
	returns := make([]float64, 0, len(trades))
	curve := make([]domain.EquityPoint, 0, len(trades))
	months := map[string]*MonthlyPnL{}
	equity := initial

	for _, t := range trades {
		perf.Trades++
		if t.Win() {
			perf.Wins++
			grossWin += t.RealizedPnL
			perf.MaxWin = math.Max(perf.MaxWin, t.RealizedPnL)
		} else {
			perf.Losses++
			grossLoss += t.RealizedPnL
			perf.MaxLoss = math.Min(perf.MaxLoss, t.RealizedPnL)
		}
		if t.RMultiple != 0 {
			rSum += t.RMultiple
			rCount++
		}
		if initial > 0 {
			returns = append(returns, t.RealizedPnL/initial)
		}
		equity += t.RealizedPnL
		curve = append(curve, domain.EquityPoint{Time: t.ExitTime, Equity: equity, TradeID: t.ID})

		key := t.ExitTime.In(loc).Format("2006-01")
		m, ok := months[key]
		if !ok {
			m = &MonthlyPnL{Month: key}
			months[key] = m
		}
		m.PnL += t.RealizedPnL
		m.Trades++
	}

	perf.TotalPnL = grossWin + grossLoss
	perf.FinalEquity = equity
	perf.WinRate = float64(perf.Wins) / float64(perf.Trades)
	if initial > 0 {
		perf.TotalReturnPct = perf.TotalPnL / initial * 100
	}
	if perf.Wins > 0 {
		perf.AvgWin = grossWin / float64(perf.Wins)
	}
	if perf.Losses > 0 {
		perf.AvgLoss = grossLoss / float64(perf.Losses)
		if grossLoss != 0 {
			perf.ProfitFactor = grossWin / math.Abs(grossLoss)
		}
	}
	if rCount > 0 {
		perf.AvgR = rSum / float64(rCount)
	}
	perf.Drawdown = MaxDrawdown(curve, initial)
	perf.Sharpe = annualised(returns, returns)

	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	perf.Sortino = annualised(returns, downside)

	for _, m := range months {
		perf.Monthly = append(perf.Monthly, *m)
	}
	sort.Slice(perf.Monthly, func(i, j int) bool { return perf.Monthly[i].Month < perf.Monthly[j].Month })
	return perf
}

// annualised returns mean(returns) / stddev(dispersion) * sqrt(252), or 0
// when either series is too short or flat.
func annualised(returns, dispersion []float64) float64 {
	if len(returns) < 2 || len(dispersion) < 2 {
		return 0
	}
	sd := sampleStdDev(dispersion)
	if sd == 0 {
		return 0
	}
	return mean(returns) / sd * math.Sqrt(tradingDaysPerYear)
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func sampleStdDev(xs []float64) float64 {
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
