// Package risk sizes trade intents against equity and enforces the daily
// safety limits and the operator kill switch.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/session"
)

// Config holds the limits applied to every intent. Zero values disable the
// corresponding cap.
type Config struct {
	RiskFraction       float64
	MaxPositionPct     float64
	MaxTradesPerDay    int
	MaxTradesPerSymbol int
	MaxDailyLoss       float64
	MaxOpenPositions   int
	TradingWindow      session.Window
	Location           *time.Location
}

// Book is the ledger surface the governor mutates. Implemented by
// ledger.Ledger.
type Book interface {
	State(date string) domain.EquityState
	Open(pos domain.Position) (domain.Position, error)
	Close(id string, exitPrice float64, exitTime time.Time, reason domain.ExitReason) (domain.TradeRecord, error)
}

// KillSwitch is a snapshot of the operator halt.
type KillSwitch struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// Status is the operator view of the remaining daily capacity.
type Status struct {
	TradingAllowed     bool       `json:"trading_allowed"`
	Message            string     `json:"message"`
	KillSwitch         KillSwitch `json:"kill_switch"`
	TradesToday        int        `json:"trades_today"`
	TradesRemaining    int        `json:"trades_remaining"`
	RealizedToday      float64    `json:"realized_today"`
	LossRemaining      float64    `json:"loss_remaining"`
	OpenPositions      int        `json:"open_positions"`
	PositionsRemaining int        `json:"positions_remaining"`
	Limits             Limits     `json:"limits"`
}

// Limits is the JSON form of Config.
type Limits struct {
	RiskFraction       float64 `json:"risk_fraction"`
	MaxPositionPct     float64 `json:"max_position_pct"`
	MaxTradesPerDay    int     `json:"max_trades_per_day"`
	MaxTradesPerSymbol int     `json:"max_trades_per_symbol"`
	MaxDailyLoss       float64 `json:"max_daily_loss"`
	MaxOpenPositions   int     `json:"max_open_positions"`
	TradingWindow      string  `json:"trading_window"`
}

// Governor serialises the approve-then-open sequence across symbols so two
// intents cannot both pass a check that only one may pass.
type Governor struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	kill       KillSwitch
	rejections map[domain.RejectReason]int64
}

// NewGovernor creates a Governor.
func NewGovernor(cfg Config, logger *slog.Logger) *Governor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Governor{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "risk")),
		rejections: make(map[domain.RejectReason]int64),
	}
}

// Evaluate is the side-effect-free decision function. Checks run in a fixed
// order and the first failing check names the reason.
func Evaluate(cfg Config, intent domain.TradeIntent, state domain.EquityState, kill bool) domain.RiskDecision {
	reject := func(reason domain.RejectReason, format string, args ...any) domain.RiskDecision {
		return domain.RiskDecision{Reason: reason, Message: fmt.Sprintf(format, args...)}
	}

	if kill {
		return reject(domain.RejectKillSwitch, "kill switch active")
	}
	if cfg.MaxDailyLoss > 0 && state.RealizedToday <= -cfg.MaxDailyLoss {
		return reject(domain.RejectLossCap, "daily loss %.2f reached limit %.2f", -state.RealizedToday, cfg.MaxDailyLoss)
	}
	if cfg.MaxTradesPerDay > 0 && state.OpenedToday >= cfg.MaxTradesPerDay {
		return reject(domain.RejectTradeCap, "daily trade limit reached (%d/%d)", state.OpenedToday, cfg.MaxTradesPerDay)
	}
	if n := state.SymbolOpened[intent.Symbol]; cfg.MaxTradesPerSymbol > 0 && n >= cfg.MaxTradesPerSymbol {
		return reject(domain.RejectSymbolCap, "%s trade limit reached (%d/%d)", intent.Symbol, n, cfg.MaxTradesPerSymbol)
	}
	if cfg.MaxOpenPositions > 0 && state.OpenPositions >= cfg.MaxOpenPositions {
		return reject(domain.RejectOpenCap, "open position limit reached (%d/%d)", state.OpenPositions, cfg.MaxOpenPositions)
	}

	sz := Size(state.Equity, cfg.RiskFraction, intent.Entry, intent.Stop, cfg.MaxPositionPct)
	if sz.Quantity <= 0 {
		return reject(domain.RejectSizeZero, "size rounds to zero (budget %.2f, risk/share %.4f)", sz.Budget, sz.PerShareRisk)
	}

	if cfg.TradingWindow.Bounded() && !intent.BarTime.IsZero() {
		loc := cfg.Location
		if loc == nil {
			loc = time.UTC
		}
		if c := session.ClockOf(intent.BarTime, loc); !cfg.TradingWindow.Contains(c) {
			return reject(domain.RejectOutsideSession, "%s outside trading window %s", c, cfg.TradingWindow)
		}
	}

	return domain.RiskDecision{
		Approved:   true,
		Quantity:   sz.Quantity,
		RiskAmount: sz.RiskAmount,
	}
}

// Evaluate runs the decision function against the current kill switch
// without opening anything.
func (g *Governor) Evaluate(intent domain.TradeIntent, state domain.EquityState) domain.RiskDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Evaluate(g.cfg, intent, state, g.kill.Active)
}

// TryOpen evaluates intent against the book's state for the intent's trade
// date and, when approved, opens the position in the same critical section.
// A rejection is a value, not an error; err is only set when the book
// refuses an approved open.
func (g *Governor) TryOpen(ctx context.Context, book Book, intent domain.TradeIntent) (domain.RiskDecision, domain.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := book.State(intent.TradeDate)
	decision := Evaluate(g.cfg, intent, state, g.kill.Active)
	if !decision.Approved {
		g.rejections[decision.Reason]++
		g.logger.WarnContext(ctx, "risk: intent rejected",
			slog.String("symbol", intent.Symbol),
			slog.String("reason", string(decision.Reason)),
			slog.String("message", decision.Message),
		)
		return decision, domain.Position{}, nil
	}

	pos, err := book.Open(domain.Position{
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Quantity:    decision.Quantity,
		EntryPrice:  intent.Entry,
		EntryTime:   intent.BarTime,
		StopPrice:   intent.Stop,
		TargetPrice: intent.Target,
		RiskAmount:  decision.RiskAmount,
		TradeDate:   intent.TradeDate,
	})
	if err != nil {
		return decision, domain.Position{}, fmt.Errorf("risk: open %s: %w", intent.Symbol, err)
	}

	g.logger.InfoContext(ctx, "risk: position opened",
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
		slog.Int64("qty", pos.Quantity),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("stop", pos.StopPrice),
		slog.Float64("target", pos.TargetPrice),
	)
	return decision, pos, nil
}

// Close settles a position through the book under the same lock as TryOpen,
// so an open never evaluates against a half-applied close.
func (g *Governor) Close(ctx context.Context, book Book, id string, price float64, at time.Time, reason domain.ExitReason) (domain.TradeRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := book.Close(id, price, at, reason)
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("risk: close %s: %w", id, err)
	}
	g.logger.InfoContext(ctx, "risk: position closed",
		slog.String("symbol", rec.Symbol),
		slog.String("position_id", rec.ID),
		slog.String("reason", string(rec.ExitReason)),
		slog.Float64("pnl", rec.RealizedPnL),
		slog.Float64("r", rec.RMultiple),
	)
	return rec, nil
}

// Activate engages the kill switch. It stays active until Clear.
func (g *Governor) Activate(reason string) KillSwitch {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.kill.Active {
		g.kill = KillSwitch{Active: true, Reason: reason, Since: time.Now().UTC()}
		g.logger.Warn("risk: kill switch activated", slog.String("reason", reason))
	}
	return g.kill
}

// Clear releases the kill switch.
func (g *Governor) Clear() KillSwitch {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.kill.Active {
		g.logger.Warn("risk: kill switch cleared", slog.String("reason", g.kill.Reason))
	}
	g.kill = KillSwitch{}
	return g.kill
}

// Kill returns the kill switch snapshot.
func (g *Governor) Kill() KillSwitch {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.kill
}

// Active reports whether the kill switch is engaged.
func (g *Governor) Active() bool {
	return g.Kill().Active
}

// Rejections returns the number of rejections per reason since start.
func (g *Governor) Rejections() map[domain.RejectReason]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[domain.RejectReason]int64, len(g.rejections))
	for k, v := range g.rejections {
		out[k] = v
	}
	return out
}

// Limits returns the configured limits.
func (g *Governor) Limits() Limits {
	return Limits{
		RiskFraction:       g.cfg.RiskFraction,
		MaxPositionPct:     g.cfg.MaxPositionPct,
		MaxTradesPerDay:    g.cfg.MaxTradesPerDay,
		MaxTradesPerSymbol: g.cfg.MaxTradesPerSymbol,
		MaxDailyLoss:       g.cfg.MaxDailyLoss,
		MaxOpenPositions:   g.cfg.MaxOpenPositions,
		TradingWindow:      g.cfg.TradingWindow.String(),
	}
}

// Status reports the remaining capacity for state. Unlimited caps report -1
// remaining.
func (g *Governor) Status(state domain.EquityState) Status {
	kill := g.Kill()
	st := Status{
		TradingAllowed:     true,
		Message:            "trading allowed",
		KillSwitch:         kill,
		TradesToday:        state.OpenedToday,
		TradesRemaining:    remaining(g.cfg.MaxTradesPerDay, state.OpenedToday),
		RealizedToday:      state.RealizedToday,
		LossRemaining:      -1,
		OpenPositions:      state.OpenPositions,
		PositionsRemaining: remaining(g.cfg.MaxOpenPositions, state.OpenPositions),
		Limits:             g.Limits(),
	}
	if g.cfg.MaxDailyLoss > 0 {
		st.LossRemaining = math.Max(0, g.cfg.MaxDailyLoss+math.Min(0, state.RealizedToday))
	}

	switch {
	case kill.Active:
		st.TradingAllowed = false
		st.Message = "kill switch active: " + kill.Reason
	case g.cfg.MaxDailyLoss > 0 && state.RealizedToday <= -g.cfg.MaxDailyLoss:
		st.TradingAllowed = false
		st.Message = "daily loss limit reached"
	case st.TradesRemaining == 0:
		st.TradingAllowed = false
		st.Message = "daily trade limit reached"
	case st.PositionsRemaining == 0:
		st.TradingAllowed = false
		st.Message = "open position limit reached"
	}
	return st
}

func remaining(limit, used int) int {
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
