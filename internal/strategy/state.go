// Package strategy implements the opening-range breakout machine. Each symbol
// owns one TradingDay per market date; Step is the pure transition function
// and Engine drives it against the executor.
package strategy

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/session"
)

// StopRule selects how the protective stop is placed.
type StopRule string

const (
	// StopRuleFraction places the stop StopFraction below entry.
	StopRuleFraction StopRule = "fraction"
	// StopRuleBarLow places the stop at the breakout bar's low.
	StopRuleBarLow StopRule = "bar_low"
)

// FillPriority resolves a bar that touches both stop and target.
type FillPriority string

const (
	FillStop   FillPriority = "stop"
	FillTarget FillPriority = "target"
)

// Params configures the machine.
type Params struct {
	Location       *time.Location
	ReferenceBar   session.Clock  // bar whose range is the opening range
	First30        session.Window // window whose running high must also be cleared
	StopRule       StopRule
	StopFraction   float64
	RewardMultiple float64
	TradesPerDay   int // entries allowed per symbol per day
	FillPriority   FillPriority
	SquareOff      session.Clock
	SquareOffSet   bool
}

// DefaultParams mirrors the default NSE session: 09:30 reference bar and a
// 09:15-09:45 first-30 window.
func DefaultParams() Params {
	return Params{
		Location:       time.UTC,
		ReferenceBar:   session.MustClock("09:30"),
		First30:        mustWindow("09:15", "09:45"),
		StopRule:       StopRuleFraction,
		StopFraction:   0.005,
		RewardMultiple: 2,
		TradesPerDay:   1,
		FillPriority:   FillStop,
	}
}

func mustWindow(start, end string) session.Window {
	w, err := session.ParseWindow(start, end)
	if err != nil {
		panic(err)
	}
	return w
}

func (p Params) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// ActionKind tags the side effect requested by Step.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionEnter
	ActionExit
	ActionInconsistent
)

func (k ActionKind) String() string {
	switch k {
	case ActionEnter:
		return "enter"
	case ActionExit:
		return "exit"
	case ActionInconsistent:
		return "inconsistent"
	default:
		return "none"
	}
}

// Action is the side effect the caller must perform after Step.
type Action struct {
	Kind       ActionKind
	Intent     domain.TradeIntent
	PositionID string
	ExitPrice  float64
	ExitReason domain.ExitReason
	Reason     string
}

// NewDay returns a fresh context awaiting the opening range.
func NewDay(symbol, date string) domain.TradingDay {
	return domain.TradingDay{Symbol: symbol, Date: date, State: domain.DayStateAwaitingOpenRange}
}

// Step folds one closed bar into day. Entries are not applied here: an
// ActionEnter leaves the day in AWAITING_BREAKOUT until Approve or Reject is
// called with the governor's verdict. Exits are applied immediately.
func Step(day domain.TradingDay, bar domain.Bar, p Params) (domain.TradingDay, Action) {
	date := session.DateOf(bar.Timestamp, p.loc())
	if day.State == "" {
		day = NewDay(bar.Symbol, date)
	}

	if day.State == domain.DayStateFrozen {
		day.LastClose = bar.Close
		return day, Action{}
	}

	if date != day.Date {
		if day.State == domain.DayStateInPosition {
			reason := fmt.Sprintf("position %s from %s still open at first bar of %s", day.PositionID, day.Date, date)
			day.State = domain.DayStateFrozen
			day.FrozenReason = reason
			day.LastClose = bar.Close
			return day, Action{Kind: ActionInconsistent, PositionID: day.PositionID, Reason: reason}
		}
		day = NewDay(bar.Symbol, date)
	}

	day.Bars++
	day.LastClose = bar.Close
	clock := session.ClockOf(bar.Timestamp, p.loc())

	if p.First30.Contains(clock) {
		if !day.First30Seen || bar.High > day.First30High {
			day.First30High = bar.High
		}
		day.First30Seen = true
	} else if p.First30.Bounded() && clock > p.First30.End {
		day.First30Final = true
	}

	switch day.State {
	case domain.DayStateAwaitingOpenRange:
		if clock == p.ReferenceBar {
			day.ORHigh = bar.High
			day.ORLow = bar.Low
			day.ORSet = true
			day.State = domain.DayStateAwaitingBreakout
		}
		return day, Action{}

	case domain.DayStateAwaitingBreakout:
		return day, breakout(day, bar, clock, p)

	case domain.DayStateInPosition:
		return exit(day, bar, clock, p)
	}

	return day, Action{}
}

func breakout(day domain.TradingDay, bar domain.Bar, clock session.Clock, p Params) Action {
	final := day.First30Final || !p.First30.Bounded()
	if !day.ORSet || !final || day.TradesTaken >= p.TradesPerDay {
		return Action{}
	}
	if p.SquareOffSet && clock >= p.SquareOff {
		return Action{}
	}
	if bar.Close <= day.Level() {
		return Action{}
	}

	entry := bar.Close
	var stop float64
	switch p.StopRule {
	case StopRuleBarLow:
		stop = bar.Low
	default:
		stop = entry * (1 - p.StopFraction)
	}
	risk := entry - stop
	if risk <= 0 {
		return Action{}
	}

	return Action{
		Kind: ActionEnter,
		Intent: domain.TradeIntent{
			Symbol:    bar.Symbol,
			Side:      domain.SideLong,
			Entry:     entry,
			Stop:      stop,
			Target:    entry + p.RewardMultiple*risk,
			BarTime:   bar.Timestamp,
			TradeDate: day.Date,
		},
	}
}

func exit(day domain.TradingDay, bar domain.Bar, clock session.Clock, p Params) (domain.TradingDay, Action) {
	stopHit := bar.Low <= day.Stop
	targetHit := bar.High >= day.Target

	act := Action{Kind: ActionExit, PositionID: day.PositionID}
	switch {
	case stopHit && targetHit:
		if p.FillPriority == FillTarget {
			act.ExitPrice, act.ExitReason = day.Target, domain.ExitReasonTarget
		} else {
			act.ExitPrice, act.ExitReason = day.Stop, domain.ExitReasonStop
		}
	case stopHit:
		act.ExitPrice, act.ExitReason = day.Stop, domain.ExitReasonStop
	case targetHit:
		act.ExitPrice, act.ExitReason = day.Target, domain.ExitReasonTarget
	case p.SquareOffSet && clock >= p.SquareOff:
		act.ExitPrice, act.ExitReason = bar.Close, domain.ExitReasonSessionEnd
	default:
		return day, Action{}
	}

	day.TradesTaken++
	day.PositionID = ""
	day.Stop, day.Target = 0, 0
	if day.TradesTaken >= p.TradesPerDay {
		day.State = domain.DayStateDoneForDay
	} else {
		day.State = domain.DayStateAwaitingBreakout
	}
	return day, act
}

// Approve moves day into IN_POSITION for the opened position.
func Approve(day domain.TradingDay, pos domain.Position) domain.TradingDay {
	day.State = domain.DayStateInPosition
	day.PositionID = pos.ID
	day.Stop = pos.StopPrice
	day.Target = pos.TargetPrice
	return day
}

// Reject records a vetoed entry. The daily trade slot is not consumed.
func Reject(day domain.TradingDay) domain.TradingDay {
	day.Rejected++
	return day
}

// Freeze marks day as fatally inconsistent.
func Freeze(day domain.TradingDay, reason string) domain.TradingDay {
	day.State = domain.DayStateFrozen
	day.FrozenReason = reason
	return day
}
