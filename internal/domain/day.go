package domain

// DayState is the tag of a per-symbol, per-day strategy machine.
type DayState string

const (
	DayStateAwaitingOpenRange DayState = "AWAITING_OPEN_RANGE"
	DayStateAwaitingBreakout  DayState = "AWAITING_BREAKOUT"
	DayStateInPosition        DayState = "IN_POSITION"
	DayStateDoneForDay        DayState = "DONE_FOR_DAY"
	DayStateFrozen            DayState = "FROZEN"
)

// TradingDay is the strategy context for one symbol on one calendar date in
// the market timezone.
type TradingDay struct {
	Symbol       string   `json:"symbol"`
	Date         string   `json:"date"`
	State        DayState `json:"state"`
	ORHigh       float64  `json:"or_high"`
	ORLow        float64  `json:"or_low"`
	ORSet        bool     `json:"or_set"`
	First30High  float64  `json:"first30_high"`
	First30Seen  bool     `json:"first30_seen"`
	First30Final bool     `json:"first30_frozen"`
	TradesTaken  int      `json:"trades_taken"`
	Rejected     int      `json:"rejected_attempts"`
	PositionID   string   `json:"position_id,omitempty"`
	Stop         float64  `json:"stop,omitempty"`
	Target       float64  `json:"target,omitempty"`
	LastClose    float64  `json:"last_close"`
	FrozenReason string   `json:"frozen_reason,omitempty"`
	Bars         int      `json:"bars"`
}

// Level returns the breakout reference: max of opening range high and the
// frozen first-30 high.
func (d TradingDay) Level() float64 {
	if d.First30High > d.ORHigh {
		return d.First30High
	}
	return d.ORHigh
}
