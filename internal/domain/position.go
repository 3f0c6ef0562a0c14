package domain

import "time"

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Position is a simulated position owned by the ledger once opened.
// RiskAmount is fixed at entry.
type Position struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Side        Side           `json:"side"`
	Quantity    int64          `json:"qty"`
	EntryPrice  float64        `json:"entry_price"`
	EntryTime   time.Time      `json:"entry_time"`
	StopPrice   float64        `json:"stop_loss"`
	TargetPrice float64        `json:"target"`
	RiskAmount  float64        `json:"risk_amount"`
	Status      PositionStatus `json:"status"`
	TradeDate   string         `json:"trade_date"`
}

// ExitReason explains why a position was closed.
type ExitReason string

const (
	ExitReasonStop       ExitReason = "stop"
	ExitReasonTarget     ExitReason = "target"
	ExitReasonSessionEnd ExitReason = "session_end"
	ExitReasonOperator   ExitReason = "operator"
)
