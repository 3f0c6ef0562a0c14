package domain

import "time"

// TradeIntent is a proposed entry emitted by the strategy engine.
type TradeIntent struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Entry     float64   `json:"entry"`
	Stop      float64   `json:"stop"`
	Target    float64   `json:"target"`
	BarTime   time.Time `json:"bar_time"`
	TradeDate string    `json:"trade_date"`
}

// RejectReason is the machine-readable cause of a risk veto.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectKillSwitch     RejectReason = "kill-switch"
	RejectLossCap        RejectReason = "loss-cap"
	RejectTradeCap       RejectReason = "trade-cap"
	RejectSymbolCap      RejectReason = "symbol-cap"
	RejectOpenCap        RejectReason = "open-cap"
	RejectSizeZero       RejectReason = "size-zero"
	RejectOutsideSession RejectReason = "outside-session"
)

// RiskDecision is the outcome of evaluating an intent. Quantity is set only
// when Approved.
type RiskDecision struct {
	Approved   bool         `json:"approved"`
	Reason     RejectReason `json:"reason,omitempty"`
	Message    string       `json:"message,omitempty"`
	Quantity   int64        `json:"qty"`
	RiskAmount float64      `json:"risk_amount"`
}
