package domain

import "time"

// EventType tags a broadcast event.
type EventType string

const (
	EventBar         EventType = "bar"
	EventTrade       EventType = "trade"
	EventPosition    EventType = "position"
	EventStatus      EventType = "status"
	EventRiskReject  EventType = "risk_reject"
	EventFeed        EventType = "feed"
	EventConsistency EventType = "consistency_error"
	EventDone        EventType = "done"
)

// Event is a state change fanned out to observers.
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"ts"`
	Payload any       `json:"payload"`
}

// BarEvent is the payload of EventBar.
type BarEvent struct {
	Bar    Bar     `json:"bar"`
	Equity float64 `json:"equity"`
}

// TradeEvent is the payload of EventTrade.
type TradeEvent struct {
	Trade   TradeRecord  `json:"trade"`
	Summary DailySummary `json:"summary"`
	Equity  float64      `json:"equity"`
}

// RejectEvent is the payload of EventRiskReject.
type RejectEvent struct {
	Intent   TradeIntent  `json:"intent"`
	Decision RiskDecision `json:"decision"`
}
