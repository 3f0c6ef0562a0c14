package domain

import "time"

// TradeRecord is a closed position. Records are append-only.
type TradeRecord struct {
	Position
	ExitPrice   float64    `json:"exit_price"`
	ExitTime    time.Time  `json:"exit_time"`
	ExitReason  ExitReason `json:"exit_reason"`
	RealizedPnL float64    `json:"pnl"`
	RMultiple   float64    `json:"r_multiple"`
}

// Win reports whether the trade made money. Break-even counts as a win.
func (t TradeRecord) Win() bool {
	return t.RealizedPnL >= 0
}

// EquityPoint is one sample of the equity curve, taken at trade close.
type EquityPoint struct {
	Time    time.Time `json:"ts"`
	Equity  float64   `json:"equity"`
	TradeID string    `json:"trade_id,omitempty"`
}

// DailySummary aggregates closed trades for one trading date.
type DailySummary struct {
	Date        string  `json:"date"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	RealizedPnL float64 `json:"realized_pnl"`
	RTotal      float64 `json:"r_total"`
	WinRate     float64 `json:"win_rate"`
	AvgR        float64 `json:"avg_r"`
}

// EquityState is the ledger's view consumed by the risk governor.
// Counts are for the requested trading date.
type EquityState struct {
	Date           string         `json:"date"`
	InitialCapital float64        `json:"initial_capital"`
	Equity         float64        `json:"equity"`
	PeakEquity     float64        `json:"peak_equity"`
	RealizedToday  float64        `json:"realized_today"`
	TradesToday    int            `json:"trades_today"`
	OpenedToday    int            `json:"opened_today"`
	SymbolTrades   map[string]int `json:"symbol_trades"`
	SymbolOpened   map[string]int `json:"symbol_opened"`
	OpenPositions  int            `json:"open_positions"`
}
