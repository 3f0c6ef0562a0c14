package risk

import "github.com/shopspring/decimal"

// Sizing is the result of converting a risk budget into a share count.
type Sizing struct {
	Quantity     int64   `json:"qty"`
	PerShareRisk float64 `json:"per_share_risk"`
	Budget       float64 `json:"budget"`
	RiskAmount   float64 `json:"risk_amount"`
}

// Size computes floor(equity * riskFraction / |entry - stop|). When
// maxPositionPct is positive the quantity is further capped at
// floor(equity * maxPositionPct / entry). Arithmetic is decimal so the result
// always rounds down and qty * per-share risk never exceeds the budget.
func Size(equity, riskFraction, entry, stop, maxPositionPct float64) Sizing {
	eq := decimal.NewFromFloat(equity)
	perShare := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop)).Abs()
	budget := eq.Mul(decimal.NewFromFloat(riskFraction))

	s := Sizing{
		PerShareRisk: perShare.InexactFloat64(),
		Budget:       budget.InexactFloat64(),
	}
	if !perShare.IsPositive() || !budget.IsPositive() {
		return s
	}

	qty := budget.Div(perShare).Floor()
	if maxPositionPct > 0 && entry > 0 {
		notionalCap := eq.Mul(decimal.NewFromFloat(maxPositionPct)).
			Div(decimal.NewFromFloat(entry)).Floor()
		qty = decimal.Min(qty, notionalCap)
	}
	if !qty.IsPositive() {
		return s
	}

	s.Quantity = qty.IntPart()
	s.RiskAmount = qty.Mul(perShare).InexactFloat64()
	return s
}
