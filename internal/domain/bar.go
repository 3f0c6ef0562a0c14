package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// BarSource records which path delivered a bar into the pipeline.
type BarSource string

const (
	BarSourceLive     BarSource = "live"
	BarSourceBackfill BarSource = "backfill"
	BarSourceReplay   BarSource = "replay"
	BarSourceIngest   BarSource = "ingest"
)

// Tick is a single trade print. Ticks are consumed by the aggregator and are
// never stored on their own.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"ts"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
}

// Validate reports ErrInvalidInput for ticks that cannot be aggregated.
func (t Tick) Validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidInput)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidInput)
	}
	if !finitePositive(t.Price) {
		return fmt.Errorf("%w: price %v", ErrInvalidInput, t.Price)
	}
	if t.Volume < 0 || math.IsNaN(t.Volume) || math.IsInf(t.Volume, 0) {
		return fmt.Errorf("%w: volume %v", ErrInvalidInput, t.Volume)
	}
	return nil
}

// Bar is a closed 1-minute OHLCV bar. Timestamp is the start of the minute.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Source    BarSource `json:"source,omitempty"`
}

// Validate reports ErrInvalidInput for bars with missing identity or
// inconsistent OHLC values.
func (b Bar) Validate() error {
	if strings.TrimSpace(b.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidInput)
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidInput)
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
		if !finitePositive(v) {
			return fmt.Errorf("%w: price %v", ErrInvalidInput, v)
		}
	}
	if b.High < math.Max(b.Open, b.Close) || b.Low > math.Min(b.Open, b.Close) {
		return fmt.Errorf("%w: ohlc out of range o=%v h=%v l=%v c=%v",
			ErrInvalidInput, b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 || math.IsNaN(b.Volume) {
		return fmt.Errorf("%w: volume %v", ErrInvalidInput, b.Volume)
	}
	return nil
}

// Minute truncates ts to the start of its minute.
func Minute(ts time.Time) time.Time {
	return ts.Truncate(time.Minute)
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
