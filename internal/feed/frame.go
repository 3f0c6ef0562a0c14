package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/session"
)

// Ingress is the pipeline entry point shared by live, backfilled and
// replayed data.
type Ingress interface {
	IngestTick(ctx context.Context, t domain.Tick) error
	IngestBar(ctx context.Context, b domain.Bar) error
	Flush(ctx context.Context) int
}

// Publisher receives feed events. broadcast.Hub implements it.
type Publisher interface {
	Publish(ev domain.Event)
}

const (
	frameTick   = "tick"
	frameBar    = "bar"
	frameStatus = "status"
)

// frame is the JSON shape spoken by tick bridges, both over the websocket
// and on the signal bus.
type frame struct {
	Type           string   `json:"type"`
	Symbol         string   `json:"symbol"`
	TS             string   `json:"ts"`
	Price          float64  `json:"price"`
	Volume         float64  `json:"volume"`
	Open           float64  `json:"open"`
	High           float64  `json:"high"`
	Low            float64  `json:"low"`
	Close          float64  `json:"close"`
	Source         string   `json:"source,omitempty"`
	Connected      *bool    `json:"connected,omitempty"`
	InvalidSymbols []string `json:"invalid_symbols,omitempty"`
	Message        string   `json:"message,omitempty"`
}

func decodeFrame(raw []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return frame{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	f.Type = strings.ToLower(strings.TrimSpace(f.Type))
	if f.Type == "" {
		// Bridges that post bare ticks or bars omit the type.
		if f.Open != 0 || f.Close != 0 {
			f.Type = frameBar
		} else {
			f.Type = frameTick
		}
	}
	f.Symbol = strings.ToUpper(strings.TrimSpace(f.Symbol))
	return f, nil
}

func (f frame) tick(loc *time.Location) (domain.Tick, error) {
	ts, err := session.ParseTimestamp(f.TS, loc)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return domain.Tick{Symbol: f.Symbol, Timestamp: ts, Price: f.Price, Volume: f.Volume}, nil
}

func (f frame) bar(loc *time.Location, fallback domain.BarSource) (domain.Bar, error) {
	ts, err := session.ParseTimestamp(f.TS, loc)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	src := domain.BarSource(f.Source)
	if src == "" {
		src = fallback
	}
	return domain.Bar{
		Symbol: f.Symbol, Timestamp: ts,
		Open: f.Open, High: f.High, Low: f.Low, Close: f.Close,
		Volume: f.Volume, Source: src,
	}, nil
}

// dispatch pushes a decoded data frame into ingress. Status frames are
// ignored here.
func dispatch(ctx context.Context, in Ingress, f frame, loc *time.Location, source domain.BarSource) error {
	switch f.Type {
	case frameTick:
		t, err := f.tick(loc)
		if err != nil {
			return err
		}
		return in.IngestTick(ctx, t)
	case frameBar:
		b, err := f.bar(loc, source)
		if err != nil {
			return err
		}
		return in.IngestBar(ctx, b)
	case frameStatus:
		return nil
	default:
		return fmt.Errorf("%w: unknown frame type %q", domain.ErrInvalidInput, f.Type)
	}
}
