package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/session"
)

// Ingress is the pipeline entry point. pipeline.Pipeline implements it.
type Ingress interface {
	IngestTick(ctx context.Context, t domain.Tick) error
	IngestBar(ctx context.Context, b domain.Bar) error
	Flush(ctx context.Context) int
}

// IngestHandler lets an external bridge push data over HTTP.
type IngestHandler struct {
	ingress Ingress
	loc     *time.Location
	logger  *slog.Logger
}

// NewIngestHandler creates an IngestHandler. Zone-less timestamps are read
// in loc.
func NewIngestHandler(ingress Ingress, loc *time.Location, logger *slog.Logger) *IngestHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &IngestHandler{ingress: ingress, loc: loc, logger: logHandler(logger, "ingest")}
}

type tickIn struct {
	Symbol string  `json:"symbol"`
	TS     string  `json:"ts"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

type barIn struct {
	Symbol string  `json:"symbol"`
	TS     string  `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type rejected struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ingestResponse struct {
	OK       bool       `json:"ok"`
	Accepted int        `json:"accepted"`
	Rejected []rejected `json:"rejected,omitempty"`
}

// readBatch decodes either one object or an array of objects.
func readBatch[T any](r *http.Request) ([]T, bool, error) {
	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		return nil, false, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false, fmt.Errorf("%w: empty body", domain.ErrInvalidInput)
	}
	if raw[0] == '[' {
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, true, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		return items, true, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return []T{one}, false, nil
}

// ingest feeds items through fn. A single item answers with its own error
// status; a batch always answers 200 and lists what was rejected.
func ingest[T any](h *IngestHandler, w http.ResponseWriter, r *http.Request, fn func(context.Context, T) error) {
	items, batch, err := readBatch[T](r)
	if err != nil {
		writeDomainError(w, r, h.logger, "ingest", err)
		return
	}

	resp := ingestResponse{}
	for i, item := range items {
		if err := fn(r.Context(), item); err != nil {
			if !batch {
				writeDomainError(w, r, h.logger, "ingest", err)
				return
			}
			resp.Rejected = append(resp.Rejected, rejected{Index: i, Error: err.Error()})
			continue
		}
		resp.Accepted++
	}
	resp.OK = len(resp.Rejected) == 0
	writeJSON(w, http.StatusOK, resp)
}

func (h *IngestHandler) tick(ctx context.Context, in tickIn) error {
	ts, err := session.ParseTimestamp(in.TS, h.loc)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return h.ingress.IngestTick(ctx, domain.Tick{Symbol: in.Symbol, Timestamp: ts, Price: in.Price, Volume: in.Volume})
}

func (h *IngestHandler) bar(ctx context.Context, in barIn) error {
	ts, err := session.ParseTimestamp(in.TS, h.loc)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return h.ingress.IngestBar(ctx, domain.Bar{
		Symbol:    in.Symbol,
		Timestamp: ts,
		Open:      in.Open,
		High:      in.High,
		Low:       in.Low,
		Close:     in.Close,
		Volume:    in.Volume,
		Source:    domain.BarSourceIngest,
	})
}

// Tick ingests one tick or an array of ticks.
// POST /api/ingest/tick
func (h *IngestHandler) Tick(w http.ResponseWriter, r *http.Request) {
	ingest(h, w, r, h.tick)
}

// Bar ingests one bar or an array of bars.
// POST /api/ingest/bar
func (h *IngestHandler) Bar(w http.ResponseWriter, r *http.Request) {
	ingest(h, w, r, h.bar)
}

// Flush seals every in-progress bar.
// POST /api/ingest/flush
func (h *IngestHandler) Flush(w http.ResponseWriter, r *http.Request) {
	n := h.ingress.Flush(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"flushed": n})
}
