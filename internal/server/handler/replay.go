package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/feed"
	"github.com/alanyoungcy/breakoutsim/internal/session"
)

// ReplayController is the operator surface of feed.Replayer.
type ReplayController interface {
	Start(ctx context.Context, req feed.ReplayRequest) (feed.ReplayStatus, error)
	Stop() feed.ReplayStatus
	SetSpeed(speed float64) feed.ReplayStatus
	Status() feed.ReplayStatus
}

// ReplayHandler drives replays of stored bars.
type ReplayHandler struct {
	replayer ReplayController
	reset    func(ctx context.Context)
	loc      *time.Location
	logger   *slog.Logger
}

// NewReplayHandler creates a ReplayHandler. reset, when set, clears session
// state before a replay that asks for it.
func NewReplayHandler(replayer ReplayController, reset func(ctx context.Context), loc *time.Location, logger *slog.Logger) *ReplayHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &ReplayHandler{replayer: replayer, reset: reset, loc: loc, logger: logHandler(logger, "replay")}
}

type replayStartRequest struct {
	Symbol string  `json:"symbol"`
	From   string  `json:"from"`
	To     string  `json:"to"`
	Speed  float64 `json:"speed"`
	Reset  *bool   `json:"reset"`
}

// Start begins a replay. reset defaults to true.
// POST /api/replay/start
func (h *ReplayHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req replayStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "start replay", err)
		return
	}

	from, err := session.ParseBound(req.From, h.loc, false)
	if err != nil {
		writeDomainError(w, r, h.logger, "start replay", fmt.Errorf("%w: from: %v", domain.ErrInvalidInput, err))
		return
	}
	to, err := session.ParseBound(req.To, h.loc, true)
	if err != nil {
		writeDomainError(w, r, h.logger, "start replay", fmt.Errorf("%w: to: %v", domain.ErrInvalidInput, err))
		return
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	if h.replayer.Status().Running {
		writeDomainError(w, r, h.logger, "start replay", fmt.Errorf("replay: %w", domain.ErrSessionRunning))
		return
	}
	if h.reset != nil && (req.Reset == nil || *req.Reset) {
		h.reset(r.Context())
	}

	status, err := h.replayer.Start(r.Context(), feed.ReplayRequest{
		Symbol: strings.ToUpper(strings.TrimSpace(req.Symbol)),
		From:   from,
		To:     to,
		Speed:  req.Speed,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "start replay", err)
		return
	}
	h.logger.InfoContext(r.Context(), "replay started",
		slog.Int("bars", status.Total),
		slog.Float64("speed", status.Speed),
	)
	writeJSON(w, http.StatusOK, status)
}

// Stop halts the active replay.
// POST /api/replay/stop
func (h *ReplayHandler) Stop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.replayer.Stop())
}

// SetSpeed changes the replay rate.
// POST /api/replay/speed {"speed": 120}
func (h *ReplayHandler) SetSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Speed float64 `json:"speed"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "set replay speed", err)
		return
	}
	if req.Speed <= 0 {
		writeError(w, http.StatusBadRequest, "speed must be > 0")
		return
	}
	writeJSON(w, http.StatusOK, h.replayer.SetSpeed(req.Speed))
}

// GetStatus returns replay progress.
// GET /api/replay/status
func (h *ReplayHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.replayer.Status())
}
