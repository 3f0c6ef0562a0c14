package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/broadcast"
	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/feed"
	"github.com/alanyoungcy/breakoutsim/internal/pipeline"
	"github.com/alanyoungcy/breakoutsim/internal/risk"
)

// PipelineView is the read side of pipeline.Pipeline.
type PipelineView interface {
	HasData() bool
	Stats() pipeline.Stats
	InputErrors() []pipeline.InputError
}

// FeedView reports feed health. feed.Monitor implements it.
type FeedView interface {
	Status() domain.FeedSession
}

// SafetyView reports the governor. risk.Governor implements it.
type SafetyView interface {
	Status(state domain.EquityState) risk.Status
}

// EquityView reports ledger state. ledger.Ledger implements it.
type EquityView interface {
	State(date string) domain.EquityState
}

// ReplayView reports replay progress. feed.Replayer implements it.
type ReplayView interface {
	Status() feed.ReplayStatus
}

// HubView reports fan-out counters. broadcast.Hub implements it.
type HubView interface {
	Stats() broadcast.Stats
}

// StatusDeps bundles what the status snapshot reads. Feed, Replay and Hub
// may be nil.
type StatusDeps struct {
	Mode     string
	Pipeline PipelineView
	Feed     FeedView
	Safety   SafetyView
	Equity   EquityView
	Replay   ReplayView
	Hub      HubView
	// Today returns the trading date the counters refer to.
	Today     func() string
	StartedAt time.Time
}

// Status is the dashboard snapshot.
type Status struct {
	State         string                `json:"state"`
	Mode          string                `json:"mode"`
	Date          string                `json:"date"`
	Equity        domain.EquityState    `json:"equity"`
	Replay        feed.ReplayStatus     `json:"replay"`
	Feed          domain.FeedSession    `json:"feed"`
	Safety        risk.Status           `json:"safety"`
	KillSwitch    bool                  `json:"kill_switch"`
	Pipeline      pipeline.Stats        `json:"pipeline"`
	InputErrors   []pipeline.InputError `json:"input_errors"`
	Broadcast     broadcast.Stats       `json:"broadcast"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
}

// StatusHandler serves the dashboard status.
type StatusHandler struct {
	deps StatusDeps
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(deps StatusDeps) *StatusHandler {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now().UTC()
	}
	return &StatusHandler{deps: deps}
}

// Snapshot builds the current status. The websocket hub sends it to new
// clients.
func (h *StatusHandler) Snapshot() Status {
	d := h.deps
	date := ""
	if d.Today != nil {
		date = d.Today()
	}
	state := d.Equity.State(date)
	safety := d.Safety.Status(state)

	s := Status{
		Mode:          d.Mode,
		Date:          date,
		Equity:        state,
		Replay:        feed.ReplayStatus{Mode: feed.ModeIdle},
		Feed:          domain.FeedSession{State: domain.FeedStateIdle, InvalidSymbols: []string{}},
		Safety:        safety,
		KillSwitch:    safety.KillSwitch.Active,
		Pipeline:      d.Pipeline.Stats(),
		InputErrors:   d.Pipeline.InputErrors(),
		UptimeSeconds: max(int64(time.Since(d.StartedAt).Seconds()), 0),
	}
	if d.Replay != nil {
		s.Replay = d.Replay.Status()
	}
	if d.Feed != nil {
		s.Feed = d.Feed.Status()
	}
	if d.Hub != nil {
		s.Broadcast = d.Hub.Stats()
	}
	if s.InputErrors == nil {
		s.InputErrors = []pipeline.InputError{}
	}
	s.State = pipeline.DashboardState(d.Pipeline.HasData(), s.Feed.State, s.KillSwitch)
	return s
}

// GetStatus responds with the dashboard snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}
