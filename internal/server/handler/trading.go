package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/breakoutsim/internal/risk"
)

// KillSwitchController is the operator surface of risk.Governor.
type KillSwitchController interface {
	SafetyView
	Activate(reason string) risk.KillSwitch
	Clear() risk.KillSwitch
}

// TradingHandler serves the safety limits and the kill switch.
type TradingHandler struct {
	safety KillSwitchController
	equity EquityView
	today  func() string
	onKill func(ctx context.Context, ks risk.KillSwitch)
	logger *slog.Logger
}

// NewTradingHandler creates a TradingHandler. onKill, when set, runs after
// every kill-switch change.
func NewTradingHandler(
	safety KillSwitchController,
	equity EquityView,
	today func() string,
	onKill func(ctx context.Context, ks risk.KillSwitch),
	logger *slog.Logger,
) *TradingHandler {
	return &TradingHandler{
		safety: safety,
		equity: equity,
		today:  today,
		onKill: onKill,
		logger: logHandler(logger, "trading"),
	}
}

func (h *TradingHandler) status() risk.Status {
	date := ""
	if h.today != nil {
		date = h.today()
	}
	return h.safety.Status(h.equity.State(date))
}

// GetLimits returns the remaining daily capacity and the configured caps.
// GET /api/trading/limits
func (h *TradingHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

type killSwitchRequest struct {
	Active *bool  `json:"active"`
	Reason string `json:"reason"`
}

// SetKillSwitch activates the kill switch, or clears it with
// {"active": false}. An empty body activates.
// POST /api/trading/killswitch
func (h *TradingHandler) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "set kill switch", err)
		return
	}

	var ks risk.KillSwitch
	if req.Active == nil || *req.Active {
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "operator"
		}
		ks = h.safety.Activate(reason)
	} else {
		ks = h.safety.Clear()
	}

	h.logger.WarnContext(r.Context(), "kill switch changed",
		slog.Bool("active", ks.Active),
		slog.String("reason", ks.Reason),
	)
	if h.onKill != nil {
		h.onKill(r.Context(), ks)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"kill_switch": ks,
		"status":      h.status(),
	})
}
