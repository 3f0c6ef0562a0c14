package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// FeedController is the operator surface of feed.Monitor.
type FeedController interface {
	Status() domain.FeedSession
	Reset()
}

// FeedHandler serves feed health endpoints.
type FeedHandler struct {
	feed   FeedController
	logger *slog.Logger
}

// NewFeedHandler creates a FeedHandler. feed may be nil when no live feed
// is configured.
func NewFeedHandler(feed FeedController, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{feed: feed, logger: logHandler(logger, "feed")}
}

// GetStatus returns the feed session.
// GET /api/feed/status
func (h *FeedHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusOK, domain.FeedSession{State: domain.FeedStateIdle, InvalidSymbols: []string{}})
		return
	}
	writeJSON(w, http.StatusOK, h.feed.Status())
}

// Reset re-arms a failed feed session.
// POST /api/feed/reset
func (h *FeedHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeError(w, http.StatusConflict, "no live feed configured")
		return
	}
	h.feed.Reset()
	h.logger.InfoContext(r.Context(), "feed session reset")
	writeJSON(w, http.StatusOK, h.feed.Status())
}
