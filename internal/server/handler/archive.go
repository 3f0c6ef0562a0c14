package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/pipeline"
	"github.com/alanyoungcy/breakoutsim/internal/session"
)

// ArchiveRunner runs cold-storage archives. pipeline.Archiver implements it.
type ArchiveRunner interface {
	Run(ctx context.Context) (pipeline.ArchiveResult, error)
	RunBefore(ctx context.Context, cutoff time.Time) (pipeline.ArchiveResult, error)
}

// ArchiveLister lists archived objects. s3blob.ArchiveReader implements it.
type ArchiveLister interface {
	Objects(ctx context.Context, kind string) ([]domain.BlobInfo, error)
}

// ArchiveHandler triggers and lists S3 archives.
type ArchiveHandler struct {
	runner ArchiveRunner
	lister ArchiveLister
	loc    *time.Location
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(runner ArchiveRunner, lister ArchiveLister, loc *time.Location, logger *slog.Logger) *ArchiveHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &ArchiveHandler{runner: runner, lister: lister, loc: loc, logger: logHandler(logger, "archive")}
}

// Run archives records older than "before", or older than the retention
// window when the body is empty.
// POST /api/archive
func (h *ArchiveHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Before string `json:"before"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "run archive", err)
		return
	}

	var (
		res pipeline.ArchiveResult
		err error
	)
	if req.Before == "" {
		res, err = h.runner.Run(r.Context())
	} else {
		cutoff, perr := session.ParseBound(req.Before, h.loc, false)
		if perr != nil {
			writeDomainError(w, r, h.logger, "run archive", fmt.Errorf("%w: before: %v", domain.ErrInvalidInput, perr))
			return
		}
		res, err = h.runner.RunBefore(r.Context(), cutoff)
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "run archive", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// List returns archived objects of one kind.
// GET /api/archive?kind=bars|trades
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "bars"
	}
	if kind != "bars" && kind != "trades" {
		writeError(w, http.StatusBadRequest, "kind must be bars or trades")
		return
	}
	objects, err := h.lister.Objects(r.Context(), kind)
	if err != nil {
		writeDomainError(w, r, h.logger, "list archive", err)
		return
	}
	if objects == nil {
		objects = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "objects": objects})
}
