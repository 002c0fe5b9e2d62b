package handler

import (
	"log/slog"
	"net/http"

	"github.com/sproutlyapp/sproutly/internal/billing/archive"
)

// OpsHandler exposes operational endpoints for the ledger archive.
type OpsHandler struct {
	archiver *archive.Archiver
	logger   *slog.Logger
}

func NewOpsHandler(archiver *archive.Archiver, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{archiver: archiver, logger: logger}
}

// ArchiveStatus handles GET /api/v1/ops/archive.
func (h *OpsHandler) ArchiveStatus(w http.ResponseWriter, r *http.Request) {
	run, err := h.archiver.Status()
	if err != nil {
		h.logger.Error("archive status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":    h.archiver.Enabled(),
		"latest_run": run,
	})
}

// RunArchive handles POST /api/v1/ops/archive.
func (h *OpsHandler) RunArchive(w http.ResponseWriter, r *http.Request) {
	if !h.archiver.Enabled() {
		writeError(w, http.StatusConflict, "archive storage not configured")
		return
	}
	if err := h.archiver.RunOnce(r.Context()); err != nil {
		h.logger.Error("run archive", "error", err)
		writeError(w, http.StatusInternalServerError, "archive run failed")
		return
	}
	run, err := h.archiver.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
