package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sproutlyapp/sproutly/internal/billing/trialvalue"
)

type TrialHandler struct {
	tracker *trialvalue.Tracker
	logger  *slog.Logger
}

func NewTrialHandler(tracker *trialvalue.Tracker, logger *slog.Logger) *TrialHandler {
	return &TrialHandler{tracker: tracker, logger: logger}
}

// RecordUsage handles POST /api/v1/users/{userID}/trial/usage.
func (h *TrialHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var ev trialvalue.UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tp, err := h.tracker.Record(userID, ev)
	switch {
	case errors.Is(err, trialvalue.ErrNoActiveTrial):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, trialvalue.ErrTrialFrozen):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("record trial usage", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

// Progress handles GET /api/v1/users/{userID}/trial.
func (h *TrialHandler) Progress(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	tp, err := h.tracker.Progress(userID)
	if err != nil {
		h.logger.Error("trial progress", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if tp == nil {
		writeError(w, http.StatusNotFound, "no trial for user")
		return
	}
	writeJSON(w, http.StatusOK, tp)
}
