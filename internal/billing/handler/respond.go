package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sproutlyapp/sproutly/internal/billing/lifecycle"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// userIDFromPath parses the {userID} path value set by the Go 1.22 router.
func userIDFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// writeLifecycleError maps the state-machine error taxonomy onto HTTP
// statuses. Unknown errors become 500 without leaking internals.
func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyTrialed),
		errors.Is(err, lifecycle.ErrExistingSubscription):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrNoActiveSubscription),
		errors.Is(err, lifecycle.ErrNothingToCancel):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidPlan),
		errors.Is(err, lifecycle.ErrInvalidTier),
		errors.Is(err, lifecycle.ErrInvalidJurisdiction):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lifecycle.ErrPaymentDeclined):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, lifecycle.ErrPaymentPending):
		writeError(w, http.StatusAccepted, err.Error())
	case errors.Is(err, lifecycle.ErrConcurrentModification):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
