package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/store"
	"github.com/sproutlyapp/sproutly/internal/billing/tax"
)

type TaxHandler struct {
	engine *tax.Engine
	rates  *store.TaxRateStore
	logger *slog.Logger
}

func NewTaxHandler(engine *tax.Engine, rates *store.TaxRateStore, logger *slog.Logger) *TaxHandler {
	return &TaxHandler{engine: engine, rates: rates, logger: logger}
}

type calculateRequest struct {
	AmountCents  int64  `json:"amount_cents"`
	Jurisdiction string `json:"jurisdiction"`
	AsOf         string `json:"as_of,omitempty"` // RFC 3339; defaults to now
}

// Calculate handles POST /api/v1/tax/calculate. Quotes the tax breakdown
// for an arbitrary amount so the app can show a total before charging.
func (h *TaxHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	asOf := time.Now().UTC()
	if req.AsOf != "" {
		t, err := time.Parse(time.RFC3339, req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "as_of must be RFC 3339")
			return
		}
		asOf = t
	}

	breakdown, err := h.engine.Calculate(req.AmountCents, req.Jurisdiction, asOf)
	if err != nil {
		if errors.Is(err, tax.ErrUnknownJurisdiction) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("tax calculate", "jurisdiction", req.Jurisdiction, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// Jurisdictions handles GET /api/v1/tax/jurisdictions.
func (h *TaxHandler) Jurisdictions(w http.ResponseWriter, r *http.Request) {
	codes, err := h.rates.Jurisdictions()
	if err != nil {
		h.logger.Error("list jurisdictions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"jurisdictions": codes})
}
