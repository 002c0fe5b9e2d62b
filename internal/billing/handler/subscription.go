package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sproutlyapp/sproutly/internal/billing/access"
	"github.com/sproutlyapp/sproutly/internal/billing/lifecycle"
	"github.com/sproutlyapp/sproutly/internal/billing/model"
	"github.com/sproutlyapp/sproutly/internal/billing/store"
)

type SubscriptionHandler struct {
	service *lifecycle.Service
	access  *store.FeatureAccessStore
	logger  *slog.Logger
}

func NewSubscriptionHandler(service *lifecycle.Service, accessStore *store.FeatureAccessStore, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{service: service, access: accessStore, logger: logger}
}

type startTrialRequest struct {
	Tier model.Tier `json:"tier"`
}

// StartTrial handles POST /api/v1/users/{userID}/trial.
func (h *SubscriptionHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req startTrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tier == "" {
		req.Tier = model.TierStandard
	}

	sub, err := h.service.StartTrial(r.Context(), userID, req.Tier)
	if err != nil {
		h.logger.Warn("start trial", "user", userID, "error", err)
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

type convertRequest struct {
	PlanID       string `json:"plan_id"`
	PaymentToken string `json:"payment_token"`
	Jurisdiction string `json:"jurisdiction"`
}

// Convert handles POST /api/v1/users/{userID}/convert.
func (h *SubscriptionHandler) Convert(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PaymentToken == "" {
		writeError(w, http.StatusBadRequest, "payment_token is required")
		return
	}

	sub, err := h.service.Convert(r.Context(), userID, req.PlanID, req.PaymentToken, req.Jurisdiction)
	if err != nil {
		h.logger.Warn("convert", "user", userID, "plan", req.PlanID, "error", err)
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type changePlanRequest struct {
	PlanID string `json:"plan_id"`
}

// ChangePlan handles POST /api/v1/users/{userID}/plan.
func (h *SubscriptionHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req changePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.service.ChangePlan(r.Context(), userID, req.PlanID)
	if err != nil {
		h.logger.Warn("change plan", "user", userID, "plan", req.PlanID, "error", err)
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

// Cancel handles POST /api/v1/users/{userID}/cancel.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := h.service.Cancel(r.Context(), userID, req.Immediate)
	if err != nil {
		h.logger.Warn("cancel", "user", userID, "error", err)
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type statusResponse struct {
	Subscription *model.Subscription   `json:"subscription"`
	Tier         model.Tier            `json:"tier"`
	Features     []model.FeatureAccess `json:"features"`
}

// Status handles GET /api/v1/users/{userID}/subscription. A user with no
// subscription history gets the free tier, not a 404.
func (h *SubscriptionHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	sub, err := h.service.Status(userID)
	if err != nil {
		h.logger.Error("subscription status", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	features, err := h.access.ListByUser(userID)
	if err != nil {
		h.logger.Error("list feature access", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if features == nil {
		features = access.Project(userID, sub)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Subscription: sub,
		Tier:         access.EffectiveTier(sub),
		Features:     features,
	})
}

// History handles GET /api/v1/users/{userID}/history.
func (h *SubscriptionHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	events, err := h.service.History(userID)
	if err != nil {
		h.logger.Error("subscription history", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []model.SubscriptionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
