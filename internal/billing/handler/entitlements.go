package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sproutlyapp/sproutly/internal/billing/access"
	"github.com/sproutlyapp/sproutly/internal/billing/lifecycle"
)

// EntitlementHandler mints short-lived signed tokens carrying a user's tier
// and feature set, so app backends can authorize requests without calling
// back here on every one.
type EntitlementHandler struct {
	service *lifecycle.Service
	minter  *access.Minter
	logger  *slog.Logger
}

func NewEntitlementHandler(service *lifecycle.Service, minter *access.Minter, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{service: service, minter: minter, logger: logger}
}

// IssueToken handles POST /api/v1/users/{userID}/entitlements/token.
func (h *EntitlementHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	sub, err := h.service.Status(userID)
	if err != nil {
		h.logger.Error("entitlement status", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	tier := access.EffectiveTier(sub)
	token, err := h.minter.Issue(userID, tier, access.FeaturesFor(tier))
	if err != nil {
		h.logger.Error("mint entitlement token", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type verifyTokenRequest struct {
	Token string `json:"token"`
}

// VerifyToken handles POST /api/v1/entitlements/verify. Mostly for app
// backends without the shared secret wired in yet.
func (h *EntitlementHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	claims, err := h.minter.Verify(req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, claims)
}
