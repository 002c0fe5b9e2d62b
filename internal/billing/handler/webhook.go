package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sproutlyapp/sproutly/internal/billing/lifecycle"
	"github.com/sproutlyapp/sproutly/internal/billing/payments"
)

type WebhookHandler struct {
	coordinator *payments.Coordinator
	service     *lifecycle.Service
	logger      *slog.Logger
}

func NewWebhookHandler(coordinator *payments.Coordinator, service *lifecycle.Service, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{coordinator: coordinator, service: service, logger: logger}
}

// HandleProcessorWebhook handles POST /webhooks/payments. Signature
// verification failures are 400s; everything after a verified parse is
// acknowledged with 200 so the processor does not redeliver events we have
// already recorded, and 500 only when our own persistence failed.
func (h *WebhookHandler) HandleProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	ev, err := h.coordinator.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrUnhandledEvent) {
			// Verified but not a type we act on.
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Warn("webhook rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if err := h.service.HandleProcessorEvent(r.Context(), ev); err != nil {
		h.logger.Error("apply webhook", "event", ev.EventID, "type", ev.Type, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
