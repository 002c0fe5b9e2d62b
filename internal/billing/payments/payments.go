package payments

import (
	"context"
	"errors"
	"time"
)

// Typed processor outcomes. Declines are permanent for a given card;
// transient errors may be retried for recurring charges only.
var (
	// ErrDeclined means the card issuer refused the charge.
	ErrDeclined = errors.New("payment declined")
	// ErrTransient means the processor had a temporary problem and the same
	// request may succeed if replayed with the same idempotency key.
	ErrTransient = errors.New("transient processor error")
	// ErrPending means the processor call timed out before resolving. The
	// charge may still settle; the outcome is only known once a webhook
	// arrives or a retry poll replays the idempotency key.
	ErrPending = errors.New("charge outcome pending")
	// ErrUnhandledEvent means the webhook verified but its type is not one
	// the lifecycle acts on. Callers acknowledge it to stop redelivery.
	ErrUnhandledEvent = errors.New("unhandled webhook event type")
)

// Event types delivered by the processor webhook.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
	EventRefundSucceeded = "refund.succeeded"
)

// Event is a processor webhook event normalized to the shapes the lifecycle
// understands. Delivery is at-least-once; EventID is the dedup key.
type Event struct {
	EventID         string `json:"event_id"`
	Type            string `json:"type"`
	SubscriptionRef string `json:"subscription_ref"`
	AmountCents     int64  `json:"amount_cents"`
	TransactionID   string `json:"transaction_id"`
}

// ChargeRequest is one outbound charge. IdempotencyKey is caller-generated
// and deterministic, so the processor collapses replays into one settlement.
type ChargeRequest struct {
	IdempotencyKey  string
	AmountCents     int64 // tax-inclusive total
	Currency        string
	PaymentToken    string // tokenized card for a first charge
	SubscriptionRef string // processor subscription ref for recurring charges
	Description     string
}

// ChargeResult is the processor's answer to a resolved charge.
type ChargeResult struct {
	TransactionID   string
	SubscriptionRef string // assigned by the processor on first charge
}

// RefundRequest reverses a settled charge, in full or in part.
type RefundRequest struct {
	IdempotencyKey string
	TransactionID  string
	AmountCents    int64
}

type RefundResult struct {
	TransactionID string
}

// Processor is the external payment collaborator. Implementations must
// honor ctx deadlines; the coordinator bounds every call.
type Processor interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// ParseWebhook verifies the payload signature and normalizes the event.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// CallTimeout bounds any single processor call. A timeout is not a failure:
// the subscription stays pending until reconciliation.
const CallTimeout = 10 * time.Second
