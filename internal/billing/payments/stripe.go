package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig configures the Stripe-backed processor.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// StripeProcessor implements Processor over Stripe PaymentIntents.
type StripeProcessor struct {
	cfg StripeConfig
}

func NewStripeProcessor(cfg StripeConfig) *StripeProcessor {
	stripe.Key = cfg.SecretKey
	return &StripeProcessor{cfg: cfg}
}

func (p *StripeProcessor) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(req.IdempotencyKey),
		},
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Confirm:     stripe.Bool(true),
		Description: stripe.String(req.Description),
	}
	if req.PaymentToken != "" {
		params.PaymentMethod = stripe.String(req.PaymentToken)
	} else {
		// Recurring charge against the stored instrument.
		params.OffSession = stripe.Bool(true)
	}
	if req.SubscriptionRef != "" {
		params.AddMetadata("subscription_ref", req.SubscriptionRef)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, mapStripeError(ctx, err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: intent status %s", ErrDeclined, pi.Status)
	}

	ref := req.SubscriptionRef
	if ref == "" {
		// First charge: the intent id becomes the subscription's processor ref.
		ref = pi.ID
	}
	return &ChargeResult{TransactionID: pi.ID, SubscriptionRef: ref}, nil
}

func (p *StripeProcessor) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	params := &stripe.RefundParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(req.IdempotencyKey),
		},
		PaymentIntent: stripe.String(req.TransactionID),
		Amount:        stripe.Int64(req.AmountCents),
	}
	r, err := refund.New(params)
	if err != nil {
		return nil, mapStripeError(ctx, err)
	}
	return &RefundResult{TransactionID: r.ID}, nil
}

// ParseWebhook verifies the Stripe signature and normalizes the event into
// the generic shape the lifecycle consumes.
func (p *StripeProcessor) ParseWebhook(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, signature, p.cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}

	out := &Event{EventID: ev.ID}
	switch ev.Type {
	case "payment_intent.succeeded":
		out.Type = EventChargeSucceeded
	case "payment_intent.payment_failed":
		out.Type = EventChargeFailed
	case "refund.created", "charge.refunded":
		out.Type = EventRefundSucceeded
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.Type)
	}

	obj := ev.Data.Object
	if id, ok := obj["id"].(string); ok {
		out.TransactionID = id
	}
	if amount, ok := obj["amount"].(float64); ok {
		out.AmountCents = int64(amount)
	}
	if meta, ok := obj["metadata"].(map[string]any); ok {
		if ref, ok := meta["subscription_ref"].(string); ok {
			out.SubscriptionRef = ref
		}
	}
	if out.SubscriptionRef == "" {
		out.SubscriptionRef = out.TransactionID
	}
	return out, nil
}

// mapStripeError folds Stripe's error taxonomy into ours. Card errors are
// permanent declines; API and rate-limit errors are transient; a ctx
// deadline means the outcome is unknown, not failed.
func mapStripeError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrPending, err)
	}
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch sErr.Type {
		case stripe.ErrorTypeCard:
			return fmt.Errorf("%w: %s", ErrDeclined, sErr.Code)
		case stripe.ErrorTypeAPI:
			return fmt.Errorf("%w: %s", ErrTransient, sErr.Code)
		}
	}
	return fmt.Errorf("processor call: %w", err)
}
