package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
	"github.com/sproutlyapp/sproutly/internal/billing/store"
	"github.com/sproutlyapp/sproutly/internal/billing/tax"
)

// Coordinator drives the external processor on behalf of the lifecycle. The
// processor side is at-least-once; the ledger side is exactly-once. Every
// operation carries a deterministic key derived from (subscription, billing
// period, operation type), and a completed ledger record under that key short-
// circuits any replay. Each individual attempt uses its record id as the
// processor idempotency key so reconciling a pending attempt replays the same
// settlement while a fresh attempt after a decline does not collide.
type Coordinator struct {
	processor Processor
	records   *store.BillingRecordStore
	events    *store.WebhookEventStore
	logger    *slog.Logger
	timeout   time.Duration
}

func NewCoordinator(p Processor, records *store.BillingRecordStore, events *store.WebhookEventStore, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		processor: p,
		records:   records,
		events:    events,
		logger:    logger,
		timeout:   CallTimeout,
	}
}

// OperationKey derives the idempotency key for one billing operation.
func OperationKey(subscriptionID int64, periodStart time.Time, op model.TransactionType) string {
	return fmt.Sprintf("sub:%d:%s:%s", subscriptionID, periodStart.UTC().Format("2006-01-02"), op)
}

// ChargeInput describes one charge operation against a subscription.
type ChargeInput struct {
	SubscriptionID  int64
	Type            model.TransactionType
	Breakdown       tax.Breakdown
	Key             string // OperationKey of this operation
	PaymentToken    string
	SubscriptionRef string
	Recurring       bool // transient errors auto-retried for recurring charges only
	Description     string
}

// Charge runs one charge to completion, failure, or pending. The returned
// record's status tells the caller which; ErrPending accompanies a record
// left pending after a processor timeout, ErrDeclined a failed one.
func (c *Coordinator) Charge(ctx context.Context, in ChargeInput) (*model.BillingRecord, string, error) {
	prior, err := c.records.GetByIdempotencyKey(in.Key)
	if err != nil {
		return nil, "", err
	}
	if prior != nil && prior.Status == model.RecordCompleted {
		// Replay of an operation that already settled.
		c.logger.Info("charge replay short-circuited", "key", in.Key, "record", prior.ID)
		return prior, in.SubscriptionRef, nil
	}

	rec := prior
	if rec == nil || rec.Status == model.RecordFailed {
		rec, err = c.records.Insert(&model.BillingRecord{
			ID:             uuid.NewString(),
			SubscriptionID: in.SubscriptionID,
			Type:           in.Type,
			AmountCents:    in.Breakdown.SubtotalCents,
			TaxCents:       in.Breakdown.TaxCents(),
			TotalCents:     in.Breakdown.TotalCents,
			TaxDetail:      marshalTaxDetail(in.Breakdown),
			IdempotencyKey: in.Key,
			Status:         model.RecordPending,
		})
		if err != nil {
			return nil, "", err
		}
	}

	result, err := c.callCharge(ctx, ChargeRequest{
		IdempotencyKey:  rec.ID,
		AmountCents:     rec.TotalCents,
		Currency:        "CAD",
		PaymentToken:    in.PaymentToken,
		SubscriptionRef: in.SubscriptionRef,
		Description:     in.Description,
	}, in.Recurring)
	switch {
	case err == nil:
		if err := c.records.MarkCompleted(rec.ID, result.TransactionID); err != nil {
			return nil, "", err
		}
		rec, err = c.records.GetByID(rec.ID)
		return rec, result.SubscriptionRef, err
	case errors.Is(err, ErrPending):
		// Outcome unknown. The record stays pending; a webhook or retry poll
		// replaying the same record id resolves it.
		c.logger.Warn("charge outcome pending", "record", rec.ID, "error", err)
		return rec, in.SubscriptionRef, err
	default:
		if markErr := c.records.MarkFailed(rec.ID); markErr != nil {
			c.logger.Error("mark charge failed", "record", rec.ID, "error", markErr)
		}
		rec.Status = model.RecordFailed
		return rec, in.SubscriptionRef, err
	}
}

// callCharge bounds the processor call and, for recurring charges only,
// retries transient errors immediately. User-initiated charges surface
// transient errors to the caller untouched.
func (c *Coordinator) callCharge(ctx context.Context, req ChargeRequest, recurring bool) (*ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if !recurring {
		return c.processor.Charge(ctx, req)
	}

	var result *ChargeResult
	backoff := retry.WithMaxRetries(2, retry.NewConstant(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		result, err = c.processor.Charge(ctx, req)
		if errors.Is(err, ErrTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
	return result, err
}

// RefundInput describes one refund operation.
type RefundInput struct {
	SubscriptionID int64
	Key            string
	AmountCents    int64 // total (tax-inclusive) amount to return
	TransactionID  string
	CorrectsID     string // ledger record being reversed
}

// Refund reverses a settled charge. Like Charge, a completed record under
// the operation key makes replays no-ops.
func (c *Coordinator) Refund(ctx context.Context, in RefundInput) (*model.BillingRecord, error) {
	prior, err := c.records.GetByIdempotencyKey(in.Key)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.Status == model.RecordCompleted {
		return prior, nil
	}

	rec := prior
	if rec == nil || rec.Status == model.RecordFailed {
		var corrects *string
		if in.CorrectsID != "" {
			corrects = &in.CorrectsID
		}
		rec, err = c.records.Insert(&model.BillingRecord{
			ID:             uuid.NewString(),
			SubscriptionID: in.SubscriptionID,
			Type:           model.TransactionRefund,
			AmountCents:    -in.AmountCents,
			TotalCents:     -in.AmountCents,
			IdempotencyKey: in.Key,
			Status:         model.RecordPending,
			CorrectsID:     corrects,
		})
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, err := c.processor.Refund(ctx, RefundRequest{
		IdempotencyKey: rec.ID,
		TransactionID:  in.TransactionID,
		AmountCents:    in.AmountCents,
	})
	switch {
	case err == nil:
		if err := c.records.MarkCompleted(rec.ID, result.TransactionID); err != nil {
			return nil, err
		}
		return c.records.GetByID(rec.ID)
	case errors.Is(err, ErrPending):
		c.logger.Warn("refund outcome pending", "record", rec.ID, "error", err)
		return rec, err
	default:
		if markErr := c.records.MarkFailed(rec.ID); markErr != nil {
			c.logger.Error("mark refund failed", "record", rec.ID, "error", markErr)
		}
		rec.Status = model.RecordFailed
		return rec, err
	}
}

// ParseWebhook verifies and normalizes an inbound processor event.
func (c *Coordinator) ParseWebhook(payload []byte, signature string) (*Event, error) {
	return c.processor.ParseWebhook(payload, signature)
}

// Delivered reports whether the event id has already been applied.
// Duplicates are success no-ops, never errors to the processor.
func (c *Coordinator) Delivered(ev *Event) (bool, error) {
	return c.events.Seen(ev.EventID)
}

// MarkDelivered records the event id after the event has been fully applied,
// so a delivery that failed mid-application is retried on redelivery.
func (c *Coordinator) MarkDelivered(ev *Event) error {
	_, err := c.events.MarkProcessed(ev.EventID, ev.Type, ev.SubscriptionRef)
	return err
}

// ResolvePending finalizes a pending billing record once the outcome is
// known from a webhook or retry poll.
func (c *Coordinator) ResolvePending(rec *model.BillingRecord, succeeded bool, txnID string) error {
	if rec.Status != model.RecordPending {
		return nil
	}
	if succeeded {
		return c.records.MarkCompleted(rec.ID, txnID)
	}
	return c.records.MarkFailed(rec.ID)
}

func marshalTaxDetail(b tax.Breakdown) string {
	if len(b.Lines) == 0 {
		return ""
	}
	out, err := json.Marshal(b.Lines)
	if err != nil {
		return ""
	}
	return string(out)
}
