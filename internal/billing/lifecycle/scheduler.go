package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
	"github.com/sproutlyapp/sproutly/internal/billing/payments"
	"github.com/sproutlyapp/sproutly/internal/billing/store"
)

// Scheduler drives the time-based transitions: trial expiry, scheduled
// cancellations, renewals, payment retries, and grace expiry. One tick runs
// every sweep; each sweep re-reads its subjects under the per-user lock, so
// a tick racing a user request loses cleanly.
type Scheduler struct {
	mu       sync.RWMutex
	service  *Service
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(svc *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{service: svc, interval: interval}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.service.Tick(ctx)
			}
		}
	}()
}

// Stop gracefully stops the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Tick runs every sweep once. Exported so tests and operational tooling can
// run a sweep without the loop.
func (s *Service) Tick(ctx context.Context) {
	now := s.now()
	s.sweepExpiredTrials(now)
	s.sweepScheduledCancels(now)
	s.sweepRenewals(ctx, now)
	s.sweepPaymentRetries(ctx, now)
	s.sweepGraceExpired(now)
}

// sweepExpiredTrials moves trials past their window to expired_no_conversion.
// The state is not terminal; the user can still purchase a plan.
func (s *Service) sweepExpiredTrials(now time.Time) {
	subs, err := s.subs.ListTrialsExpired(now)
	if err != nil {
		s.logger.Error("list expired trials", "error", err)
		return
	}
	for _, sub := range subs {
		s.expireTrial(sub.ID)
	}
}

func (s *Service) expireTrial(subscriptionID int64) {
	sub, err := s.subs.GetByID(subscriptionID)
	if err != nil || sub == nil {
		return
	}

	unlock := s.locks.acquire(sub.UserID)
	defer unlock()

	sub, err = s.subs.GetByID(subscriptionID)
	if err != nil || sub == nil || sub.Status != model.StatusTrialing {
		return
	}
	if sub.TrialEnd == nil || sub.TrialEnd.After(s.now()) {
		return
	}
	// A trial with a scheduled cancellation ends as canceled, not expired;
	// the cancel sweep owns that transition.
	if sub.CancelAt != nil {
		return
	}

	sub.Status = model.StatusExpired
	updated, err := s.update(sub)
	if err != nil {
		s.logger.Error("expire trial", "subscription", sub.ID, "error", err)
		return
	}
	s.recordTransition(updated, model.StatusTrialing, model.StatusExpired, "trial expired without conversion")
	s.syncAndPublish(updated.UserID, updated)
}

// sweepScheduledCancels finalizes period-end cancellations that have come due.
func (s *Service) sweepScheduledCancels(now time.Time) {
	subs, err := s.subs.ListCancelDue(now)
	if err != nil {
		s.logger.Error("list scheduled cancels", "error", err)
		return
	}
	for _, sub := range subs {
		unlock := s.locks.acquire(sub.UserID)
		cur, err := s.subs.GetByID(sub.ID)
		if err == nil && cur != nil && cur.Status.Granting() &&
			cur.CancelAt != nil && !cur.CancelAt.After(now) {
			if _, err := s.finalizeCancel(cur, now, "scheduled cancellation"); err != nil {
				s.logger.Error("finalize scheduled cancel", "subscription", cur.ID, "error", err)
			}
		}
		unlock()
	}
}

// sweepRenewals charges the next period for active subscriptions whose
// period has ended.
func (s *Service) sweepRenewals(ctx context.Context, now time.Time) {
	subs, err := s.subs.ListRenewalsDue(now)
	if err != nil {
		s.logger.Error("list renewals due", "error", err)
		return
	}
	for _, sub := range subs {
		if err := s.renew(ctx, sub.ID); err != nil {
			s.logger.Error("renew subscription", "subscription", sub.ID, "error", err)
		}
	}
}

func (s *Service) renew(ctx context.Context, subscriptionID int64) error {
	sub, err := s.subs.GetByID(subscriptionID)
	if err != nil || sub == nil {
		return err
	}

	unlock := s.locks.acquire(sub.UserID)
	defer unlock()

	now := s.now()
	sub, err = s.subs.GetByID(subscriptionID)
	if err != nil || sub == nil {
		return err
	}
	if sub.Status != model.StatusActive || sub.CancelAt != nil || sub.PeriodEnd.After(now) {
		return nil
	}

	plan, err := model.PlanFor(sub.Tier, sub.Interval)
	if err != nil {
		return err
	}
	breakdown, err := s.taxes.Calculate(plan.PriceCents, sub.Jurisdiction, now)
	if err != nil {
		// An unresolvable jurisdiction halts the renewal rather than
		// guessing a tax amount. The subscription stays active and the
		// sweep will retry after the rates are fixed.
		return fmt.Errorf("renewal tax for subscription %d: %w", sub.ID, err)
	}

	// Downgrade credit accrued mid-cycle offsets the renewal total.
	consumed, err := s.applyProrationCredit(sub, breakdown.TotalCents, now)
	if err != nil {
		return err
	}
	breakdown.TotalCents -= consumed

	newStart := sub.PeriodEnd
	if breakdown.TotalCents <= 0 {
		// Credit covered the whole renewal; settle internally.
		_, err = s.records.Insert(&model.BillingRecord{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			Type:           model.TransactionCharge,
			AmountCents:    breakdown.SubtotalCents,
			TaxCents:       breakdown.TaxCents(),
			TotalCents:     0,
			TaxDetail:      "",
			IdempotencyKey: payments.OperationKey(sub.ID, newStart, model.TransactionCharge),
			Status:         model.RecordCompleted,
		})
		if err != nil {
			return err
		}
		return s.advancePeriod(sub, plan, newStart, "renewed on credit")
	}

	ref := processorRef(sub.ID)
	if sub.ProcessorRef != nil {
		ref = *sub.ProcessorRef
	}
	_, _, err = s.coordinator.Charge(ctx, payments.ChargeInput{
		SubscriptionID:  sub.ID,
		Type:            model.TransactionCharge,
		Breakdown:       breakdown,
		Key:             payments.OperationKey(sub.ID, newStart, model.TransactionCharge),
		SubscriptionRef: ref,
		Recurring:       true,
		Description:     "Sproutly renewal " + plan.ID,
	})
	switch {
	case errors.Is(err, payments.ErrPending):
		// Leave the period untouched; the webhook settles it and the next
		// sweep replays the same attempt.
		return nil
	case err != nil:
		return s.markPastDue(sub)
	}
	return s.advancePeriod(sub, plan, newStart, "renewed")
}

// applyProrationCredit consumes outstanding downgrade credit up to the
// renewal total. The balance is the sum of proration record totals; a
// consuming record zeroes what was applied, keeping the ledger append-only.
func (s *Service) applyProrationCredit(sub *model.Subscription, totalCents int64, now time.Time) (int64, error) {
	recs, err := s.records.ListBySubscription(sub.ID)
	if err != nil {
		return 0, err
	}
	var balance int64
	for _, rec := range recs {
		if rec.Type == model.TransactionProration && rec.Status == model.RecordCompleted {
			balance += rec.TotalCents
		}
	}
	if balance >= 0 {
		return 0, nil
	}
	consumed := min(-balance, totalCents)
	if consumed == 0 {
		return 0, nil
	}
	_, err = s.records.Insert(&model.BillingRecord{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Type:           model.TransactionProration,
		AmountCents:    consumed,
		TotalCents:     consumed,
		IdempotencyKey: fmt.Sprintf("sub:%d:%s:credit-applied", sub.ID, now.UTC().Format("2006-01-02")),
		Status:         model.RecordCompleted,
	})
	if err != nil {
		return 0, err
	}
	return consumed, nil
}

func (s *Service) advancePeriod(sub *model.Subscription, plan model.Plan, newStart time.Time, reason string) error {
	sub.PeriodStart = newStart
	sub.PeriodEnd = newStart.AddDate(0, 0, plan.PeriodDays())
	// Cooling-off applies to the initial purchase only.
	sub.CoolingOffDeadline = nil
	updated, err := s.update(sub)
	if err != nil {
		return err
	}
	s.recordTransition(updated, model.StatusActive, model.StatusActive, reason)
	return nil
}

// sweepPaymentRetries runs the dunning schedule for past_due subscriptions.
func (s *Service) sweepPaymentRetries(ctx context.Context, now time.Time) {
	due, err := s.retries.ListDue(now)
	if err != nil {
		s.logger.Error("list due payment retries", "error", err)
		return
	}
	for _, retry := range due {
		if err := s.retryPayment(ctx, retry); err != nil {
			s.logger.Error("payment retry", "subscription", retry.SubscriptionID, "error", err)
		}
	}
}

func (s *Service) retryPayment(ctx context.Context, retry *store.PaymentRetry) error {
	sub, err := s.subs.GetByID(retry.SubscriptionID)
	if err != nil || sub == nil {
		return err
	}

	unlock := s.locks.acquire(sub.UserID)
	defer unlock()

	now := s.now()
	sub, err = s.subs.GetByID(retry.SubscriptionID)
	if err != nil || sub == nil {
		return err
	}
	if sub.Status != model.StatusPastDue {
		return s.retries.Delete(sub.ID)
	}

	plan, err := model.PlanFor(sub.Tier, sub.Interval)
	if err != nil {
		return err
	}
	breakdown, err := s.taxes.Calculate(plan.PriceCents, sub.Jurisdiction, now)
	if err != nil {
		return err
	}

	ref := processorRef(sub.ID)
	if sub.ProcessorRef != nil {
		ref = *sub.ProcessorRef
	}
	// The failed renewal was for the period starting at the current period
	// end, so the retry shares its operation key with the original attempt.
	_, _, err = s.coordinator.Charge(ctx, payments.ChargeInput{
		SubscriptionID:  sub.ID,
		Type:            model.TransactionCharge,
		Breakdown:       breakdown,
		Key:             payments.OperationKey(sub.ID, sub.PeriodEnd, model.TransactionCharge),
		SubscriptionRef: ref,
		Recurring:       true,
		Description:     "Sproutly renewal " + plan.ID,
	})
	switch {
	case err == nil:
		newStart := sub.PeriodEnd
		if _, err := s.recoverFromPastDue(sub, "recovery charge succeeded"); err != nil {
			return err
		}
		cur, err := s.subs.GetByID(sub.ID)
		if err != nil || cur == nil {
			return err
		}
		return s.advancePeriod(cur, plan, newStart, "renewed after recovery")
	case errors.Is(err, payments.ErrPending):
		return nil
	default:
		attempts := retry.Attempts + 1
		if attempts >= maxRecoveryAttempts {
			// Out of retries; grace expiry decides the rest.
			return s.retries.Delete(sub.ID)
		}
		next := now.Add(24 * time.Hour)
		return s.retries.Upsert(sub.ID, attempts, &next, err.Error())
	}
}

// sweepGraceExpired cancels past_due subscriptions whose grace window has
// closed without a successful recovery payment.
func (s *Service) sweepGraceExpired(now time.Time) {
	subs, err := s.subs.ListGraceExpired(now)
	if err != nil {
		s.logger.Error("list grace expired", "error", err)
		return
	}
	for _, sub := range subs {
		unlock := s.locks.acquire(sub.UserID)
		cur, err := s.subs.GetByID(sub.ID)
		if err == nil && cur != nil && cur.Status == model.StatusPastDue &&
			cur.GraceDeadline != nil && !cur.GraceDeadline.After(now) {
			if _, err := s.finalizeCancel(cur, now, "grace period expired"); err != nil {
				s.logger.Error("cancel after grace", "subscription", cur.ID, "error", err)
			} else if s.mailer != nil {
				if err := s.mailer.SendSubscriptionEnded(cur.UserID); err != nil {
					s.logger.Error("send subscription ended email", "user", cur.UserID, "error", err)
				}
			}
		}
		unlock()
	}
}
