package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
	"github.com/sproutlyapp/sproutly/internal/billing/payments"
)

// HandleProcessorEvent applies one verified processor webhook. Deliveries
// are at-least-once and unordered; every path here is idempotent, and an
// event that references nothing we know is acknowledged and dropped rather
// than bounced back for redelivery.
func (s *Service) HandleProcessorEvent(ctx context.Context, ev *payments.Event) error {
	seen, err := s.coordinator.Delivered(ev)
	if err != nil {
		return err
	}
	if seen {
		s.logger.Info("duplicate webhook ignored", "event", ev.EventID)
		return nil
	}

	sub, err := s.subscriptionByRef(ev.SubscriptionRef)
	if err != nil {
		return err
	}
	if sub == nil {
		s.logger.Warn("webhook for unknown subscription", "event", ev.EventID, "ref", ev.SubscriptionRef)
		return s.coordinator.MarkDelivered(ev)
	}

	unlock := s.locks.acquire(sub.UserID)
	defer unlock()

	// Re-read under the lock.
	sub, err = s.subs.GetByID(sub.ID)
	if err != nil {
		return err
	}

	switch ev.Type {
	case payments.EventChargeSucceeded:
		err = s.applyChargeSucceeded(sub, ev)
	case payments.EventChargeFailed:
		err = s.applyChargeFailed(sub)
	case payments.EventRefundSucceeded:
		err = s.resolvePendingOfType(sub, model.TransactionRefund, true, ev.TransactionID)
	default:
		s.logger.Info("webhook type ignored", "event", ev.EventID, "type", ev.Type)
	}
	if err != nil {
		return err
	}
	// The delivery is recorded only after the event applied cleanly, so a
	// delivery that failed mid-application is retried when redelivered.
	return s.coordinator.MarkDelivered(ev)
}

// applyChargeSucceeded settles any pending charge and finishes whatever
// transition that charge was for. The target of a conversion or plan change
// is read from the plan staged on the row when the charge was dispatched, not
// inferred from the row's current tier. A charge that already settled
// synchronously leaves nothing pending and nothing staged, and the event
// degrades to a no-op.
func (s *Service) applyChargeSucceeded(sub *model.Subscription, ev *payments.Event) error {
	rec, err := s.resolvePendingCharge(sub, true, ev.TransactionID)
	if err != nil {
		return err
	}
	if rec == nil && sub.PendingPlanID == nil {
		return nil
	}

	now := s.now()
	switch {
	case sub.PendingPlanID != nil && sub.Status == model.StatusActive:
		return s.applyStagedPlanChange(sub)
	case sub.PendingPlanID != nil:
		// A conversion charge, from a trial or a direct purchase, has
		// settled; activate the plan the user requested.
		plan, jurisdiction, err := s.stagedPlan(sub)
		if err != nil {
			return err
		}
		_, err = s.activate(sub, plan, jurisdiction, processorRef(sub.ID), now)
		return err
	case rec != nil && rec.Type == model.TransactionCharge && sub.Status == model.StatusPastDue:
		_, err := s.recoverFromPastDue(sub, "recovery charge settled")
		return err
	default:
		return nil
	}
}

// applyChargeFailed resolves the pending charge the failure is for. Only a
// failed recurring renewal charge degrades an active subscription; a trailing
// failure event with nothing pending, such as the webhook echo of a charge
// already declined synchronously, changes nothing.
func (s *Service) applyChargeFailed(sub *model.Subscription) error {
	rec, err := s.resolvePendingCharge(sub, false, "")
	if err != nil {
		return err
	}
	if sub.PendingPlanID != nil {
		// The staged conversion or plan change failed; the row keeps its
		// prior state.
		s.clearStagedPlan(sub)
		return nil
	}
	if rec == nil {
		return nil
	}
	if rec.Type == model.TransactionCharge && sub.Status == model.StatusActive {
		// Held lock is per user and reentrant acquisition would deadlock, so
		// the transition is applied inline rather than via HandlePaymentFailure.
		return s.markPastDue(sub)
	}
	return nil
}

// stagedPlan resolves the plan and jurisdiction that were staged on the row
// before its charge was dispatched.
func (s *Service) stagedPlan(sub *model.Subscription) (model.Plan, string, error) {
	plan, err := model.PlanByID(*sub.PendingPlanID)
	if err != nil {
		return model.Plan{}, "", fmt.Errorf("staged plan for subscription %d: %w", sub.ID, err)
	}
	jurisdiction := sub.Jurisdiction
	if sub.PendingJurisdiction != nil {
		jurisdiction = *sub.PendingJurisdiction
	}
	return plan, jurisdiction, nil
}

// applyStagedPlanChange finishes a plan change whose proration charge settled
// asynchronously.
func (s *Service) applyStagedPlanChange(sub *model.Subscription) error {
	plan, _, err := s.stagedPlan(sub)
	if err != nil {
		return err
	}
	sub.Tier = plan.Tier
	sub.Interval = plan.Interval
	sub.PendingPlanID = nil
	sub.PendingJurisdiction = nil
	updated, err := s.update(sub)
	if err != nil {
		return err
	}
	s.recordTransition(updated, model.StatusActive, model.StatusActive, "plan changed to "+plan.ID)
	s.syncAndPublish(updated.UserID, updated)
	return nil
}

// resolvePendingCharge finalizes the oldest pending charge or proration
// record, returning it, or nil when nothing was pending.
func (s *Service) resolvePendingCharge(sub *model.Subscription, succeeded bool, txnID string) (*model.BillingRecord, error) {
	pending, err := s.records.ListPendingBySubscription(sub.ID)
	if err != nil {
		return nil, err
	}
	for _, rec := range pending {
		if rec.Type != model.TransactionCharge && rec.Type != model.TransactionProration {
			continue
		}
		if err := s.coordinator.ResolvePending(rec, succeeded, txnID); err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, nil
}

func (s *Service) resolvePendingOfType(sub *model.Subscription, t model.TransactionType, succeeded bool, txnID string) error {
	pending, err := s.records.ListPendingBySubscription(sub.ID)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if rec.Type != t {
			continue
		}
		return s.coordinator.ResolvePending(rec, succeeded, txnID)
	}
	return nil
}

// markPastDue is HandlePaymentFailure's transition with the user lock
// already held.
func (s *Service) markPastDue(sub *model.Subscription) error {
	now := s.now()
	deadline := now.Add(GraceDays * 24 * time.Hour)
	sub.Status = model.StatusPastDue
	sub.GraceDeadline = &deadline
	updated, err := s.update(sub)
	if err != nil {
		return err
	}
	next := now.Add(24 * time.Hour)
	if err := s.retries.Upsert(sub.ID, 1, &next, "recurring charge failed"); err != nil {
		s.logger.Error("schedule payment retry", "subscription", sub.ID, "error", err)
	}
	s.recordTransition(updated, model.StatusActive, model.StatusPastDue, "recurring charge failed")
	s.syncAndPublish(updated.UserID, updated)
	if s.mailer != nil {
		if err := s.mailer.SendPaymentFailed(updated.UserID, deadline); err != nil {
			s.logger.Error("send payment failed email", "user", updated.UserID, "error", err)
		}
	}
	return nil
}

// recoverFromPastDue restores full active status after a successful
// recovery payment and clears the retry schedule.
func (s *Service) recoverFromPastDue(sub *model.Subscription, reason string) (*model.Subscription, error) {
	sub.Status = model.StatusActive
	sub.GraceDeadline = nil
	updated, err := s.update(sub)
	if err != nil {
		return nil, err
	}
	if err := s.retries.Delete(sub.ID); err != nil {
		s.logger.Error("clear payment retries", "subscription", sub.ID, "error", err)
	}
	s.recordTransition(updated, model.StatusPastDue, model.StatusActive, reason)
	s.syncAndPublish(updated.UserID, updated)
	return updated, nil
}
