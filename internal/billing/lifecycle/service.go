package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sproutlyapp/sproutly/internal/billing/access"
	"github.com/sproutlyapp/sproutly/internal/billing/model"
	"github.com/sproutlyapp/sproutly/internal/billing/payments"
	"github.com/sproutlyapp/sproutly/internal/billing/store"
	"github.com/sproutlyapp/sproutly/internal/billing/tax"
)

const (
	// TrialDays is the free-trial window.
	TrialDays = 14
	// CoolingOffDays is the statutory cooling-off window for annual plans:
	// cancellation inside it refunds the purchase in full, usage-independent.
	CoolingOffDays = 14
	// GraceDays is how long a past_due subscription keeps its features while
	// payment recovery runs.
	GraceDays = 3
	// maxRecoveryAttempts counts the charge attempts during dunning: the
	// immediate retry plus the +24h and +48h ones.
	maxRecoveryAttempts = 3
)

// Publisher receives lifecycle state changes for fan-out to connected app
// backends. Implemented by the events hub.
type Publisher interface {
	PublishStateChange(userID int64, sub *model.Subscription, features []model.FeatureAccess)
}

// Mailer sends dunning notifications. Implementations must be safe to call
// with best-effort semantics; delivery failures never block a transition.
type Mailer interface {
	SendPaymentFailed(userID int64, graceDeadline time.Time) error
	SendSubscriptionEnded(userID int64) error
}

// Service is the subscription state machine. All mutating operations
// serialize per user (equivalently per open subscription) through an
// in-process keyed lock, with an optimistic version column as the
// cross-process backstop.
type Service struct {
	subs        *store.SubscriptionStore
	trials      *store.TrialStore
	records     *store.BillingRecordStore
	audit       *store.SubscriptionEventStore
	retries     *store.PaymentRetryStore
	taxes       *tax.Engine
	coordinator *payments.Coordinator
	synchronizer *access.Synchronizer
	publisher   Publisher
	mailer      Mailer
	logger      *slog.Logger
	locks       *userLocks
	now         func() time.Time
}

type Option func(*Service)

// WithClock overrides the service clock. Tests use it to move through trial
// windows and grace periods.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher attaches the state-change fan-out.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMailer attaches the dunning mailer.
func WithMailer(m Mailer) Option {
	return func(s *Service) { s.mailer = m }
}

func New(
	subs *store.SubscriptionStore,
	trials *store.TrialStore,
	records *store.BillingRecordStore,
	audit *store.SubscriptionEventStore,
	retries *store.PaymentRetryStore,
	taxes *tax.Engine,
	coordinator *payments.Coordinator,
	synchronizer *access.Synchronizer,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		subs:         subs,
		trials:       trials,
		records:      records,
		audit:        audit,
		retries:      retries,
		taxes:        taxes,
		coordinator:  coordinator,
		synchronizer: synchronizer,
		logger:       logger,
		locks:        newUserLocks(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// processorRef is the caller-chosen subscription reference sent to the
// processor in charge metadata, so webhooks map back to the aggregate even
// before the first successful charge persists it.
func processorRef(subscriptionID int64) string {
	return fmt.Sprintf("sub_%d", subscriptionID)
}

// StartTrial creates a trialing subscription for the user. Trials are
// lifetime-once and require no payment method; trial-tier features are
// granted immediately.
func (s *Service) StartTrial(ctx context.Context, userID int64, tier model.Tier) (*model.Subscription, error) {
	if !tier.Valid() || tier == model.TierFree {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTier, tier)
	}

	unlock := s.locks.acquire(userID)
	defer unlock()

	trialed, err := s.subs.HasEverTrialed(userID)
	if err != nil {
		return nil, err
	}
	if trialed {
		return nil, ErrAlreadyTrialed
	}

	now := s.now()
	trialEnd := now.Add(TrialDays * 24 * time.Hour)

	open, err := s.subs.GetOpenByUserID(userID)
	if err != nil {
		return nil, err
	}

	var sub *model.Subscription
	switch {
	case open == nil:
		sub, err = s.subs.Create(&model.Subscription{
			UserID:      userID,
			Tier:        tier,
			Status:      model.StatusTrialing,
			Interval:    model.IntervalMonthly,
			Currency:    "CAD",
			PeriodStart: now,
			PeriodEnd:   trialEnd,
			TrialStart:  &now,
			TrialEnd:    &trialEnd,
		})
		if err != nil {
			return nil, err
		}
	case open.Status == model.StatusExpired && open.TrialStart == nil:
		// A purchase placeholder that never charged; reuse it for the trial.
		open.Tier = tier
		open.Status = model.StatusTrialing
		open.PeriodStart = now
		open.PeriodEnd = trialEnd
		open.TrialStart = &now
		open.TrialEnd = &trialEnd
		sub, err = s.update(open)
		if err != nil {
			return nil, err
		}
	case open.Status == model.StatusActive || open.Status == model.StatusPastDue:
		return nil, ErrExistingSubscription
	default:
		return nil, ErrAlreadyTrialed
	}

	if _, err := s.trials.Create(sub.ID, tier, now, trialEnd); err != nil {
		return nil, err
	}

	s.recordTransition(sub, model.StatusNone, model.StatusTrialing, "trial started")
	s.syncAndPublish(userID, sub)
	return sub, nil
}

// Convert charges the plan price (tax inclusive) and activates the
// subscription. Valid with no subscription, during a trial, or after a trial
// expired; an expired trial never blocks conversion, it only stops granting
// features. The call is atomic for the caller: on processor failure the
// subscription keeps its prior state and a typed error is returned.
func (s *Service) Convert(ctx context.Context, userID int64, planID, paymentToken, jurisdiction string) (*model.Subscription, error) {
	plan, err := model.PlanByID(planID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPlan, planID)
	}

	unlock := s.locks.acquire(userID)
	defer unlock()

	now := s.now()
	breakdown, err := s.taxes.Calculate(plan.PriceCents, jurisdiction, now)
	if err != nil {
		if errors.Is(err, tax.ErrUnknownJurisdiction) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidJurisdiction, jurisdiction)
		}
		return nil, err
	}

	sub, err := s.subs.GetOpenByUserID(userID)
	if err != nil {
		return nil, err
	}
	if sub != nil && (sub.Status == model.StatusActive || sub.Status == model.StatusPastDue) {
		return nil, ErrExistingSubscription
	}
	if sub == nil {
		// A direct purchase needs the aggregate identity before the charge so
		// the ledger and the processor metadata have something to reference.
		// The placeholder grants nothing and stays inert if the charge fails.
		sub, err = s.subs.Create(&model.Subscription{
			UserID:              userID,
			Tier:                plan.Tier,
			Status:              model.StatusExpired,
			Interval:            plan.Interval,
			Currency:            "CAD",
			Jurisdiction:        jurisdiction,
			PeriodStart:         now,
			PeriodEnd:           now,
			PendingPlanID:       &plan.ID,
			PendingJurisdiction: &jurisdiction,
		})
		if err != nil {
			return nil, err
		}
		s.recordTransition(sub, model.StatusNone, model.StatusExpired, "purchase initiated")
	} else {
		// Stage the requested plan before dispatching the charge, so a charge
		// that settles by webhook activates the plan the user actually asked
		// for rather than whatever the row carried.
		sub.PendingPlanID = &plan.ID
		sub.PendingJurisdiction = &jurisdiction
		if sub, err = s.update(sub); err != nil {
			return nil, err
		}
	}

	rec, ref, err := s.coordinator.Charge(ctx, payments.ChargeInput{
		SubscriptionID:  sub.ID,
		Type:            model.TransactionCharge,
		Breakdown:       breakdown,
		Key:             payments.OperationKey(sub.ID, now, model.TransactionCharge),
		PaymentToken:    paymentToken,
		SubscriptionRef: processorRef(sub.ID),
		Description:     "Sproutly " + plan.ID,
	})
	switch {
	case errors.Is(err, payments.ErrDeclined):
		s.clearStagedPlan(sub)
		return nil, fmt.Errorf("%w: %v", ErrPaymentDeclined, err)
	case errors.Is(err, payments.ErrPending):
		// Outcome unknown; the staged plan stays on the row and the webhook
		// or retry poll finishes the conversion.
		return nil, fmt.Errorf("%w: record %s", ErrPaymentPending, rec.ID)
	case err != nil:
		s.clearStagedPlan(sub)
		return nil, fmt.Errorf("convert charge: %w", err)
	}

	return s.activate(sub, plan, jurisdiction, ref, now)
}

// activate commits a successful conversion charge.
func (s *Service) activate(sub *model.Subscription, plan model.Plan, jurisdiction, ref string, now time.Time) (*model.Subscription, error) {
	from := sub.Status
	sub.Tier = plan.Tier
	sub.Interval = plan.Interval
	sub.Status = model.StatusActive
	sub.Jurisdiction = jurisdiction
	sub.PeriodStart = now
	sub.PeriodEnd = now.AddDate(0, 0, plan.PeriodDays())
	sub.ProcessorRef = &ref
	sub.CancelAt = nil
	sub.GraceDeadline = nil
	sub.CoolingOffDeadline = nil
	sub.PendingPlanID = nil
	sub.PendingJurisdiction = nil
	if plan.Interval == model.IntervalYearly {
		deadline := now.Add(CoolingOffDays * 24 * time.Hour)
		sub.CoolingOffDeadline = &deadline
	}

	updated, err := s.update(sub)
	if err != nil {
		return nil, err
	}

	if tp, err := s.trials.GetBySubscriptionID(sub.ID); err == nil && tp != nil && !tp.Converted {
		if err := s.trials.MarkConverted(tp.ID); err != nil {
			s.logger.Error("mark trial converted", "trial", tp.ID, "error", err)
		}
	}

	s.recordTransition(updated, from, model.StatusActive, "converted to "+plan.ID)
	s.syncAndPublish(updated.UserID, updated)
	return updated, nil
}

// clearStagedPlan drops a staged plan after its charge failed outright. A
// failure to persist the rollback is logged, not surfaced; the staged fields
// are inert until another settled charge references them.
func (s *Service) clearStagedPlan(sub *model.Subscription) {
	if sub.PendingPlanID == nil && sub.PendingJurisdiction == nil {
		return
	}
	sub.PendingPlanID = nil
	sub.PendingJurisdiction = nil
	if _, err := s.update(sub); err != nil {
		s.logger.Error("clear staged plan", "subscription", sub.ID, "error", err)
	}
}

// ChangePlan moves an active subscription to a new plan mid-cycle. The
// prorated delta (remaining days times the daily rate difference) is charged
// or credited with tax, as a proration ledger entry; the subscription stays
// active. Downgrades never trigger the cooling-off refund.
func (s *Service) ChangePlan(ctx context.Context, userID int64, newPlanID string) (*model.Subscription, error) {
	newPlan, err := model.PlanByID(newPlanID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPlan, newPlanID)
	}

	unlock := s.locks.acquire(userID)
	defer unlock()

	sub, err := s.subs.GetOpenByUserID(userID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Status != model.StatusActive {
		return nil, ErrNoActiveSubscription
	}

	oldPlan, err := model.PlanFor(sub.Tier, sub.Interval)
	if err != nil {
		return nil, err
	}
	if oldPlan.ID == newPlan.ID {
		return sub, nil
	}

	now := s.now()
	deltaCents := prorationCents(oldPlan, newPlan, now, sub.PeriodEnd)

	if deltaCents > 0 {
		breakdown, err := s.taxes.Calculate(deltaCents, sub.Jurisdiction, now)
		if err != nil {
			return nil, err
		}
		ref := ""
		if sub.ProcessorRef != nil {
			ref = *sub.ProcessorRef
		}
		// Stage the target plan so a proration that settles by webhook still
		// applies the tier change.
		sub.PendingPlanID = &newPlan.ID
		if sub, err = s.update(sub); err != nil {
			return nil, err
		}
		_, _, err = s.coordinator.Charge(ctx, payments.ChargeInput{
			SubscriptionID:  sub.ID,
			Type:            model.TransactionProration,
			Breakdown:       breakdown,
			Key:             payments.OperationKey(sub.ID, now, model.TransactionProration),
			SubscriptionRef: ref,
			Description:     "Sproutly plan change to " + newPlan.ID,
		})
		switch {
		case errors.Is(err, payments.ErrDeclined):
			s.clearStagedPlan(sub)
			return nil, fmt.Errorf("%w: %v", ErrPaymentDeclined, err)
		case errors.Is(err, payments.ErrPending):
			return nil, fmt.Errorf("%w: proration", ErrPaymentPending)
		case err != nil:
			s.clearStagedPlan(sub)
			return nil, fmt.Errorf("proration charge: %w", err)
		}
	} else if deltaCents < 0 {
		// Downgrade credit: a completed negative proration entry applied
		// against the next renewal, no processor call.
		if err := s.creditProration(sub, deltaCents, now); err != nil {
			return nil, err
		}
	}

	sub.Tier = newPlan.Tier
	sub.Interval = newPlan.Interval
	sub.PendingPlanID = nil
	updated, err := s.update(sub)
	if err != nil {
		return nil, err
	}

	s.recordTransition(updated, model.StatusActive, model.StatusActive, "plan changed to "+newPlan.ID)
	s.syncAndPublish(userID, updated)
	return updated, nil
}

func (s *Service) creditProration(sub *model.Subscription, deltaCents int64, now time.Time) error {
	breakdown, err := s.taxes.Calculate(deltaCents, sub.Jurisdiction, now)
	if err != nil {
		return err
	}
	_, err = s.records.Insert(&model.BillingRecord{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Type:           model.TransactionProration,
		AmountCents:    breakdown.SubtotalCents,
		TaxCents:       breakdown.TaxCents(),
		TotalCents:     breakdown.TotalCents,
		IdempotencyKey: payments.OperationKey(sub.ID, now, model.TransactionProration),
		Status:         model.RecordCompleted,
	})
	return err
}

// prorationCents computes the tax-exclusive plan-change delta: remaining
// days in the period times the difference in daily rates, rounded half away
// from zero.
func prorationCents(oldPlan, newPlan model.Plan, now, periodEnd time.Time) int64 {
	remaining := periodEnd.Sub(now).Hours() / 24
	if remaining < 0 {
		remaining = 0
	}
	delta := remaining * (newPlan.DailyRateCents() - oldPlan.DailyRateCents())
	return int64(math.Round(delta))
}

// CancelResult is what a cancellation produced: the final subscription and
// any cooling-off refund.
type CancelResult struct {
	Subscription *model.Subscription `json:"subscription"`
	RefundCents  int64               `json:"refund_cents"`
}

// Cancel ends or schedules the end of a subscription. Inside the annual
// cooling-off window it always cancels immediately with a full refund of the
// amount charged, regardless of the immediate flag or usage.
func (s *Service) Cancel(ctx context.Context, userID int64, immediate bool) (*CancelResult, error) {
	unlock := s.locks.acquire(userID)
	defer unlock()

	sub, err := s.subs.GetOpenByUserID(userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNothingToCancel
	}
	switch sub.Status {
	case model.StatusActive, model.StatusPastDue, model.StatusTrialing:
	default:
		return nil, ErrNothingToCancel
	}

	now := s.now()

	if sub.Status == model.StatusActive && sub.InCoolingOff(now) {
		refunded, err := s.coolingOffRefund(ctx, sub, now)
		if err != nil {
			return nil, err
		}
		canceled, err := s.finalizeCancel(sub, now, "cooling-off cancellation")
		if err != nil {
			return nil, err
		}
		return &CancelResult{Subscription: canceled, RefundCents: refunded}, nil
	}

	// A non-immediate cancel keeps access until the end of whatever was paid
	// for or granted: the billing period for active and past_due, the trial
	// window for trialing. A period that already lapsed cancels now.
	if !immediate && sub.PeriodEnd.After(now) {
		cancelAt := sub.PeriodEnd
		sub.CancelAt = &cancelAt
		updated, err := s.update(sub)
		if err != nil {
			return nil, err
		}
		s.recordTransition(updated, sub.Status, sub.Status, "cancellation scheduled for period end")
		return &CancelResult{Subscription: updated}, nil
	}

	canceled, err := s.finalizeCancel(sub, now, "canceled immediately")
	if err != nil {
		return nil, err
	}
	return &CancelResult{Subscription: canceled}, nil
}

// coolingOffRefund refunds the full amount charged for the current period.
func (s *Service) coolingOffRefund(ctx context.Context, sub *model.Subscription, now time.Time) (int64, error) {
	charge, err := s.latestCompletedCharge(sub.ID)
	if err != nil {
		return 0, err
	}
	if charge == nil {
		return 0, nil
	}

	txnID := ""
	if charge.ProcessorTxnID != nil {
		txnID = *charge.ProcessorTxnID
	}
	rec, err := s.coordinator.Refund(ctx, payments.RefundInput{
		SubscriptionID: sub.ID,
		Key:            payments.OperationKey(sub.ID, now, model.TransactionRefund),
		AmountCents:    charge.TotalCents,
		TransactionID:  txnID,
		CorrectsID:     charge.ID,
	})
	if err != nil {
		if errors.Is(err, payments.ErrPending) {
			// The refund will settle via webhook; cancellation proceeds.
			s.logger.Warn("cooling-off refund pending", "subscription", sub.ID, "record", rec.ID)
			return charge.TotalCents, nil
		}
		return 0, fmt.Errorf("cooling-off refund: %w", err)
	}
	return charge.TotalCents, nil
}

func (s *Service) latestCompletedCharge(subscriptionID int64) (*model.BillingRecord, error) {
	recs, err := s.records.ListBySubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Type == model.TransactionCharge && recs[i].Status == model.RecordCompleted {
			return recs[i], nil
		}
	}
	return nil, nil
}

// finalizeCancel moves the subscription to its terminal state and drops
// entitlements back to free.
func (s *Service) finalizeCancel(sub *model.Subscription, now time.Time, reason string) (*model.Subscription, error) {
	from := sub.Status
	sub.Status = model.StatusCanceled
	sub.CanceledAt = &now
	sub.CancelAt = nil
	sub.GraceDeadline = nil
	sub.PendingPlanID = nil
	sub.PendingJurisdiction = nil
	updated, err := s.update(sub)
	if err != nil {
		return nil, err
	}
	if err := s.retries.Delete(sub.ID); err != nil {
		s.logger.Error("clear payment retries", "subscription", sub.ID, "error", err)
	}
	s.recordTransition(updated, from, model.StatusCanceled, reason)
	s.syncAndPublish(updated.UserID, updated)
	return updated, nil
}

// HandlePaymentFailure moves an active subscription to past_due with a
// grace period. Features are deliberately kept during grace: a transient
// card problem should not lock a family out of their data.
func (s *Service) HandlePaymentFailure(ctx context.Context, subscriptionID int64) (*model.Subscription, error) {
	sub, err := s.subs.GetByID(subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoActiveSubscription
	}

	unlock := s.locks.acquire(sub.UserID)
	defer unlock()

	// Re-read under the lock; the snapshot above was lock-free.
	sub, err = s.subs.GetByID(subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != model.StatusActive {
		return sub, nil
	}
	if err := s.markPastDue(sub); err != nil {
		return nil, err
	}
	return s.subs.GetByID(sub.ID)
}

// Status returns the user's current subscription, preferring the open one
// and falling back to the latest terminal one. Lock-free read.
func (s *Service) Status(userID int64) (*model.Subscription, error) {
	sub, err := s.subs.GetOpenByUserID(userID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return sub, nil
	}
	return s.subs.GetLatestByUserID(userID)
}

// History returns the audit trail for the user's latest subscription.
func (s *Service) History(userID int64) ([]model.SubscriptionEvent, error) {
	sub, err := s.Status(userID)
	if err != nil || sub == nil {
		return nil, err
	}
	return s.audit.ListBySubscription(sub.ID)
}

// update maps the store's optimistic-concurrency failure onto the operation
// error taxonomy.
func (s *Service) update(sub *model.Subscription) (*model.Subscription, error) {
	updated, err := s.subs.Update(sub)
	if errors.Is(err, store.ErrVersionConflict) {
		return nil, ErrConcurrentModification
	}
	return updated, err
}

func (s *Service) recordTransition(sub *model.Subscription, from, to model.Status, reason string) {
	if err := s.audit.Append(sub.ID, from, to, reason); err != nil {
		s.logger.Error("append audit event", "subscription", sub.ID, "error", err)
	}
}

func (s *Service) syncAndPublish(userID int64, sub *model.Subscription) {
	rows, err := s.synchronizer.Sync(userID, sub)
	if err != nil {
		s.logger.Error("sync feature access", "user", userID, "error", err)
		return
	}
	if s.publisher != nil {
		s.publisher.PublishStateChange(userID, sub, rows)
	}
}

// subscriptionByRef resolves a processor subscription reference, first
// against stored refs, then against the canonical sub_<id> form used in
// charge metadata before the ref is persisted.
func (s *Service) subscriptionByRef(ref string) (*model.Subscription, error) {
	sub, err := s.subs.GetByProcessorRef(ref)
	if err != nil || sub != nil {
		return sub, err
	}
	if id, ok := strings.CutPrefix(ref, "sub_"); ok {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, nil
		}
		return s.subs.GetByID(n)
	}
	return nil, nil
}
