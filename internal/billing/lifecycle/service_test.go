package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/access"
	"github.com/sproutlyapp/sproutly/internal/billing/database"
	"github.com/sproutlyapp/sproutly/internal/billing/model"
	"github.com/sproutlyapp/sproutly/internal/billing/payments"
	"github.com/sproutlyapp/sproutly/internal/billing/store"
	"github.com/sproutlyapp/sproutly/internal/billing/tax"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProcessor struct {
	mu         sync.Mutex
	charges    int
	refunds    int
	chargeErr  error
	refundErr  error
	lastCharge payments.ChargeRequest
	lastRefund payments.RefundRequest
}

func (p *fakeProcessor) Charge(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges++
	p.lastCharge = req
	if p.chargeErr != nil {
		return nil, p.chargeErr
	}
	return &payments.ChargeResult{
		TransactionID:   fmt.Sprintf("pi_%d", p.charges),
		SubscriptionRef: req.SubscriptionRef,
	}, nil
}

func (p *fakeProcessor) Refund(ctx context.Context, req payments.RefundRequest) (*payments.RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds++
	p.lastRefund = req
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	return &payments.RefundResult{TransactionID: fmt.Sprintf("re_%d", p.refunds)}, nil
}

func (p *fakeProcessor) ParseWebhook(payload []byte, signature string) (*payments.Event, error) {
	return nil, payments.ErrUnhandledEvent
}

func (p *fakeProcessor) setChargeErr(err error) {
	p.mu.Lock()
	p.chargeErr = err
	p.mu.Unlock()
}

func (p *fakeProcessor) chargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges
}

type fixture struct {
	svc     *Service
	proc    *fakeProcessor
	clock   *fakeClock
	subs    *store.SubscriptionStore
	trials  *store.TrialStore
	records *store.BillingRecordStore
	access  *store.FeatureAccessStore
	retries *store.PaymentRetryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	subs := store.NewSubscriptionStore(db)
	trials := store.NewTrialStore(db)
	records := store.NewBillingRecordStore(db)
	accessStore := store.NewFeatureAccessStore(db)
	audit := store.NewSubscriptionEventStore(db)
	retries := store.NewPaymentRetryStore(db)

	proc := &fakeProcessor{}
	coordinator := payments.NewCoordinator(proc, records, store.NewWebhookEventStore(db), logger)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	svc := New(
		subs, trials, records, audit, retries,
		tax.New(store.NewTaxRateStore(db)), coordinator,
		access.NewSynchronizer(accessStore),
		logger,
		WithClock(clock.Now),
	)
	return &fixture{
		svc: svc, proc: proc, clock: clock,
		subs: subs, trials: trials, records: records,
		access: accessStore, retries: retries,
	}
}

func TestStartTrial(t *testing.T) {
	f := newFixture(t)

	sub, err := f.svc.StartTrial(context.Background(), 1, model.TierStandard)
	if err != nil {
		t.Fatalf("start trial: %v", err)
	}
	if sub.Status != model.StatusTrialing {
		t.Errorf("status = %q, want trialing", sub.Status)
	}
	if sub.TrialEnd == nil || !sub.TrialEnd.Equal(f.clock.Now().Add(14*24*time.Hour)) {
		t.Error("expected 14-day trial window")
	}

	ok, err := f.access.HasFeature(1, access.FeatureSmartReminders)
	if err != nil {
		t.Fatalf("has feature: %v", err)
	}
	if !ok {
		t.Error("trial should grant standard-tier features immediately")
	}
	if f.proc.chargeCount() != 0 {
		t.Error("trial must not touch the processor")
	}
}

func TestStartTrialOncePerLifetime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartTrial(ctx, 1, model.TierStandard); err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if _, err := f.svc.StartTrial(ctx, 1, model.TierStandard); !errors.Is(err, ErrAlreadyTrialed) {
		t.Fatalf("second trial err = %v, want ErrAlreadyTrialed", err)
	}

	// Even after cancellation the trial stays used up.
	if _, err := f.svc.Cancel(ctx, 1, true); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.StartTrial(ctx, 1, model.TierPremium); !errors.Is(err, ErrAlreadyTrialed) {
		t.Fatalf("post-cancel trial err = %v, want ErrAlreadyTrialed", err)
	}
}

func TestConvertDuringTrial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartTrial(ctx, 1, model.TierStandard); err != nil {
		t.Fatalf("start trial: %v", err)
	}
	f.clock.Advance(5 * 24 * time.Hour)

	sub, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if sub.Status != model.StatusActive {
		t.Errorf("status = %q, want active", sub.Status)
	}
	if sub.CoolingOffDeadline != nil {
		t.Error("monthly plan must not get a cooling-off window")
	}
	if sub.ProcessorRef == nil {
		t.Error("expected processor ref after first charge")
	}

	// 499 + 13% HST = 564, charged tax inclusive.
	if f.proc.lastCharge.AmountCents != 564 {
		t.Errorf("charged %d, want 564", f.proc.lastCharge.AmountCents)
	}

	recs, err := f.records.ListBySubscription(sub.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != model.RecordCompleted {
		t.Fatalf("records = %+v, want one completed", recs)
	}
	if recs[0].AmountCents != 499 || recs[0].TaxCents != 65 || recs[0].TotalCents != 564 {
		t.Errorf("record amounts = %d/%d/%d, want 499/65/564",
			recs[0].AmountCents, recs[0].TaxCents, recs[0].TotalCents)
	}

	tp, err := f.trials.GetBySubscriptionID(sub.ID)
	if err != nil {
		t.Fatalf("get trial: %v", err)
	}
	if !tp.Converted {
		t.Error("trial should be marked converted")
	}
}

func TestConvertYearlySetsCoolingOff(t *testing.T) {
	f := newFixture(t)

	sub, err := f.svc.Convert(context.Background(), 1, "premium_yearly", "tok_visa", "QC")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if sub.CoolingOffDeadline == nil {
		t.Fatal("annual plan must carry a cooling-off deadline")
	}
	want := f.clock.Now().Add(14 * 24 * time.Hour)
	if !sub.CoolingOffDeadline.Equal(want) {
		t.Errorf("cooling-off = %v, want %v", sub.CoolingOffDeadline, want)
	}
	// 9999 + GST 500 + QST 997 (9999 * 9.975% = 997.40)
	if f.proc.lastCharge.AmountCents != 11496 {
		t.Errorf("charged %d, want 11496", f.proc.lastCharge.AmountCents)
	}
}

func TestConvertDeclinedLeavesTrialUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartTrial(ctx, 1, model.TierStandard); err != nil {
		t.Fatalf("start trial: %v", err)
	}
	f.proc.setChargeErr(payments.ErrDeclined)

	_, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_bad", "ON")
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("err = %v, want ErrPaymentDeclined", err)
	}

	sub, _ := f.svc.Status(1)
	if sub.Status != model.StatusTrialing {
		t.Errorf("status = %q, want trialing preserved after decline", sub.Status)
	}
}

func TestConvertAfterTrialExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartTrial(ctx, 1, model.TierStandard); err != nil {
		t.Fatalf("start trial: %v", err)
	}
	f.clock.Advance(15 * 24 * time.Hour)
	f.svc.Tick(ctx)

	sub, _ := f.svc.Status(1)
	if sub.Status != model.StatusExpired {
		t.Fatalf("status after sweep = %q, want expired_no_conversion", sub.Status)
	}
	if ok, _ := f.access.HasFeature(1, access.FeatureSmartReminders); ok {
		t.Error("expired trial must not keep granting paid features")
	}
	if ok, _ := f.access.HasFeature(1, access.FeatureLogBasic); !ok {
		t.Error("free features survive trial expiry")
	}

	converted, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON")
	if err != nil {
		t.Fatalf("convert after expiry: %v", err)
	}
	if converted.Status != model.StatusActive {
		t.Errorf("status = %q, want active", converted.Status)
	}
}

func TestConvertInvalidInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Convert(ctx, 1, "gold_weekly", "tok_visa", "ON"); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("unknown plan err = %v, want ErrInvalidPlan", err)
	}
	if _, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ZZ"); !errors.Is(err, ErrInvalidJurisdiction) {
		t.Errorf("unknown jurisdiction err = %v, want ErrInvalidJurisdiction", err)
	}
	if f.proc.chargeCount() != 0 {
		t.Error("validation failures must not reach the processor")
	}
}

func TestConvertWhileActiveRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON"); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if _, err := f.svc.Convert(ctx, 1, "premium_monthly", "tok_visa", "ON"); !errors.Is(err, ErrExistingSubscription) {
		t.Fatalf("err = %v, want ErrExistingSubscription", err)
	}
}

func TestCancelCoolingOffFullRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Convert(ctx, 1, "standard_yearly", "tok_visa", "ON"); err != nil {
		t.Fatalf("convert: %v", err)
	}
	f.clock.Advance(5 * 24 * time.Hour)

	// Full refund regardless of the immediate flag.
	result, err := f.svc.Cancel(ctx, 1, false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// 4999 + 13% HST (649.87 -> 650) = 5649
	if result.RefundCents != 5649 {
		t.Errorf("refund = %d, want 5649", result.RefundCents)
	}
	if result.Subscription.Status != model.StatusCanceled {
		t.Errorf("status = %q, want canceled immediately in cooling-off", result.Subscription.Status)
	}
	if f.proc.refunds != 1 || f.proc.lastRefund.AmountCents != 5649 {
		t.Errorf("processor refunds = %d amount %d, want 1 x 5649", f.proc.refunds, f.proc.lastRefund.AmountCents)
	}

	recs, _ := f.records.ListBySubscription(result.Subscription.ID)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want charge + refund", len(recs))
	}
	refund := recs[1]
	if refund.Type != model.TransactionRefund || refund.TotalCents != -5649 {
		t.Errorf("refund record = %+v", refund)
	}
	if refund.CorrectsID == nil || *refund.CorrectsID != recs[0].ID {
		t.Error("refund must reference the charge it reverses")
	}
}

func TestCancelAfterCoolingOffNoRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Convert(ctx, 1, "standard_yearly", "tok_visa", "ON"); err != nil {
		t.Fatalf("convert: %v", err)
	}
	f.clock.Advance(15 * 24 * time.Hour)

	result, err := f.svc.Cancel(ctx, 1, false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.RefundCents != 0 {
		t.Errorf("refund = %d, want 0 outside cooling-off", result.RefundCents)
	}
	if result.Subscription.Status != model.StatusActive || result.Subscription.CancelAt == nil {
		t.Error("expected scheduled period-end cancellation")
	}

	// The scheduled cancel runs when the period ends.
	f.clock.Advance(365 * 24 * time.Hour)
	f.svc.Tick(ctx)
	sub, _ := f.svc.Status(1)
	if sub.Status != model.StatusCanceled {
		t.Errorf("status after period end = %q, want canceled", sub.Status)
	}
}

func TestCancelImmediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON"); err != nil {
		t.Fatalf("convert: %v", err)
	}
	f.clock.Advance(20 * 24 * time.Hour)

	result, err := f.svc.Cancel(ctx, 1, true)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Subscription.Status != model.StatusCanceled {
		t.Errorf("status = %q, want canceled", result.Subscription.Status)
	}
	if result.RefundCents != 0 {
		t.Errorf("refund = %d, want 0", result.RefundCents)
	}
	if ok, _ := f.access.HasFeature(1, access.FeatureSmartReminders); ok {
		t.Error("canceled subscription must not keep paid features")
	}
}

func TestCancelNothing(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Cancel(context.Background(), 1, true); !errors.Is(err, ErrNothingToCancel) {
		t.Fatalf("err = %v, want ErrNothingToCancel", err)
	}
}

func TestCancelTrialKeepsAccessUntilTrialEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trial, err := f.svc.StartTrial(ctx, 1, model.TierStandard)
	if err != nil {
		t.Fatalf("start trial: %v", err)
	}

	result, err := f.svc.Cancel(ctx, 1, false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	sub := result.Subscription
	if sub.Status != model.StatusTrialing {
		t.Fatalf("status = %q, want trialing until the window closes", sub.Status)
	}
	if sub.CancelAt == nil || !sub.CancelAt.Equal(*trial.TrialEnd) {
		t.Fatalf("cancel_at = %v, want the trial end %v", sub.CancelAt, trial.TrialEnd)
	}
	if ok, _ := f.access.HasFeature(1, access.FeatureSmartReminders); !ok {
		t.Error("scheduled cancel must not revoke trial features early")
	}

	f.clock.Advance(15 * 24 * time.Hour)
	f.svc.Tick(ctx)

	got, _ := f.svc.Status(1)
	if got.Status != model.StatusCanceled {
		t.Errorf("status after sweep = %q, want canceled rather than expired", got.Status)
	}
	if ok, _ := f.access.HasFeature(1, access.FeatureSmartReminders); ok {
		t.Error("paid features survive past the scheduled trial cancel")
	}
}

func TestConcurrentModificationSurfaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	stale, _ := f.subs.GetByID(sub.ID)

	// Another writer commits between the read and the write-back.
	winner, _ := f.subs.GetByID(sub.ID)
	winner.Jurisdiction = "BC"
	if _, err := f.subs.Update(winner); err != nil {
		t.Fatalf("competing update: %v", err)
	}

	stale.Jurisdiction = "AB"
	if _, err := f.svc.update(stale); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}

	// The winning write stands.
	got, _ := f.subs.GetByID(sub.ID)
	if got.Jurisdiction != "BC" {
		t.Errorf("jurisdiction = %q, want the committed BC", got.Jurisdiction)
	}
}

func TestChangePlanUpgradeProration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON"); err != nil {
		t.Fatalf("convert: %v", err)
	}
	f.clock.Advance(15 * 24 * time.Hour)

	sub, err := f.svc.ChangePlan(ctx, 1, "premium_monthly")
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	if sub.Tier != model.TierPremium {
		t.Errorf("tier = %q, want premium", sub.Tier)
	}
	// Period boundaries do not move on a plan change.
	if !sub.PeriodEnd.Equal(f.clock.Now().Add(15 * 24 * time.Hour)) {
		t.Error("period end must be unchanged by a plan change")
	}

	recs, _ := f.records.ListBySubscription(sub.ID)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want conversion charge + proration", len(recs))
	}
	pro := recs[1]
	if pro.Type != model.TransactionProration || pro.Status != model.RecordCompleted {
		t.Fatalf("proration record = %+v", pro)
	}
	// 15 remaining days * (999-499)/30 per day = 250 pre-tax.
	if pro.AmountCents != 250 {
		t.Errorf("proration amount = %d, want 250", pro.AmountCents)
	}
	if ok, _ := f.access.HasFeature(1, access.FeatureExportReports); !ok {
		t.Error("upgrade should grant premium features immediately")
	}
}

func TestChangePlanDowngradeCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Convert(ctx, 1, "premium_monthly", "tok_visa", "ON"); err != nil {
		t.Fatalf("convert: %v", err)
	}
	charges := f.proc.chargeCount()
	f.clock.Advance(15 * 24 * time.Hour)

	sub, err := f.svc.ChangePlan(ctx, 1, "standard_monthly")
	if err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	if sub.Tier != model.TierStandard {
		t.Errorf("tier = %q, want standard", sub.Tier)
	}
	if f.proc.chargeCount() != charges {
		t.Error("downgrade credit must not charge the processor")
	}

	recs, _ := f.records.ListBySubscription(sub.ID)
	pro := recs[len(recs)-1]
	if pro.Type != model.TransactionProration || pro.TotalCents >= 0 {
		t.Errorf("expected negative proration credit, got %+v", pro)
	}
	if ok, _ := f.access.HasFeature(1, access.FeatureExportReports); ok {
		t.Error("downgrade removes premium features")
	}

	// The credit offsets the next renewal.
	f.clock.Advance(16 * 24 * time.Hour)
	f.svc.Tick(ctx)
	renewed, _ := f.svc.Status(1)
	if renewed.Status != model.StatusActive {
		t.Fatalf("status after renewal = %q, want active", renewed.Status)
	}
	if f.proc.lastCharge.AmountCents >= 564 {
		t.Errorf("renewal charged %d, want less than full 564 after credit", f.proc.lastCharge.AmountCents)
	}
}

func TestChangePlanRequiresActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartTrial(ctx, 1, model.TierStandard); err != nil {
		t.Fatalf("start trial: %v", err)
	}
	if _, err := f.svc.ChangePlan(ctx, 1, "premium_monthly"); !errors.Is(err, ErrNoActiveSubscription) {
		t.Fatalf("err = %v, want ErrNoActiveSubscription", err)
	}
}

func TestRenewalAdvancesPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	oldEnd := sub.PeriodEnd

	f.clock.Advance(31 * 24 * time.Hour)
	f.svc.Tick(ctx)

	renewed, _ := f.svc.Status(1)
	if renewed.Status != model.StatusActive {
		t.Fatalf("status = %q, want active", renewed.Status)
	}
	if !renewed.PeriodStart.Equal(oldEnd) {
		t.Error("new period must start where the old one ended")
	}
	if f.proc.chargeCount() != 2 {
		t.Errorf("charges = %d, want conversion + renewal", f.proc.chargeCount())
	}

	// A second tick at the same instant must not double-charge.
	f.svc.Tick(ctx)
	if f.proc.chargeCount() != 2 {
		t.Errorf("charges after repeat tick = %d, want 2", f.proc.chargeCount())
	}
}

func TestPaymentFailureGraceAndRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON"); err != nil {
		t.Fatalf("convert: %v", err)
	}

	f.proc.setChargeErr(payments.ErrDeclined)
	f.clock.Advance(31 * 24 * time.Hour)
	f.svc.Tick(ctx)

	sub, _ := f.svc.Status(1)
	if sub.Status != model.StatusPastDue {
		t.Fatalf("status = %q, want past_due", sub.Status)
	}
	if sub.GraceDeadline == nil || !sub.GraceDeadline.Equal(f.clock.Now().Add(GraceDays*24*time.Hour)) {
		t.Error("expected a 3-day grace deadline")
	}
	if ok, _ := f.access.HasFeature(1, access.FeatureSmartReminders); !ok {
		t.Error("features stay on during grace")
	}

	retry, err := f.retries.Get(sub.ID)
	if err != nil {
		t.Fatalf("get retry: %v", err)
	}
	if retry == nil || retry.Attempts != 1 {
		t.Fatalf("retry = %+v, want attempt 1 scheduled", retry)
	}

	// Card fixed; the +24h retry collects and restores the subscription.
	f.proc.setChargeErr(nil)
	f.clock.Advance(25 * time.Hour)
	f.svc.Tick(ctx)

	recovered, _ := f.svc.Status(1)
	if recovered.Status != model.StatusActive {
		t.Fatalf("status = %q, want active after recovery", recovered.Status)
	}
	if recovered.GraceDeadline != nil {
		t.Error("grace deadline must clear on recovery")
	}
	if r, _ := f.retries.Get(sub.ID); r != nil {
		t.Error("retry schedule must clear on recovery")
	}
}

func TestGraceExpiryCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON"); err != nil {
		t.Fatalf("convert: %v", err)
	}

	f.proc.setChargeErr(payments.ErrDeclined)
	f.clock.Advance(31 * 24 * time.Hour)
	f.svc.Tick(ctx) // renewal fails, past_due

	// Retries at +24h and +48h both fail.
	f.clock.Advance(25 * time.Hour)
	f.svc.Tick(ctx)
	f.clock.Advance(24 * time.Hour)
	f.svc.Tick(ctx)

	// Grace runs out.
	f.clock.Advance(24 * time.Hour)
	f.svc.Tick(ctx)

	sub, _ := f.svc.Status(1)
	if sub.Status != model.StatusCanceled {
		t.Fatalf("status = %q, want canceled after grace expiry", sub.Status)
	}
	if ok, _ := f.access.HasFeature(1, access.FeatureSmartReminders); ok {
		t.Error("features revoked once grace expires")
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	ev := &payments.Event{
		EventID:         "evt_1",
		Type:            payments.EventChargeSucceeded,
		SubscriptionRef: *sub.ProcessorRef,
		TransactionID:   "pi_1",
	}
	if err := f.svc.HandleProcessorEvent(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.svc.HandleProcessorEvent(ctx, ev); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}

	recs, _ := f.records.ListBySubscription(sub.ID)
	if len(recs) != 1 {
		t.Errorf("records = %d, want 1 despite duplicate webhook", len(recs))
	}
}

func TestWebhookSettlesPendingConversion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.proc.setChargeErr(payments.ErrPending)
	_, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON")
	if !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("err = %v, want ErrPaymentPending", err)
	}

	sub, _ := f.svc.Status(1)
	if sub.Status.Granting() {
		t.Fatalf("status = %q, must not grant before settlement", sub.Status)
	}

	ev := &payments.Event{
		EventID:         "evt_settle",
		Type:            payments.EventChargeSucceeded,
		SubscriptionRef: fmt.Sprintf("sub_%d", sub.ID),
		TransactionID:   "pi_1",
	}
	if err := f.svc.HandleProcessorEvent(ctx, ev); err != nil {
		t.Fatalf("apply webhook: %v", err)
	}

	settled, _ := f.svc.Status(1)
	if settled.Status != model.StatusActive {
		t.Fatalf("status = %q, want active after webhook settlement", settled.Status)
	}
	recs, _ := f.records.ListBySubscription(sub.ID)
	if len(recs) != 1 || recs[0].Status != model.RecordCompleted {
		t.Errorf("records = %+v, want the pending charge completed", recs)
	}
}

func TestWebhookChargeFailedMovesToPastDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	// Renewal charge hangs, then the processor reports the failure async.
	f.proc.setChargeErr(payments.ErrPending)
	f.clock.Advance(31 * 24 * time.Hour)
	f.svc.Tick(ctx)

	ev := &payments.Event{
		EventID:         "evt_fail",
		Type:            payments.EventChargeFailed,
		SubscriptionRef: *sub.ProcessorRef,
	}
	if err := f.svc.HandleProcessorEvent(ctx, ev); err != nil {
		t.Fatalf("apply webhook: %v", err)
	}

	got, _ := f.svc.Status(1)
	if got.Status != model.StatusPastDue {
		t.Errorf("status = %q, want past_due", got.Status)
	}
	if got.GraceDeadline == nil {
		t.Error("past_due subscription missing a grace deadline")
	}
}

func TestWebhookChargeFailedNothingPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	// An upgrade whose proration is declined synchronously still produces a
	// trailing charge.failed event from the processor. With nothing pending
	// the event must change nothing.
	f.proc.setChargeErr(payments.ErrDeclined)
	if _, err := f.svc.ChangePlan(ctx, 1, "premium_monthly"); !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("err = %v, want ErrPaymentDeclined", err)
	}
	f.proc.setChargeErr(nil)

	ev := &payments.Event{
		EventID:         "evt_trailing",
		Type:            payments.EventChargeFailed,
		SubscriptionRef: *sub.ProcessorRef,
	}
	if err := f.svc.HandleProcessorEvent(ctx, ev); err != nil {
		t.Fatalf("apply webhook: %v", err)
	}

	got, _ := f.svc.Status(1)
	if got.Status != model.StatusActive {
		t.Errorf("status = %q, want active after a trailing failure event", got.Status)
	}
	if got.Tier != model.TierStandard {
		t.Errorf("tier = %q, want standard preserved after declined upgrade", got.Tier)
	}
}

func TestWebhookSettlesTrialConversion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartTrial(ctx, 1, model.TierStandard); err != nil {
		t.Fatalf("start trial: %v", err)
	}

	f.proc.setChargeErr(payments.ErrPending)
	_, err := f.svc.Convert(ctx, 1, "premium_yearly", "tok_visa", "QC")
	if !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("err = %v, want ErrPaymentPending", err)
	}

	sub, _ := f.svc.Status(1)
	if sub.Status != model.StatusTrialing {
		t.Fatalf("status = %q, want trialing while the charge is unsettled", sub.Status)
	}

	ev := &payments.Event{
		EventID:         "evt_trial_settle",
		Type:            payments.EventChargeSucceeded,
		SubscriptionRef: fmt.Sprintf("sub_%d", sub.ID),
		TransactionID:   "pi_1",
	}
	if err := f.svc.HandleProcessorEvent(ctx, ev); err != nil {
		t.Fatalf("apply webhook: %v", err)
	}

	settled, _ := f.svc.Status(1)
	if settled.Status != model.StatusActive {
		t.Fatalf("status = %q, want active", settled.Status)
	}
	if settled.Tier != model.TierPremium || settled.Interval != model.IntervalYearly {
		t.Errorf("plan = %s/%s, want the premium_yearly the user requested", settled.Tier, settled.Interval)
	}
	if settled.Jurisdiction != "QC" {
		t.Errorf("jurisdiction = %q, want QC", settled.Jurisdiction)
	}
	if settled.CoolingOffDeadline == nil {
		t.Error("annual conversion missing a cooling-off deadline")
	}
	recs, _ := f.records.ListBySubscription(sub.ID)
	if len(recs) != 1 || recs[0].Status != model.RecordCompleted || recs[0].TotalCents != 11496 {
		t.Errorf("records = %+v, want one completed charge of 11496", recs)
	}
}

func TestWebhookFailedApplicationRetriesOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.proc.setChargeErr(payments.ErrPending)
	_, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON")
	if !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("err = %v, want ErrPaymentPending", err)
	}
	sub, _ := f.svc.Status(1)

	// Corrupt the staged plan so the first delivery fails mid-application.
	cur, _ := f.subs.GetByID(sub.ID)
	bogus := "gold_weekly"
	cur.PendingPlanID = &bogus
	if _, err := f.subs.Update(cur); err != nil {
		t.Fatalf("corrupt staged plan: %v", err)
	}

	ev := &payments.Event{
		EventID:         "evt_retry",
		Type:            payments.EventChargeSucceeded,
		SubscriptionRef: fmt.Sprintf("sub_%d", sub.ID),
		TransactionID:   "pi_1",
	}
	if err := f.svc.HandleProcessorEvent(ctx, ev); err == nil {
		t.Fatal("delivery with an unresolvable staged plan must error")
	}

	cur, _ = f.subs.GetByID(sub.ID)
	valid := "standard_monthly"
	cur.PendingPlanID = &valid
	if _, err := f.subs.Update(cur); err != nil {
		t.Fatalf("restore staged plan: %v", err)
	}

	// The processor redelivers with the same event id; the failed attempt
	// must not have consumed it.
	if err := f.svc.HandleProcessorEvent(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	settled, _ := f.svc.Status(1)
	if settled.Status != model.StatusActive {
		t.Errorf("status = %q, want active after redelivery", settled.Status)
	}
}

func TestWebhookSettlesPendingPlanChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	f.proc.setChargeErr(payments.ErrPending)
	if _, err := f.svc.ChangePlan(ctx, 1, "premium_monthly"); !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("err = %v, want ErrPaymentPending", err)
	}
	f.proc.setChargeErr(nil)

	mid, _ := f.svc.Status(1)
	if mid.Tier != model.TierStandard {
		t.Fatalf("tier = %q before settlement, want standard", mid.Tier)
	}

	ev := &payments.Event{
		EventID:         "evt_proration",
		Type:            payments.EventChargeSucceeded,
		SubscriptionRef: *sub.ProcessorRef,
		TransactionID:   "pi_2",
	}
	if err := f.svc.HandleProcessorEvent(ctx, ev); err != nil {
		t.Fatalf("apply webhook: %v", err)
	}

	got, _ := f.svc.Status(1)
	if got.Tier != model.TierPremium {
		t.Errorf("tier = %q, want premium once the proration settled", got.Tier)
	}
	if got.PendingPlanID != nil {
		t.Error("staged plan must be cleared after it is applied")
	}
	if ok, _ := f.access.HasFeature(1, access.FeatureExportReports); !ok {
		t.Error("premium feature missing after settled upgrade")
	}
}

func TestWebhookUnknownSubscriptionIgnored(t *testing.T) {
	f := newFixture(t)

	ev := &payments.Event{
		EventID:         "evt_orphan",
		Type:            payments.EventChargeSucceeded,
		SubscriptionRef: "sub_999",
	}
	if err := f.svc.HandleProcessorEvent(context.Background(), ev); err != nil {
		t.Fatalf("orphan webhook must be acknowledged, got %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartTrial(ctx, 1, model.TierStandard); err != nil {
		t.Fatalf("start trial: %v", err)
	}
	if _, err := f.svc.Convert(ctx, 1, "standard_monthly", "tok_visa", "ON"); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, 1, true); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	events, err := f.svc.History(1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want trial/convert/cancel", len(events))
	}
	if events[0].FromStatus != model.StatusNone || events[0].ToStatus != model.StatusTrialing {
		t.Errorf("first event = %s -> %s", events[0].FromStatus, events[0].ToStatus)
	}
	if events[2].ToStatus != model.StatusCanceled {
		t.Errorf("last event to = %s, want canceled", events[2].ToStatus)
	}
}
