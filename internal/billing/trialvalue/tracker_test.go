package trialvalue

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/database"
	"github.com/sproutlyapp/sproutly/internal/billing/model"
	"github.com/sproutlyapp/sproutly/internal/billing/store"
)

func setupTracker(t *testing.T, trialEnd time.Time) (*Tracker, *store.TrialStore, *model.TrialProgress) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Now().UTC()
	sub, err := store.NewSubscriptionStore(db).Create(&model.Subscription{
		UserID:      1,
		Tier:        model.TierStandard,
		Status:      model.StatusTrialing,
		Interval:    model.IntervalMonthly,
		Currency:    "CAD",
		PeriodStart: now,
		PeriodEnd:   trialEnd,
		TrialStart:  &now,
		TrialEnd:    &trialEnd,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	trials := store.NewTrialStore(db)
	tp, err := trials.Create(sub.ID, model.TierStandard, now, trialEnd)
	if err != nil {
		t.Fatalf("create trial: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(trials, logger), trials, tp
}

func TestRecordAggregates(t *testing.T) {
	tracker, _, _ := setupTracker(t, time.Now().UTC().Add(14*24*time.Hour))

	tp, err := tracker.Record(1, UsageEvent{EventID: "e1", Feature: "smart_reminders", ValueMetric: 10})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if tp.FeatureCounts["smart_reminders"] != 1 || tp.ValueMetric != 10 {
		t.Errorf("progress = %+v", tp)
	}
	// 1 distinct feature * 12 + 10/5 = 14.
	if tp.EngagementScore != 14 {
		t.Errorf("score = %d, want 14", tp.EngagementScore)
	}

	tp, err = tracker.Record(1, UsageEvent{EventID: "e2", Feature: "inventory_forecast", ValueMetric: 25})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(tp.FeatureCounts) != 2 || tp.ValueMetric != 35 {
		t.Errorf("progress = %+v", tp)
	}
	// 2 * 12 + 35/5 = 31.
	if tp.EngagementScore != 31 {
		t.Errorf("score = %d, want 31", tp.EngagementScore)
	}
}

func TestRecordDeduplicates(t *testing.T) {
	tracker, trials, _ := setupTracker(t, time.Now().UTC().Add(14*24*time.Hour))

	ev := UsageEvent{EventID: "e1", Feature: "smart_reminders", ValueMetric: 10}
	if _, err := tracker.Record(1, ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := tracker.Record(1, ev); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}

	tp, err := trials.GetByUserID(1)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if tp.FeatureCounts["smart_reminders"] != 1 || tp.ValueMetric != 10 {
		t.Errorf("duplicate event must not change the aggregates: %+v", tp)
	}
}

func TestRecordRequiresActiveTrial(t *testing.T) {
	tracker, trials, tp := setupTracker(t, time.Now().UTC().Add(14*24*time.Hour))

	if _, err := tracker.Record(99, UsageEvent{EventID: "e1", Feature: "f"}); !errors.Is(err, ErrNoActiveTrial) {
		t.Errorf("err = %v, want ErrNoActiveTrial", err)
	}

	if err := trials.MarkConverted(tp.ID); err != nil {
		t.Fatalf("mark converted: %v", err)
	}
	if _, err := tracker.Record(1, UsageEvent{EventID: "e2", Feature: "f"}); !errors.Is(err, ErrTrialFrozen) {
		t.Errorf("err after conversion = %v, want ErrTrialFrozen", err)
	}
}

func TestRecordRejectsNegativeMetric(t *testing.T) {
	tracker, _, _ := setupTracker(t, time.Now().UTC().Add(14*24*time.Hour))

	before, err := tracker.Record(1, UsageEvent{EventID: "e1", Feature: "smart_reminders", ValueMetric: 10})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := tracker.Record(1, UsageEvent{EventID: "e2", Feature: "smart_reminders", ValueMetric: -5}); err == nil {
		t.Fatal("negative value metric must be rejected")
	}

	after, err := tracker.Progress(1)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if after.EngagementScore != before.EngagementScore || after.ValueMetric != before.ValueMetric {
		t.Errorf("progress changed after rejected event: %+v", after)
	}
}

func TestRecordFrozenAfterTrialEnd(t *testing.T) {
	tracker, _, _ := setupTracker(t, time.Now().UTC().Add(-time.Hour))

	if _, err := tracker.Record(1, UsageEvent{EventID: "e1", Feature: "f"}); !errors.Is(err, ErrTrialFrozen) {
		t.Errorf("err = %v, want ErrTrialFrozen", err)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		distinct int
		metric   int64
		want     int
	}{
		{0, 0, 0},
		{1, 0, 12},
		{5, 0, 60}, // breadth caps at 60
		{8, 0, 60},
		{0, 200, 40}, // depth caps at 40
		{8, 500, 100},
		{3, 50, 46},
	}
	for _, tt := range tests {
		if got := Score(tt.distinct, tt.metric); got != tt.want {
			t.Errorf("Score(%d, %d) = %d, want %d", tt.distinct, tt.metric, got, tt.want)
		}
	}
}
