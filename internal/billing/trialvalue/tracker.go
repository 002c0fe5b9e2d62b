package trialvalue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
	"github.com/sproutlyapp/sproutly/internal/billing/store"
)

var (
	// ErrNoActiveTrial is returned when the user has no trial to record
	// against.
	ErrNoActiveTrial = errors.New("no active trial")
	// ErrTrialFrozen is returned once the trial has converted or expired;
	// its progress row is immutable from then on.
	ErrTrialFrozen = errors.New("trial progress is frozen")
)

// UsageEvent is one feature-usage report from the app. EventID is
// client-generated and unique; replays are deduplicated by id.
type UsageEvent struct {
	EventID     string `json:"event_id"`
	Feature     string `json:"feature"`
	ValueMetric int64  `json:"value_metric"` // e.g. minutes saved, conflicts avoided
}

// Tracker aggregates trial usage into an engagement score. The score is a
// monotone function of counters that only grow, so recording is naturally
// idempotent once events are deduplicated.
type Tracker struct {
	trials *store.TrialStore
	logger *slog.Logger
}

func NewTracker(trials *store.TrialStore, logger *slog.Logger) *Tracker {
	return &Tracker{trials: trials, logger: logger}
}

// Record applies one usage event to the user's active trial. A duplicate
// event id is a silent no-op returning the unchanged progress.
func (t *Tracker) Record(userID int64, ev UsageEvent) (*model.TrialProgress, error) {
	if ev.EventID == "" || ev.Feature == "" {
		return nil, fmt.Errorf("usage event needs an id and a feature")
	}
	// Counters only grow; a negative metric would let the score regress.
	if ev.ValueMetric < 0 {
		return nil, fmt.Errorf("usage event value metric must not be negative")
	}

	tp, err := t.trials.GetByUserID(userID)
	if err != nil {
		return nil, err
	}
	if tp == nil {
		return nil, ErrNoActiveTrial
	}
	now := time.Now().UTC()
	if tp.Converted || now.After(tp.TrialEnd) {
		return nil, ErrTrialFrozen
	}

	inserted, err := t.trials.InsertUsageEvent(ev.EventID, tp.ID, ev.Feature, ev.ValueMetric)
	if err != nil {
		return nil, err
	}
	if !inserted {
		t.logger.Debug("duplicate usage event ignored", "event_id", ev.EventID, "trial", tp.ID)
		return tp, nil
	}

	tp.FeatureCounts[ev.Feature]++
	tp.ValueMetric += ev.ValueMetric
	tp.EngagementScore = Score(len(tp.FeatureCounts), tp.ValueMetric)
	if err := t.trials.SaveProgress(tp); err != nil {
		return nil, err
	}
	return tp, nil
}

// Progress returns the user's trial progress, or nil if they never trialed.
func (t *Tracker) Progress(userID int64) (*model.TrialProgress, error) {
	return t.trials.GetByUserID(userID)
}

// Score maps distinct features used and cumulative value metric to a 0-100
// engagement score. Both inputs only grow during a trial, so the score is
// monotone non-decreasing. Breadth of usage dominates: trying every feature
// is worth more than heavy use of one.
func Score(distinctFeatures int, valueMetric int64) int {
	breadth := distinctFeatures * 12
	if breadth > 60 {
		breadth = 60
	}
	depth := int(valueMetric / 5)
	if depth > 40 {
		depth = 40
	}
	score := breadth + depth
	if score > 100 {
		score = 100
	}
	return score
}
