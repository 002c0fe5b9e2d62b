package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
)

type TrialStore struct {
	db *sql.DB
}

func NewTrialStore(db *sql.DB) *TrialStore {
	return &TrialStore{db: db}
}

const trialCols = `id, subscription_id, tier, trial_start, trial_end, feature_counts,
	value_metric, engagement_score, converted, created_at, updated_at`

func scanTrial(scanner interface{ Scan(...any) error }) (*model.TrialProgress, error) {
	var tp model.TrialProgress
	var counts string
	var converted int
	err := scanner.Scan(
		&tp.ID, &tp.SubscriptionID, &tp.Tier, &tp.TrialStart, &tp.TrialEnd,
		&counts, &tp.ValueMetric, &tp.EngagementScore, &converted,
		&tp.CreatedAt, &tp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tp.Converted = converted != 0
	tp.FeatureCounts = make(map[string]int64)
	if counts != "" {
		if err := json.Unmarshal([]byte(counts), &tp.FeatureCounts); err != nil {
			return nil, fmt.Errorf("decode feature counts: %w", err)
		}
	}
	return &tp, nil
}

func (s *TrialStore) Create(subscriptionID int64, tier model.Tier, start, end time.Time) (*model.TrialProgress, error) {
	result, err := s.db.Exec(
		`INSERT INTO trial_progress (subscription_id, tier, trial_start, trial_end) VALUES (?, ?, ?, ?)`,
		subscriptionID, tier, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("insert trial progress: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *TrialStore) GetByID(id int64) (*model.TrialProgress, error) {
	row := s.db.QueryRow(`SELECT `+trialCols+` FROM trial_progress WHERE id = ?`, id)
	tp, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trial progress: %w", err)
	}
	return tp, nil
}

func (s *TrialStore) GetBySubscriptionID(subscriptionID int64) (*model.TrialProgress, error) {
	row := s.db.QueryRow(`SELECT `+trialCols+` FROM trial_progress WHERE subscription_id = ?`, subscriptionID)
	tp, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trial progress by subscription: %w", err)
	}
	return tp, nil
}

// GetByUserID returns the trial progress for the user's most recent trial,
// or nil if the user never trialed.
func (s *TrialStore) GetByUserID(userID int64) (*model.TrialProgress, error) {
	row := s.db.QueryRow(
		`SELECT t.id, t.subscription_id, t.tier, t.trial_start, t.trial_end, t.feature_counts,
			t.value_metric, t.engagement_score, t.converted, t.created_at, t.updated_at
		 FROM trial_progress t
		 JOIN subscriptions s ON s.id = t.subscription_id
		 WHERE s.user_id = ?
		 ORDER BY t.created_at DESC, t.id DESC LIMIT 1`,
		userID,
	)
	tp, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trial progress by user: %w", err)
	}
	return tp, nil
}

// SaveProgress writes back the mutable aggregation fields.
func (s *TrialStore) SaveProgress(tp *model.TrialProgress) error {
	counts, err := json.Marshal(tp.FeatureCounts)
	if err != nil {
		return fmt.Errorf("encode feature counts: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE trial_progress SET feature_counts = ?, value_metric = ?, engagement_score = ?,
			updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(counts), tp.ValueMetric, tp.EngagementScore, tp.ID,
	)
	if err != nil {
		return fmt.Errorf("save trial progress: %w", err)
	}
	return nil
}

// MarkConverted flags the trial as converted, freezing it for aggregation.
func (s *TrialStore) MarkConverted(id int64) error {
	_, err := s.db.Exec(
		`UPDATE trial_progress SET converted = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark trial converted: %w", err)
	}
	return nil
}

// InsertUsageEvent records a usage event id, returning false if the id was
// already seen. The primary key on event_id is the dedup set: replaying an
// event is a no-op.
func (s *TrialStore) InsertUsageEvent(eventID string, trialID int64, feature string, valueMetric int64) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO trial_usage_events (event_id, trial_id, feature, value_metric) VALUES (?, ?, ?, ?)`,
		eventID, trialID, feature, valueMetric,
	)
	if err != nil {
		return false, fmt.Errorf("insert usage event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}
