package store

import (
	"database/sql"
	"fmt"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
)

// FeatureAccessStore persists the derived entitlement projection. It is not
// a source of truth: Replace overwrites the user's rows wholesale, so the
// table can always be regenerated from subscription state.
type FeatureAccessStore struct {
	db *sql.DB
}

func NewFeatureAccessStore(db *sql.DB) *FeatureAccessStore {
	return &FeatureAccessStore{db: db}
}

// Replace swaps the user's entire projection in one transaction. Calling it
// twice with the same rows is a no-op beyond updated_at.
func (s *FeatureAccessStore) Replace(userID int64, rows []model.FeatureAccess) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM feature_access WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear feature access: %w", err)
	}
	for _, fa := range rows {
		enabled := 0
		if fa.Enabled {
			enabled = 1
		}
		_, err := tx.Exec(
			`INSERT INTO feature_access (user_id, feature, enabled, granted_tier) VALUES (?, ?, ?, ?)`,
			userID, fa.Feature, enabled, fa.GrantedTier,
		)
		if err != nil {
			return fmt.Errorf("insert feature access: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *FeatureAccessStore) ListByUser(userID int64) ([]model.FeatureAccess, error) {
	rows, err := s.db.Query(
		`SELECT user_id, feature, enabled, granted_tier, updated_at
		 FROM feature_access WHERE user_id = ? ORDER BY feature`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list feature access: %w", err)
	}
	defer rows.Close()

	var out []model.FeatureAccess
	for rows.Next() {
		var fa model.FeatureAccess
		var enabled int
		if err := rows.Scan(&fa.UserID, &fa.Feature, &enabled, &fa.GrantedTier, &fa.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan feature access: %w", err)
		}
		fa.Enabled = enabled != 0
		out = append(out, fa)
	}
	return out, rows.Err()
}

// HasFeature is the lock-free read path for access checks.
func (s *FeatureAccessStore) HasFeature(userID int64, feature string) (bool, error) {
	var enabled int
	err := s.db.QueryRow(
		`SELECT enabled FROM feature_access WHERE user_id = ? AND feature = ?`,
		userID, feature,
	).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check feature access: %w", err)
	}
	return enabled != 0, nil
}
