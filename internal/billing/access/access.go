package access

import (
	"fmt"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
	"github.com/sproutlyapp/sproutly/internal/billing/store"
)

// Product features gated by subscription tier.
const (
	FeatureLogBasic          = "log_basic"
	FeatureInventoryBasic    = "inventory_basic"
	FeatureSmartReminders    = "smart_reminders"
	FeatureInventoryForecast = "inventory_forecast"
	FeatureMultiCaregiver    = "multi_caregiver"
	FeatureConflictAlerts    = "conflict_alerts"
	FeatureExportReports     = "export_reports"
	FeaturePrioritySupport   = "priority_support"
)

// AllFeatures is the full feature universe, in projection row order.
var AllFeatures = []string{
	FeatureLogBasic,
	FeatureInventoryBasic,
	FeatureSmartReminders,
	FeatureInventoryForecast,
	FeatureMultiCaregiver,
	FeatureConflictAlerts,
	FeatureExportReports,
	FeaturePrioritySupport,
}

var tierFeatures = map[model.Tier][]string{
	model.TierFree: {
		FeatureLogBasic,
		FeatureInventoryBasic,
	},
	model.TierStandard: {
		FeatureLogBasic,
		FeatureInventoryBasic,
		FeatureSmartReminders,
		FeatureInventoryForecast,
		FeatureMultiCaregiver,
	},
	model.TierPremium: {
		FeatureLogBasic,
		FeatureInventoryBasic,
		FeatureSmartReminders,
		FeatureInventoryForecast,
		FeatureMultiCaregiver,
		FeatureConflictAlerts,
		FeatureExportReports,
		FeaturePrioritySupport,
	},
}

// EffectiveTier derives which tier's features a subscription currently
// grants. Past-due subscriptions keep their tier during the grace period;
// canceled and expired ones revert to free.
func EffectiveTier(sub *model.Subscription) model.Tier {
	if sub == nil {
		return model.TierFree
	}
	switch sub.Status {
	case model.StatusTrialing, model.StatusActive, model.StatusPastDue:
		return sub.Tier
	default:
		return model.TierFree
	}
}

// FeaturesFor returns the enabled feature set for a tier.
func FeaturesFor(tier model.Tier) []string {
	return tierFeatures[tier]
}

// Synchronizer maintains the FeatureAccess projection. Sync is a pure
// function of subscription state applied as a full overwrite, so it is
// idempotent and safe to run from any process at any time.
type Synchronizer struct {
	access *store.FeatureAccessStore
}

func NewSynchronizer(access *store.FeatureAccessStore) *Synchronizer {
	return &Synchronizer{access: access}
}

// Project computes the projection rows without persisting them.
func Project(userID int64, sub *model.Subscription) []model.FeatureAccess {
	tier := EffectiveTier(sub)
	enabled := make(map[string]bool, len(tierFeatures[tier]))
	for _, f := range tierFeatures[tier] {
		enabled[f] = true
	}

	rows := make([]model.FeatureAccess, 0, len(AllFeatures))
	now := time.Now().UTC()
	for _, f := range AllFeatures {
		rows = append(rows, model.FeatureAccess{
			UserID:      userID,
			Feature:     f,
			Enabled:     enabled[f],
			GrantedTier: tier,
			UpdatedAt:   now,
		})
	}
	return rows
}

// Sync recomputes and overwrites the user's projection from the given
// subscription (nil means no subscription: free tier).
func (s *Synchronizer) Sync(userID int64, sub *model.Subscription) ([]model.FeatureAccess, error) {
	rows := Project(userID, sub)
	if err := s.access.Replace(userID, rows); err != nil {
		return nil, fmt.Errorf("replace feature access for user %d: %w", userID, err)
	}
	return rows, nil
}
