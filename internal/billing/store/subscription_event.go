package store

import (
	"database/sql"
	"fmt"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
)

// SubscriptionEventStore is the lifecycle audit trail: one append-only row
// per status transition.
type SubscriptionEventStore struct {
	db *sql.DB
}

func NewSubscriptionEventStore(db *sql.DB) *SubscriptionEventStore {
	return &SubscriptionEventStore{db: db}
}

func (s *SubscriptionEventStore) Append(subscriptionID int64, from, to model.Status, reason string) error {
	_, err := s.db.Exec(
		`INSERT INTO subscription_events (subscription_id, from_status, to_status, reason) VALUES (?, ?, ?, ?)`,
		subscriptionID, from, to, reason,
	)
	if err != nil {
		return fmt.Errorf("append subscription event: %w", err)
	}
	return nil
}

func (s *SubscriptionEventStore) ListBySubscription(subscriptionID int64) ([]model.SubscriptionEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, subscription_id, from_status, to_status, reason, created_at
		 FROM subscription_events WHERE subscription_id = ? ORDER BY id ASC`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscription events: %w", err)
	}
	defer rows.Close()

	var out []model.SubscriptionEvent
	for rows.Next() {
		var ev model.SubscriptionEvent
		if err := rows.Scan(&ev.ID, &ev.SubscriptionID, &ev.FromStatus, &ev.ToStatus, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
