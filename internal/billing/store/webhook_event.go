package store

import (
	"database/sql"
	"fmt"
)

// WebhookEventStore is the processor event dedup set. Each inbound event id
// is recorded exactly once; webhook handling proceeds only for ids seen for
// the first time.
type WebhookEventStore struct {
	db *sql.DB
}

func NewWebhookEventStore(db *sql.DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

// MarkProcessed records the event id, returning true if this is the first
// time the id has been seen. A duplicate returns false with no error: the
// processor retried delivery and must receive success.
func (s *WebhookEventStore) MarkProcessed(eventID, eventType, subscriptionRef string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO webhook_events (event_id, type, subscription_ref) VALUES (?, ?, ?)`,
		eventID, eventType, subscriptionRef,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Seen reports whether the event id has already been processed.
func (s *WebhookEventStore) Seen(eventID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM webhook_events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return n > 0, nil
}
