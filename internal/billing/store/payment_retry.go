package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PaymentRetry is the dunning state for one past_due subscription.
type PaymentRetry struct {
	SubscriptionID int64      `json:"subscription_id"`
	Attempts       int        `json:"attempts"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastError      string     `json:"last_error"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type PaymentRetryStore struct {
	db *sql.DB
}

func NewPaymentRetryStore(db *sql.DB) *PaymentRetryStore {
	return &PaymentRetryStore{db: db}
}

// Upsert creates or replaces the retry row for a subscription.
func (s *PaymentRetryStore) Upsert(subscriptionID int64, attempts int, nextRetryAt *time.Time, lastError string) error {
	var next sql.NullTime
	if nextRetryAt != nil {
		next = sql.NullTime{Time: *nextRetryAt, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO payment_retries (subscription_id, attempts, next_retry_at, last_error, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(subscription_id) DO UPDATE SET
			attempts = excluded.attempts,
			next_retry_at = excluded.next_retry_at,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP`,
		subscriptionID, attempts, next, lastError,
	)
	if err != nil {
		return fmt.Errorf("upsert payment retry: %w", err)
	}
	return nil
}

func (s *PaymentRetryStore) Get(subscriptionID int64) (*PaymentRetry, error) {
	row := s.db.QueryRow(
		`SELECT subscription_id, attempts, next_retry_at, last_error, updated_at
		 FROM payment_retries WHERE subscription_id = ?`,
		subscriptionID,
	)
	pr, err := scanPaymentRetry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment retry: %w", err)
	}
	return pr, nil
}

// ListDue returns retry rows whose next attempt is at or before now.
func (s *PaymentRetryStore) ListDue(now time.Time) ([]*PaymentRetry, error) {
	rows, err := s.db.Query(
		`SELECT subscription_id, attempts, next_retry_at, last_error, updated_at
		 FROM payment_retries WHERE next_retry_at IS NOT NULL AND next_retry_at <= ?`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due payment retries: %w", err)
	}
	defer rows.Close()

	var out []*PaymentRetry
	for rows.Next() {
		pr, err := scanPaymentRetry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment retry: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// Delete clears retry state once a charge succeeds or the subscription is
// finalized.
func (s *PaymentRetryStore) Delete(subscriptionID int64) error {
	_, err := s.db.Exec(`DELETE FROM payment_retries WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("delete payment retry: %w", err)
	}
	return nil
}

func scanPaymentRetry(scanner interface{ Scan(...any) error }) (*PaymentRetry, error) {
	var pr PaymentRetry
	var next sql.NullTime
	err := scanner.Scan(&pr.SubscriptionID, &pr.Attempts, &next, &pr.LastError, &pr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if next.Valid {
		pr.NextRetryAt = &next.Time
	}
	return &pr, nil
}
