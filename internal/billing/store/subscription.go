package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
)

// ErrVersionConflict is returned when an optimistic-concurrency update loses
// to a concurrently committed write. Callers should re-fetch and retry.
var ErrVersionConflict = errors.New("subscription modified concurrently")

type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionCols = `id, user_id, tier, status, interval, currency, jurisdiction,
	period_start, period_end, trial_start, trial_end, cooling_off_deadline,
	cancel_at, canceled_at, grace_deadline, pending_plan_id, pending_jurisdiction,
	processor_ref, version, created_at, updated_at`

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var trialStart, trialEnd, coolingOff, cancelAt, canceledAt, graceDeadline sql.NullTime
	var pendingPlanID, pendingJurisdiction, processorRef sql.NullString
	err := scanner.Scan(
		&sub.ID, &sub.UserID, &sub.Tier, &sub.Status, &sub.Interval, &sub.Currency,
		&sub.Jurisdiction, &sub.PeriodStart, &sub.PeriodEnd, &trialStart, &trialEnd,
		&coolingOff, &cancelAt, &canceledAt, &graceDeadline, &pendingPlanID,
		&pendingJurisdiction, &processorRef,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if trialStart.Valid {
		sub.TrialStart = &trialStart.Time
	}
	if trialEnd.Valid {
		sub.TrialEnd = &trialEnd.Time
	}
	if coolingOff.Valid {
		sub.CoolingOffDeadline = &coolingOff.Time
	}
	if cancelAt.Valid {
		sub.CancelAt = &cancelAt.Time
	}
	if canceledAt.Valid {
		sub.CanceledAt = &canceledAt.Time
	}
	if graceDeadline.Valid {
		sub.GraceDeadline = &graceDeadline.Time
	}
	if pendingPlanID.Valid {
		sub.PendingPlanID = &pendingPlanID.String
	}
	if pendingJurisdiction.Valid {
		sub.PendingJurisdiction = &pendingJurisdiction.String
	}
	if processorRef.Valid {
		sub.ProcessorRef = &processorRef.String
	}
	return &sub, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// Create inserts a new subscription and returns it with its assigned id.
// The partial unique index on open subscriptions enforces the one
// non-terminal subscription per user invariant at the database level.
func (s *SubscriptionStore) Create(sub *model.Subscription) (*model.Subscription, error) {
	result, err := s.db.Exec(
		`INSERT INTO subscriptions (user_id, tier, status, interval, currency, jurisdiction,
			period_start, period_end, trial_start, trial_end, cooling_off_deadline,
			pending_plan_id, pending_jurisdiction, processor_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.Tier, sub.Status, sub.Interval, sub.Currency, sub.Jurisdiction,
		sub.PeriodStart, sub.PeriodEnd, nullTime(sub.TrialStart), nullTime(sub.TrialEnd),
		nullTime(sub.CoolingOffDeadline), nullString(sub.PendingPlanID),
		nullString(sub.PendingJurisdiction), nullString(sub.ProcessorRef),
	)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *SubscriptionStore) GetByID(id int64) (*model.Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// GetOpenByUserID returns the user's non-canceled subscription, or nil.
func (s *SubscriptionStore) GetOpenByUserID(userID int64) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ? AND status != 'canceled'`,
		userID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by user: %w", err)
	}
	return sub, nil
}

// GetLatestByUserID returns the user's most recent subscription regardless of
// status, or nil.
func (s *SubscriptionStore) GetLatestByUserID(userID int64) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest subscription by user: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByProcessorRef(ref string) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE processor_ref = ?`, ref,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by processor ref: %w", err)
	}
	return sub, nil
}

// HasEverTrialed reports whether the user has ever started a trial, across
// all subscriptions including canceled ones. Backs the lifetime-once rule.
func (s *SubscriptionStore) HasEverTrialed(userID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM subscriptions WHERE user_id = ? AND trial_start IS NOT NULL`,
		userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count trials: %w", err)
	}
	return n > 0, nil
}

// Update writes back every mutable field of sub, guarded by its version.
// Returns ErrVersionConflict if another writer committed first; the caller
// holds a stale snapshot and must re-fetch.
func (s *SubscriptionStore) Update(sub *model.Subscription) (*model.Subscription, error) {
	result, err := s.db.Exec(
		`UPDATE subscriptions SET tier = ?, status = ?, interval = ?, jurisdiction = ?,
			period_start = ?, period_end = ?, trial_start = ?, trial_end = ?,
			cooling_off_deadline = ?, cancel_at = ?, canceled_at = ?, grace_deadline = ?,
			pending_plan_id = ?, pending_jurisdiction = ?,
			processor_ref = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND version = ?`,
		sub.Tier, sub.Status, sub.Interval, sub.Jurisdiction,
		sub.PeriodStart, sub.PeriodEnd, nullTime(sub.TrialStart), nullTime(sub.TrialEnd),
		nullTime(sub.CoolingOffDeadline), nullTime(sub.CancelAt), nullTime(sub.CanceledAt),
		nullTime(sub.GraceDeadline), nullString(sub.PendingPlanID),
		nullString(sub.PendingJurisdiction), nullString(sub.ProcessorRef),
		sub.ID, sub.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrVersionConflict
	}
	return s.GetByID(sub.ID)
}

// ListByStatusBefore returns subscriptions in the given status whose value in
// the named deadline column is at or before cutoff. Used by the scheduler
// sweeps; column is one of the fixed deadline columns, never user input.
func (s *SubscriptionStore) listByStatusBefore(status model.Status, column string, cutoff time.Time) ([]*model.Subscription, error) {
	rows, err := s.db.Query(
		`SELECT `+subscriptionCols+` FROM subscriptions
		 WHERE status = ? AND `+column+` IS NOT NULL AND `+column+` <= ?`,
		status, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s by %s: %w", status, column, err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListGraceExpired returns past_due subscriptions whose grace deadline has
// passed.
func (s *SubscriptionStore) ListGraceExpired(now time.Time) ([]*model.Subscription, error) {
	return s.listByStatusBefore(model.StatusPastDue, "grace_deadline", now)
}

// ListCancelDue returns granting subscriptions with a scheduled cancellation
// at or before now. Trials may be scheduled to end at their trial boundary, so
// the query is not restricted to active rows.
func (s *SubscriptionStore) ListCancelDue(now time.Time) ([]*model.Subscription, error) {
	rows, err := s.db.Query(
		`SELECT `+subscriptionCols+` FROM subscriptions
		 WHERE status IN (?, ?, ?) AND cancel_at IS NOT NULL AND cancel_at <= ?`,
		model.StatusTrialing, model.StatusActive, model.StatusPastDue, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list cancels due: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListTrialsExpired returns trialing subscriptions whose trial window closed
// without conversion.
func (s *SubscriptionStore) ListTrialsExpired(now time.Time) ([]*model.Subscription, error) {
	return s.listByStatusBefore(model.StatusTrialing, "trial_end", now)
}

// ListRenewalsDue returns active subscriptions whose period has ended and
// that are not scheduled to cancel.
func (s *SubscriptionStore) ListRenewalsDue(now time.Time) ([]*model.Subscription, error) {
	rows, err := s.db.Query(
		`SELECT `+subscriptionCols+` FROM subscriptions
		 WHERE status = ? AND cancel_at IS NULL AND period_end <= ?`,
		model.StatusActive, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list renewals due: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
