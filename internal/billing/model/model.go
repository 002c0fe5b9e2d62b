package model

import "time"

// Tier is a product tier a subscription grants access to.
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStandard, TierPremium:
		return true
	}
	return false
}

// Status is the lifecycle state of a subscription.
type Status string

const (
	// StatusNone never appears on a stored subscription; it is the
	// transition source for newly created ones in the audit trail.
	StatusNone     Status = "none"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired_no_conversion"
)

// Terminal reports whether no further transitions are possible from s.
// An expired trial is not terminal: the user can still convert to paid.
func (s Status) Terminal() bool {
	return s == StatusCanceled
}

// Granting reports whether s grants the subscription's paid-tier features.
func (s Status) Granting() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	}
	return false
}

// Interval is the billing interval of a paid subscription.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Subscription is the authoritative lifecycle record, at most one
// non-terminal row per user. Rows are never deleted; terminal statuses are
// kept for the multi-year tax retention requirement.
type Subscription struct {
	ID                  int64      `json:"id"`
	UserID              int64      `json:"user_id"`
	Tier                Tier       `json:"tier"`
	Status              Status     `json:"status"`
	Interval            Interval   `json:"interval"`
	Currency            string     `json:"currency"` // always CAD
	Jurisdiction        string     `json:"jurisdiction"`
	PeriodStart         time.Time  `json:"period_start"`
	PeriodEnd           time.Time  `json:"period_end"`
	TrialStart          *time.Time `json:"trial_start,omitempty"`
	TrialEnd            *time.Time `json:"trial_end,omitempty"`
	CoolingOffDeadline  *time.Time `json:"cooling_off_deadline,omitempty"` // annual plans only
	CancelAt            *time.Time `json:"cancel_at,omitempty"`            // scheduled period-end cancellation
	CanceledAt          *time.Time `json:"canceled_at,omitempty"`
	GraceDeadline       *time.Time `json:"grace_deadline,omitempty"` // set while past_due
	PendingPlanID       *string    `json:"pending_plan_id,omitempty"`      // staged plan awaiting charge settlement
	PendingJurisdiction *string    `json:"pending_jurisdiction,omitempty"` // staged with PendingPlanID on conversion
	ProcessorRef        *string    `json:"processor_ref,omitempty"`        // nil until first successful charge
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// InCoolingOff reports whether now falls inside the statutory cooling-off
// window. Only annual subscriptions carry a deadline.
func (s *Subscription) InCoolingOff(now time.Time) bool {
	return s.CoolingOffDeadline != nil && !now.After(*s.CoolingOffDeadline)
}

// TrialProgress tracks feature usage during a trial. Immutable once the
// trial converts or expires.
type TrialProgress struct {
	ID              int64            `json:"id"`
	SubscriptionID  int64            `json:"subscription_id"`
	Tier            Tier             `json:"tier"`
	TrialStart      time.Time        `json:"trial_start"`
	TrialEnd        time.Time        `json:"trial_end"`
	FeatureCounts   map[string]int64 `json:"feature_counts"`
	ValueMetric     int64            `json:"value_metric"`
	EngagementScore int              `json:"engagement_score"` // 0-100
	Converted       bool             `json:"converted"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// TransactionType classifies a BillingRecord.
type TransactionType string

const (
	TransactionCharge     TransactionType = "charge"
	TransactionRefund     TransactionType = "refund"
	TransactionProration  TransactionType = "proration"
	TransactionAdjustment TransactionType = "adjustment"
)

// RecordStatus is the settlement state of a BillingRecord.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
)

// BillingRecord is an append-only ledger entry. Records in a terminal status
// are never updated; corrections are new adjustment records referencing the
// original.
type BillingRecord struct {
	ID             string          `json:"id"` // uuid
	SubscriptionID int64           `json:"subscription_id"`
	Type           TransactionType `json:"type"`
	AmountCents    int64           `json:"amount_cents"` // pre-tax, negative for credits
	TaxCents       int64           `json:"tax_cents"`
	TotalCents     int64           `json:"total_cents"`
	TaxDetail      string          `json:"tax_detail"` // serialized tax lines
	IdempotencyKey string          `json:"idempotency_key"`
	ProcessorTxnID *string         `json:"processor_txn_id,omitempty"`
	Status         RecordStatus    `json:"status"`
	CorrectsID     *string         `json:"corrects_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// FeatureAccess is one row of the entitlement projection: does the user
// have the feature, and which tier granted it. Derived data, safe to
// regenerate from the subscription at any time.
type FeatureAccess struct {
	UserID      int64     `json:"user_id"`
	Feature     string    `json:"feature"`
	Enabled     bool      `json:"enabled"`
	GrantedTier Tier      `json:"granted_tier"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaxRate is versioned reference data for one tax line of one jurisdiction.
// Rates are stored in micros (rate * 1,000,000) so QST's 9.975% is exact:
// 13% = 130000, 9.975% = 99750.
type TaxRate struct {
	ID            int64     `json:"id"`
	Jurisdiction  string    `json:"jurisdiction"` // province/territory code
	Kind          string    `json:"kind"`         // GST, PST, HST, QST
	RateMicros    int64     `json:"rate_micros"`
	EffectiveFrom time.Time `json:"effective_from"`
}

// SubscriptionEvent is one row of the lifecycle audit trail.
type SubscriptionEvent struct {
	ID             int64     `json:"id"`
	SubscriptionID int64     `json:"subscription_id"`
	FromStatus     Status    `json:"from_status"`
	ToStatus       Status    `json:"to_status"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}
