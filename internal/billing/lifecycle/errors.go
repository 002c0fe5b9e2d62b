package lifecycle

import "errors"

// The operation error taxonomy. Validation errors are never retried;
// payment errors leave the subscription unchanged; ErrConcurrentModification
// is retryable after a re-fetch.
var (
	ErrAlreadyTrialed         = errors.New("user has already had a trial")
	ErrExistingSubscription   = errors.New("user already has a paid subscription")
	ErrNoActiveSubscription   = errors.New("no active subscription")
	ErrNothingToCancel        = errors.New("nothing to cancel")
	ErrInvalidPlan            = errors.New("invalid plan")
	ErrInvalidTier            = errors.New("invalid tier")
	ErrInvalidJurisdiction    = errors.New("invalid jurisdiction")
	ErrPaymentDeclined        = errors.New("payment declined")
	ErrPaymentPending         = errors.New("payment outcome pending")
	ErrConcurrentModification = errors.New("subscription modified concurrently")
)
