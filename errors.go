package graderouter

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrRateLimited         = errors.New("graderouter: rate limited by backend")
	ErrTimeout             = errors.New("graderouter: backend call timed out")
	ErrMalformedResult     = errors.New("graderouter: malformed backend result")
	ErrValidation          = errors.New("graderouter: backend rejected request")
	ErrBackendUnavailable  = errors.New("graderouter: backend unavailable")
	ErrCircuitOpen         = errors.New("graderouter: circuit breaker open")
	ErrTierUnavailable     = errors.New("graderouter: no backend configured for tier")
	ErrItemIrrecoverable   = errors.New("graderouter: item irrecoverable after fallback")
	ErrAllTiersUnavailable = errors.New("graderouter: all tiers unavailable")
	ErrInvalidRequest      = errors.New("graderouter: invalid request")
)

// DispatchError wraps a batch-level backend failure with routing context.
type DispatchError struct {
	Err     error
	BatchID string
	Tier    Tier
	Items   int
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("graderouter: batch=%s tier=%s items=%d: %v",
		e.BatchID, e.Tier, e.Items, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// ItemError is the terminal failure of a single item. It matches both
// ErrItemIrrecoverable and the last underlying cause under errors.Is.
type ItemError struct {
	Err       error
	GroupID   string
	ItemIndex int
	Tier      Tier
	Attempts  int
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("graderouter: group=%s item=%d tier=%s attempts=%d: %v",
		e.GroupID, e.ItemIndex, e.Tier, e.Attempts, e.Err)
}

func (e *ItemError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrItemIrrecoverable}
	}
	return []error{ErrItemIrrecoverable, e.Err}
}

// CountsTowardBreaker returns true for failures that indicate the backend
// itself is struggling.
func CountsTowardBreaker(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable)
}

// IsRetryable returns true if the same items may succeed on another attempt.
func IsRetryable(err error) bool {
	return CountsTowardBreaker(err) ||
		errors.Is(err, ErrMalformedResult) ||
		errors.Is(err, ErrCircuitOpen)
}

// isUnavailable returns true if no attempt could be made at all.
func isUnavailable(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTierUnavailable)
}
