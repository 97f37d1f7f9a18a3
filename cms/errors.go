// ABOUTME: Error taxonomy for CMS responses
// ABOUTME: Distinguishes rate-limit, validation, and not-found failures for per-item handling
package cms

import (
	"fmt"
	"time"
)

// RateLimitError reports a 429 from the CMS. The gateway absorbs these and
// retries after the budget resets; reconciler code never sees one.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("cms rate limited, retry after %s", e.RetryAfter)
	}
	return "cms rate limited"
}

// ValidationError reports a payload the CMS rejected. These are item-level
// failures; the batch keeps going.
type ValidationError struct {
	StatusCode int
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cms rejected payload (status %d): %s", e.StatusCode, e.Detail)
}

// NotFoundError means the CMS entity vanished between snapshot and update.
// The next full run recreates it, so callers treat this as a skip rather
// than a failure.
type NotFoundError struct {
	ItemID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cms item %s not found", e.ItemID)
}
