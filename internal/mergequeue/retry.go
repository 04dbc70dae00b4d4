package mergequeue

import (
	"time"
)

// RetryPolicy controls automatic re-integration of failed items.
type RetryPolicy struct {
	Enabled    bool
	MaxRetries int // Default per-item limit
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns 3 retries backing off from 1s up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:    true,
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// BackoffDelay returns min(base * 2^retryCount, max).
func BackoffDelay(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if base >= max {
		return max
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	return delay
}

// MaxFor returns the retry limit that applies to item.
func (p RetryPolicy) MaxFor(item *Item) int {
	if item.MaxRetries != nil {
		return *item.MaxRetries
	}
	return p.MaxRetries
}

// CanRetry reports whether item may be retried at now.
func (p RetryPolicy) CanRetry(item *Item, now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if item.RetryCount >= p.MaxFor(item) {
		return false
	}
	if item.NextRetryAfter != nil && item.NextRetryAfter.After(now) {
		return false
	}
	return true
}

// PrepareForRetry resets item to pending for another attempt and returns the
// backoff delay that gates the attempt after this one.
func (p RetryPolicy) PrepareForRetry(item *Item, now time.Time) time.Duration {
	delay := BackoffDelay(item.RetryCount, p.BaseDelay, p.MaxDelay)
	item.RetryCount++
	next := now.Add(delay)
	item.NextRetryAfter = &next

	if item.OriginalError == "" {
		item.OriginalError = item.Error
	}
	item.Status = StatusPending
	item.IsRetry = true
	item.CompletedAt = time.Time{}
	item.Error = ""
	return delay
}
