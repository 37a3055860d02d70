package flow

import "time"

// retryDelay returns the wait before re-running a failed node: the base
// delay doubled per attempt, capped by the settings. Attempt 0 is the
// first retry.
func retryDelay(rs *RetrySettings, attempt int) time.Duration {
	base := rs.Base()
	limit := rs.Cap()
	if attempt >= 16 {
		return limit
	}
	d := base << uint(attempt)
	if d <= 0 || d > limit {
		return limit
	}
	return d
}
