package executor

import "time"

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
)

// Delay returns the exponential backoff delay before retry attempt n.
// Attempt 1 is the first retry: base 500ms doubling per attempt, capped at 8s.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}
