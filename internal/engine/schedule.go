package engine

import "time"

// RetrySchedule is the fixed table of delays between successive delivery
// attempts. After the k-th consecutive failure the next attempt runs
// RetrySchedule[k-1] later; a failure with no entry left makes the delivery
// terminally failed. There is no separate max-attempts knob — exhausting the
// table is giving up.
var RetrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// MaxAttempts returns the total number of transport attempts a delivery gets.
func MaxAttempts() int {
	return len(RetrySchedule) + 1
}

// NextDelay returns the backoff delay after failedAttempts consecutive
// failures. ok is false once the schedule is exhausted.
func NextDelay(failedAttempts int) (delay time.Duration, ok bool) {
	if failedAttempts < 1 || failedAttempts > len(RetrySchedule) {
		return 0, false
	}
	return RetrySchedule[failedAttempts-1], true
}
