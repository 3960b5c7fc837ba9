package queue

import "time"

// RetryingThreshold is the attempt count at which the agent reports a submission as retrying.
const RetryingThreshold = 3

var backoffSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// Backoff returns the delay before the next attempt of a record that has already failed attempts times.
// The schedule saturates at its last step and retries never stop.
func Backoff(attempts int) time.Duration {
	index := attempts
	if index < 0 {
		index = 0
	}
	if index > len(backoffSchedule)-1 {
		index = len(backoffSchedule) - 1
	}
	return backoffSchedule[index]
}
