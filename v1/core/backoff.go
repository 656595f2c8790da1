package core

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultBackoffSchedule is the wait before each acquisition retry while a
// release request is pending.
var DefaultBackoffSchedule = []time.Duration{
	6 * time.Second,
	8 * time.Second,
	10 * time.Second,
	12 * time.Second,
	24 * time.Second,
	30 * time.Second,
}

// backoffAt returns the wait before retry number attempt (0 based).
func backoffAt(schedule []time.Duration, attempt int) time.Duration {
	if attempt >= len(schedule) {
		attempt = len(schedule) - 1
	}
	return schedule[attempt]
}

// scheduleBackoff walks schedule and repeats its last entry forever.
func scheduleBackoff(schedule []time.Duration) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := backoffAt(schedule, attempt)
		attempt++
		return d, false
	})
}
