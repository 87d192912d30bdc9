// Package retry computes backoff for the background workers.
package retry

import "time"

const maxDelay = 5 * time.Minute

// Delay doubles from one second per attempt and caps at five minutes.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		return time.Second
	}
	if attempt > 8 {
		attempt = 8
	}
	d := time.Duration(1<<attempt) * time.Second
	if d > maxDelay {
		return maxDelay
	}
	return d
}
