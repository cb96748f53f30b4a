package internal

import (
	"math/rand"
	"time"
)

// Backoff returns a randomized exponential backoff for the given attempt:
// a uniform draw from [0, 2^attempt) slots, capped at maximum. Attempt 0
// and non-positive slot times back off not at all.
func Backoff(attempt int, slot time.Duration, maximum time.Duration) time.Duration {
	if attempt <= 0 || slot <= 0 {
		return 0
	}
	if attempt > 62 {
		return maximum
	}
	n := rand.Int63n(int64(1) << attempt)
	if n > int64(maximum/slot) {
		return maximum
	}
	d := time.Duration(n) * slot
	if d > maximum {
		return maximum
	}
	return d
}

// SleepBackoff sleeps for the attempt's backoff duration.
func SleepBackoff(attempt int, slot time.Duration, maximum time.Duration) {
	time.Sleep(Backoff(attempt, slot, maximum))
}
