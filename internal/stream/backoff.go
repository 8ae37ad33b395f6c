package stream

import "time"

const maxBackoffShift = 30

// Backoff is the reconnect policy: attempt k waits Base * 2^k, and the
// client gives up after MaxAttempts consecutive abnormal closes.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 2s, 4s, 8s, 16s and gives up on the fifth drop.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, MaxAttempts: 5}
}

// Delay returns the wait before reconnect attempt k (k starts at 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return b.Base * time.Duration(1<<attempt)
}

// Exhausted reports whether failures consecutive drops use up the budget.
func (b Backoff) Exhausted(failures int) bool {
	return failures >= b.MaxAttempts
}
