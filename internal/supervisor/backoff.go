package supervisor

import (
	"math/rand"
	"time"
)

const (
	// defaultBackoffBase is the starting reconnect interval.
	defaultBackoffBase = 2 * time.Second

	// defaultBackoffCap caps the reconnect interval.
	defaultBackoffCap = 5 * time.Minute

	// defaultConnectTimeout bounds a single adapter connect call.
	// Exceeding it counts as Unreachable and feeds the backoff path.
	defaultConnectTimeout = 30 * time.Second
)

// backoffDelay computes the reconnect delay for a given attempt index (0 for
// the first retry), applying exponential growth with full jitter: uniform in
// [0, min(cap, base*2^attempt)).
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30 // avoid shift overflow; cap applies long before this
	}
	delay := base << attempt
	if delay <= 0 || delay > cap {
		delay = cap
	}
	return time.Duration(rand.Int63n(int64(delay))) //nolint:gosec // jitter does not need crypto/rand
}
