package auth

import (
	"sync"
	"time"
)

// startRateLimiter tracks failed Start lookups per normalized card id and
// enforces exponential backoff, bounding probe traffic from unknown or
// revoked cards.
type startRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// maxFailures is the number of consecutive failures before lockout
	// begins.
	maxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is
	// reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure before the record
	// is garbage-collected.
	attemptExpiry = 1 * time.Hour
)

func newStartRateLimiter() *startRateLimiter {
	return &startRateLimiter{
		attempts: make(map[string]*attemptRecord),
	}
}

// check returns true if the card id is currently locked out, along with how
// long the caller should wait. A zero duration means the request may
// proceed.
func (rl *startRateLimiter) check(cardID string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[cardID]
	if !ok {
		return false, 0
	}
	// Expire stale records.
	if time.Since(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, cardID)
		return false, 0
	}
	if time.Now().Before(rec.lockedUntil) {
		return true, time.Until(rec.lockedUntil)
	}
	return false, 0
}

// recordFailure increments the failure counter and applies exponential
// backoff once maxFailures is exceeded.
func (rl *startRateLimiter) recordFailure(cardID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[cardID]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[cardID] = rec
	}
	rec.failures++
	rec.lastFailure = time.Now()

	if rec.failures >= maxFailures {
		lockout := baseLockout << (rec.failures - maxFailures)
		if lockout > maxLockout || lockout <= 0 {
			lockout = maxLockout
		}
		rec.lockedUntil = time.Now().Add(lockout)
	}
}

// reset clears the failure record after a successful lookup.
func (rl *startRateLimiter) reset(cardID string) {
	rl.mu.Lock()
	delete(rl.attempts, cardID)
	rl.mu.Unlock()
}
