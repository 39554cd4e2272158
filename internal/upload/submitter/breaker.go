package submitter

import (
	"sync"
	"time"
)

// Breaker trips after a run of consecutive transient failures and holds the
// whole pool back for a cool-down, so a struggling ingestion service is not
// hammered by retries from every worker at once. Rate-limit deferrals and
// fatal rejections do not count against it.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	coolDown  time.Duration
	failures  int
	openUntil time.Time
	now       func() time.Time
}

func NewBreaker(threshold int, coolDown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, coolDown: coolDown, now: time.Now}
}

// Allow reports whether a submission may proceed. When the breaker is open
// it returns false and the end of the cool-down.
func (b *Breaker) Allow() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.now().Before(b.openUntil) {
		return false, b.openUntil
	}
	return true, time.Time{}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.openUntil = time.Time{}
	b.mu.Unlock()
}

func (b *Breaker) RecordTransientFailure() {
	b.mu.Lock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.coolDown)
	}
	b.mu.Unlock()
}

// Reset closes the breaker early, e.g. after a successful health probe.
func (b *Breaker) Reset() {
	b.RecordSuccess()
}
