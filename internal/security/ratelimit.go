package security

import "time"

// Counter identifies one rate-limit window. Cascade attempts share the
// single counter.
type Counter string

const (
	CounterSingle  Counter = "single"
	CounterBulk    Counter = "bulk"
	CounterCleanup Counter = "cleanup"
)

// CounterFor maps an operation kind to its rate-limit counter.
func CounterFor(kind OperationKind) Counter {
	switch kind {
	case Bulk:
		return CounterBulk
	case Cleanup:
		return CounterCleanup
	default:
		return CounterSingle
	}
}

// RateLimitStatus is the state of one counter window.
type RateLimitStatus struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
	ResetTime   time.Time `json:"resetTime"`
	IsLocked    bool      `json:"isLocked"`
}

// elapsed reports whether the window no longer applies at now. A counter
// that was never started counts as elapsed.
func (r RateLimitStatus) elapsed(now time.Time) bool {
	return r.WindowStart.IsZero() || !now.Before(r.ResetTime)
}

// lockedAt reports whether an attempt at now would be refused.
func (r RateLimitStatus) lockedAt(now time.Time) bool {
	return r.IsLocked && !r.elapsed(now)
}

// reset starts a fresh window at now.
func (r *RateLimitStatus) reset(now time.Time, window time.Duration) {
	r.Count = 0
	r.WindowStart = now
	r.ResetTime = now.Add(window)
	r.IsLocked = false
}

// increment counts one attempt and derives the lock in the same step.
func (r *RateLimitStatus) increment(max int) {
	r.Count++
	r.IsLocked = r.Count >= max
}
