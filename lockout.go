package authkit

import (
	"sync"
	"time"
)

// LockoutPolicy is the client-side brute-force rule: Threshold failed
// exchanges inside Window lock the identifier for LockDuration. The zero
// value picks the package defaults, which match the server limiter's.
type LockoutPolicy struct {
	Threshold    int
	Window       time.Duration
	LockDuration time.Duration
}

func (p LockoutPolicy) withDefaults() LockoutPolicy {
	if p.Threshold <= 0 {
		p.Threshold = 5
	}
	if p.Window <= 0 {
		p.Window = 15 * time.Minute
	}
	if p.LockDuration <= 0 {
		p.LockDuration = 15 * time.Minute
	}
	return p
}

// Attempts is the per-identifier failure record the policy folds decisions
// into. The zero value means no failures observed. Callers that persist
// attempt state across restarts can round-trip this value as is.
type Attempts struct {
	Count       int
	WindowStart time.Time
	LockedUntil time.Time
}

// Fail folds one failed exchange into the record. The window is anchored at
// the first failure; the failure that reaches Threshold arms the lock and
// clears the count. No clock reads happen here, now is the caller's.
func (p LockoutPolicy) Fail(a Attempts, now time.Time) Attempts {
	if !a.LockedUntil.IsZero() && !now.Before(a.LockedUntil) {
		// An elapsed lock starts the record over.
		a = Attempts{}
	}
	if a.Count == 0 || now.Sub(a.WindowStart) > p.Window {
		a.Count = 0
		a.WindowStart = now
	}
	a.Count++
	if a.Count >= p.Threshold {
		a.Count = 0
		a.LockedUntil = now.Add(p.LockDuration)
	}
	return a
}

// Status reports an active lock at now. An elapsed lock reads as unlocked.
func (p LockoutPolicy) Status(a Attempts, now time.Time) (time.Time, bool) {
	if now.Before(a.LockedUntil) {
		return a.LockedUntil, true
	}
	return time.Time{}, false
}

// lockoutTable tracks Attempts per identifier. It is the client's mirror of
// the server-side limiter, enough to refuse a locked attempt without a round
// trip; the server remains the authority and its lock answers are folded
// back in via lockUntil.
type lockoutTable struct {
	policy LockoutPolicy

	mu   sync.Mutex
	rows map[string]Attempts
}

func newLockoutTable(policy LockoutPolicy) *lockoutTable {
	return &lockoutTable{
		policy: policy.withDefaults(),
		rows:   map[string]Attempts{},
	}
}

// lockedUntil reports whether the identifier is locked at now. A record
// whose lock has elapsed is dropped on the way out.
func (t *lockoutTable) lockedUntil(identifier string, now time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.rows[identifier]
	if !ok {
		return time.Time{}, false
	}
	if until, locked := t.policy.Status(a, now); locked {
		return until, true
	}
	if !a.LockedUntil.IsZero() {
		delete(t.rows, identifier)
	}
	return time.Time{}, false
}

// fail counts one failed exchange and reports a lock the failure armed, so
// the caller can surface it immediately.
func (t *lockoutTable) fail(identifier string, now time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.policy.Fail(t.rows[identifier], now)
	t.rows[identifier] = a
	return t.policy.Status(a, now)
}

// lockUntil adopts a lock the server announced, so later attempts fail
// fast locally instead of burning a round trip on a known answer.
func (t *lockoutTable) lockUntil(identifier string, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.rows[identifier]
	if until.After(a.LockedUntil) {
		a.LockedUntil = until
	}
	a.Count = 0
	t.rows[identifier] = a
}

// reset forgets the identifier entirely. Called on successful login.
func (t *lockoutTable) reset(identifier string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, identifier)
}
