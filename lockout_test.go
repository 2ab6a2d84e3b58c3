package authkit

import (
	"testing"
	"time"
)

func TestLockoutPolicyArmsAtThreshold(t *testing.T) {
	p := LockoutPolicy{Threshold: 3, Window: time.Minute, LockDuration: 10 * time.Minute}
	now := time.Unix(1_700_000_000, 0)

	var a Attempts
	a = p.Fail(a, now)
	a = p.Fail(a, now.Add(time.Second))
	if _, locked := p.Status(a, now.Add(2*time.Second)); locked {
		t.Fatal("locked before threshold")
	}

	a = p.Fail(a, now.Add(2*time.Second))
	until, locked := p.Status(a, now.Add(3*time.Second))
	if !locked {
		t.Fatal("threshold failure did not arm the lock")
	}
	if want := now.Add(2 * time.Second).Add(10 * time.Minute); !until.Equal(want) {
		t.Fatalf("lock until %v, want %v", until, want)
	}
	if a.Count != 0 {
		t.Fatalf("count = %d after arming, want 0", a.Count)
	}

	if _, locked := p.Status(a, until.Add(time.Second)); locked {
		t.Fatal("lock survives its own expiry")
	}
}

func TestLockoutPolicyWindowAnchoredAtFirstFailure(t *testing.T) {
	p := LockoutPolicy{Threshold: 3, Window: time.Minute, LockDuration: 10 * time.Minute}
	now := time.Unix(1_700_000_000, 0)

	var a Attempts
	a = p.Fail(a, now)
	a = p.Fail(a, now.Add(30*time.Second))

	// A failure past the window starts a new one instead of arming.
	a = p.Fail(a, now.Add(2*time.Minute))
	if _, locked := p.Status(a, now.Add(2*time.Minute)); locked {
		t.Fatal("stale failures counted into the lock")
	}
	if a.Count != 1 {
		t.Fatalf("count = %d after window restart, want 1", a.Count)
	}
}

func TestLockoutPolicyElapsedLockRestartsRecord(t *testing.T) {
	p := LockoutPolicy{Threshold: 2, Window: time.Minute, LockDuration: time.Minute}
	now := time.Unix(1_700_000_000, 0)

	var a Attempts
	a = p.Fail(a, now)
	a = p.Fail(a, now.Add(time.Second))
	if _, locked := p.Status(a, now.Add(2*time.Second)); !locked {
		t.Fatal("expected lock")
	}

	// The first failure after the lock elapses is failure one of a fresh
	// record, not a continuation.
	after := a.LockedUntil.Add(time.Second)
	a = p.Fail(a, after)
	if _, locked := p.Status(a, after); locked {
		t.Fatal("single failure after an elapsed lock re-armed it")
	}
	if a.Count != 1 || !a.WindowStart.Equal(after) {
		t.Fatalf("record after elapsed lock = %+v", a)
	}
}

func TestLockoutPolicyDefaults(t *testing.T) {
	p := LockoutPolicy{}.withDefaults()
	if p.Threshold != 5 || p.Window != 15*time.Minute || p.LockDuration != 15*time.Minute {
		t.Fatalf("defaults = %+v", p)
	}
}

func TestLockoutTableAdoptsServerLock(t *testing.T) {
	table := newLockoutTable(LockoutPolicy{Threshold: 5, Window: time.Minute, LockDuration: time.Minute})
	now := time.Unix(1_700_000_000, 0)

	serverUntil := now.Add(30 * time.Minute)
	table.lockUntil("alice", serverUntil)
	until, locked := table.lockedUntil("alice", now)
	if !locked || !until.Equal(serverUntil) {
		t.Fatalf("adopted lock = %v %v", until, locked)
	}

	// A shorter server answer never trims an existing lock.
	table.lockUntil("alice", now.Add(time.Minute))
	if until, _ := table.lockedUntil("alice", now); !until.Equal(serverUntil) {
		t.Fatalf("lock trimmed to %v", until)
	}

	// Elapsed locks are dropped on read.
	if _, locked := table.lockedUntil("alice", serverUntil.Add(time.Second)); locked {
		t.Fatal("elapsed lock still reported")
	}
	if _, locked := table.lockedUntil("alice", now); locked {
		t.Fatal("dropped row resurrected")
	}
}

func TestLockoutTableFailAndReset(t *testing.T) {
	table := newLockoutTable(LockoutPolicy{Threshold: 2, Window: time.Minute, LockDuration: time.Minute})
	now := time.Unix(1_700_000_000, 0)

	if _, locked := table.fail("alice", now); locked {
		t.Fatal("locked on first failure")
	}
	until, locked := table.fail("alice", now.Add(time.Second))
	if !locked || !until.After(now) {
		t.Fatalf("second failure: until = %v locked = %v", until, locked)
	}

	// Identifiers do not share records.
	if _, locked := table.lockedUntil("bob", now); locked {
		t.Fatal("lock leaked across identifiers")
	}

	table.reset("alice")
	if _, locked := table.lockedUntil("alice", now.Add(2*time.Second)); locked {
		t.Fatal("reset did not clear the lock")
	}
}
