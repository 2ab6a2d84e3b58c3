package authkit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Initialize resolves the startup state: it decides once, at process
// start, whether a stored session can be silently restored. With no
// stored refresh token it answers StateUnauthenticated immediately and
// never touches the network. With one it enters StateChecking, refreshes
// through the coordinator and proves the result by fetching the profile.
//
// Once checking starts the work is detached from ctx; there is no way to
// abandon it halfway and leave the state machine unresolved. When
// checking outlasts the configured delay the notifier is told to show the
// accessibility indicator, and told to hide it the moment the state
// resolves, whichever way it resolves.
//
// The returned state is StateAuthenticated or StateUnauthenticated. A
// rejected refresh token resolves Unauthenticated with a nil error:
// forcing a clean logout is the handled outcome there, not a failure.
// Transient errors resolve the same way but are returned so the caller
// can report them. Calling Initialize again reports the state already
// reached.
func (m *Manager) Initialize(ctx context.Context) (State, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		s := m.state
		m.mu.Unlock()
		return s, nil
	}

	stored, loadErr := m.creds.Load()
	if loadErr != nil || stored == "" {
		m.state = StateUnauthenticated
		m.mu.Unlock()
		m.notifier.StateChanged(StateIdle, StateUnauthenticated)
		if loadErr != nil && !errors.Is(loadErr, ErrNoStoredCredential) {
			return StateUnauthenticated, loadErr
		}
		return StateUnauthenticated, nil
	}

	m.state = StateChecking
	m.mu.Unlock()
	m.notifier.StateChanged(StateIdle, StateChecking)

	ind := startIndicatorTimer(m.notifier, m.indicatorDelay)
	defer ind.stop()

	rctx := context.WithoutCancel(ctx)

	if err := m.Refresh(rctx); err != nil {
		ind.stop()
		return m.resolveCheckFailure(err)
	}

	m.mu.Lock()
	access := m.access
	m.mu.Unlock()

	prof, err := m.api.Profile(rctx, access)
	if err != nil {
		ind.stop()
		return m.resolveCheckFailure(err)
	}

	ind.stop()
	m.mu.Lock()
	m.profile = prof
	m.state = StateAuthenticated
	m.mu.Unlock()
	m.notifier.StateChanged(StateChecking, StateAuthenticated)
	return StateAuthenticated, nil
}

// resolveCheckFailure is the single failure path out of checking: both
// tokens cleared, StateUnauthenticated, redirect signal. The state never
// touches Authenticated on the way, so a failed restore cannot flash
// protected content.
func (m *Manager) resolveCheckFailure(err error) (State, error) {
	m.forceLogout(err)
	if errors.Is(err, ErrRefreshTokenInvalid) || errors.Is(err, ErrNoStoredCredential) {
		return StateUnauthenticated, nil
	}
	return StateUnauthenticated, err
}

// indicatorTimer arms the slow-restore indicator. Show and Hide are
// serialized under one mutex so they can never be observed out of order:
// a stop that wins the race suppresses the show entirely. stop is
// idempotent and runs before the resolving state transition, so the
// indicator is already gone when observers see the new state; the
// deferred call in Initialize is only a backstop.
type indicatorTimer struct {
	notifier Notifier

	mu      sync.Mutex
	timer   *time.Timer
	shown   bool
	stopped bool
}

func startIndicatorTimer(n Notifier, delay time.Duration) *indicatorTimer {
	it := &indicatorTimer{notifier: n}
	it.timer = time.AfterFunc(delay, it.fire)
	return it
}

func (it *indicatorTimer) fire() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.stopped {
		return
	}
	it.shown = true
	it.notifier.ShowCheckingIndicator(CheckingIndicator())
}

func (it *indicatorTimer) stop() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.stopped {
		return
	}
	it.stopped = true
	it.timer.Stop()
	if it.shown {
		it.notifier.HideCheckingIndicator()
	}
}
