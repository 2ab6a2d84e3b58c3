package authkit

import (
	"context"
	"errors"
	"log"
)

// refreshFlight is the one in-flight refresh, shared by every caller that
// arrives while it runs.
type refreshFlight struct {
	done chan struct{}
	err  error
}

// Refresh exchanges the stored refresh token for a fresh pair. It is
// single-flight: concurrent callers share one server round trip and its
// outcome instead of racing duplicate rotations. The round trip itself is
// detached from ctx, so a caller walking away mid-refresh never strands a
// half-rotated token; cancelling ctx only abandons the wait.
//
// A server verdict of ErrRefreshTokenInvalid is fatal to the session and
// triggers the forced-logout teardown before the error is returned.
// Transient failures change nothing and may simply be retried later.
func (m *Manager) Refresh(ctx context.Context) error {
	m.flightMu.Lock()
	f := m.flight
	if f == nil {
		f = &refreshFlight{done: make(chan struct{})}
		m.flight = f
		go m.runRefresh(context.WithoutCancel(ctx), f)
	}
	m.flightMu.Unlock()

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) runRefresh(ctx context.Context, f *refreshFlight) {
	defer func() {
		m.flightMu.Lock()
		m.flight = nil
		m.flightMu.Unlock()
		close(f.done)
	}()

	stored, err := m.creds.Load()
	if err != nil {
		f.err = err
		if errors.Is(err, ErrNoStoredCredential) {
			// Nothing left to refresh with; the session is over.
			m.forceLogout(err)
		}
		return
	}

	pair, err := m.api.Refresh(ctx, stored)
	if err != nil {
		f.err = err
		if errors.Is(err, ErrRefreshTokenInvalid) {
			m.forceLogout(err)
		}
		return
	}

	// The old token is spent the moment the server answers; the
	// replacement must land before any waiter sees the new access token.
	if err := m.creds.Save(pair.RefreshToken); err != nil {
		log.Print("authkit: refresh token persist failed")
	}

	m.mu.Lock()
	m.access = pair.AccessToken
	m.accessExp = pair.AccessExpiresAt
	m.mu.Unlock()
}
