package authkit

import (
	"context"
	"errors"
	"log"
	"time"
)

// Login exchanges credentials for a session. The local lockout mirror is
// consulted first: a locked identifier answers *LockedError without a
// network round trip, correct password or not. ErrSecondFactorRequired
// means the password cleared and ConfirmLogin must finish the job.
func (m *Manager) Login(ctx context.Context, identifier, password string) error {
	if identifier == "" || password == "" {
		return ErrInvalidCredentials
	}
	if until, locked := m.lockout.lockedUntil(identifier, m.now()); locked {
		return &LockedError{Until: until}
	}

	res, err := m.api.Login(context.WithoutCancel(ctx), identifier, password)
	if err != nil {
		return m.recordExchangeFailure(identifier, err)
	}

	if res.SecondFactorRequired {
		m.mu.Lock()
		m.pending = &pendingChallenge{
			id:         res.ChallengeID,
			identifier: identifier,
			expiresAt:  res.ChallengeExpiresAt,
		}
		m.mu.Unlock()
		return ErrSecondFactorRequired
	}

	return m.adoptSession(res, identifier, false)
}

// ConfirmLogin answers the second-factor challenge issued by Login. A
// rejected code leaves the challenge standing for another try; an
// expired, exhausted or already-consumed challenge is dropped and the
// login starts over from the password.
func (m *Manager) ConfirmLogin(ctx context.Context, method SecondFactorMethod, code string) error {
	m.mu.Lock()
	pend := m.pending
	m.mu.Unlock()
	if pend == nil {
		return ErrChallengeInvalid
	}

	res, err := m.api.ConfirmLogin(context.WithoutCancel(ctx), pend.id, method, code)
	if err != nil {
		if errors.Is(err, ErrChallengeInvalid) ||
			errors.Is(err, ErrChallengeExpired) ||
			errors.Is(err, ErrChallengeAttemptsExceeded) {
			m.mu.Lock()
			if m.pending == pend {
				m.pending = nil
			}
			m.mu.Unlock()
		}
		return err
	}

	return m.adoptSession(res, pend.identifier, true)
}

// PendingSecondFactor reports whether a login is waiting on its second
// factor and when the challenge lapses.
func (m *Manager) PendingSecondFactor() (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return false, time.Time{}
	}
	return true, m.pending.expiresAt
}

// recordExchangeFailure folds a server login error into the lockout
// mirror. Only credential rejections count; a network failure says
// nothing about the password. The failure that reaches the threshold is
// answered as the lock itself.
func (m *Manager) recordExchangeFailure(identifier string, err error) error {
	var locked *LockedError
	if errors.As(err, &locked) {
		m.lockout.lockUntil(identifier, locked.Until)
		return err
	}
	if errors.Is(err, ErrInvalidCredentials) {
		if until, armed := m.lockout.fail(identifier, m.now()); armed {
			return &LockedError{Until: until}
		}
	}
	return err
}

// adoptSession persists the refresh token and publishes the session. The
// access token stays in memory only.
func (m *Manager) adoptSession(res LoginResult, identifier string, viaSecondFactor bool) error {
	if err := m.creds.Save(res.RefreshToken); err != nil {
		// The server-side session exists either way; losing persistence
		// costs restart survival, not the login.
		log.Print("authkit: refresh token persist failed")
	}
	m.lockout.reset(identifier)

	m.mu.Lock()
	prev := m.state
	m.state = StateAuthenticated
	m.access = res.AccessToken
	m.accessExp = res.AccessExpiresAt
	m.profile = Profile{
		AccountID:        res.AccountID,
		Identifier:       identifier,
		TwoFactorEnabled: viaSecondFactor,
	}
	m.pending = nil
	m.mu.Unlock()

	if prev != StateAuthenticated {
		m.notifier.StateChanged(prev, StateAuthenticated)
	}
	return nil
}

// Logout ends the session: best-effort server-side revocation, then both
// tokens cleared and StateUnauthenticated. It is idempotent. A failed
// revocation does not keep the user logged in; the server record idles
// out on its own TTL.
func (m *Manager) Logout(ctx context.Context) error {
	if stored, err := m.creds.Load(); err == nil && stored != "" {
		if err := m.api.Logout(context.WithoutCancel(ctx), stored); err != nil {
			log.Print("authkit: server-side logout failed")
		}
	}

	m.mu.Lock()
	prev := m.state
	m.state = StateUnauthenticated
	m.access = ""
	m.accessExp = time.Time{}
	m.profile = Profile{}
	m.pending = nil
	clearErr := m.creds.Clear()
	m.mu.Unlock()

	if prev != StateUnauthenticated {
		m.notifier.StateChanged(prev, StateUnauthenticated)
	}
	return clearErr
}
