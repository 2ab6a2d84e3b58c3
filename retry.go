package authkit

import (
	"context"
	"errors"
	"time"
)

// accessExpirySkew is how close to expiry a cached access token may be
// before it is refreshed up front instead of burning a guaranteed 401.
const accessExpirySkew = 10 * time.Second

// AccessToken returns a currently valid access token, refreshing through
// the coordinator when the cached one is missing or about to lapse.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	state := m.state
	access := m.access
	exp := m.accessExp
	m.mu.Unlock()

	if state != StateAuthenticated {
		return "", ErrNotAuthenticated
	}
	if access != "" && m.now().Add(accessExpirySkew).Before(exp) {
		return access, nil
	}

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	access = m.access
	m.mu.Unlock()
	if access == "" {
		return "", ErrNotAuthenticated
	}
	return access, nil
}

// Do runs one authenticated call under the refresh-then-retry rule: an
// access-token rejection triggers exactly one refresh and one retry, and
// only the second rejection escapes to the caller. Every other error
// passes straight through on the first attempt.
func (m *Manager) Do(ctx context.Context, call func(ctx context.Context, accessToken string) error) error {
	access, err := m.AccessToken(ctx)
	if err != nil {
		return err
	}

	err = call(ctx, access)
	if !isAccessRejection(err) {
		return err
	}

	if err := m.Refresh(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	access = m.access
	m.mu.Unlock()
	if access == "" {
		return ErrNotAuthenticated
	}
	return call(ctx, access)
}

// RefreshProfile re-reads the account profile, updating the cached copy.
func (m *Manager) RefreshProfile(ctx context.Context) (Profile, error) {
	var prof Profile
	err := m.Do(ctx, func(ctx context.Context, access string) error {
		var err error
		prof, err = m.api.Profile(ctx, access)
		return err
	})
	if err != nil {
		return Profile{}, err
	}

	m.mu.Lock()
	if m.state == StateAuthenticated {
		m.profile = prof
	}
	m.mu.Unlock()
	return prof, nil
}

func isAccessRejection(err error) bool {
	return errors.Is(err, ErrAccessTokenExpired) || errors.Is(err, ErrAccessTokenInvalid)
}
