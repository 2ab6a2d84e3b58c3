package authkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// authedManager logs a stub-backed manager in with an access token that
// expires at the given time and rotates to access-1 on refresh.
func authedManager(t *testing.T, accessExp time.Time) (*Manager, *stubAPI) {
	t.Helper()
	api := &stubAPI{
		loginFn: func(ctx context.Context, identifier, password string) (LoginResult, error) {
			return LoginResult{
				AccountID:       "acc-1",
				AccessToken:     "access-0",
				AccessExpiresAt: accessExp,
				RefreshToken:    "refresh-0",
			}, nil
		},
		refreshFn: func(ctx context.Context, refreshToken string) (TokenPair, error) {
			return TokenPair{
				AccessToken:     "access-1",
				AccessExpiresAt: time.Now().Add(time.Hour),
				RefreshToken:    "refresh-1",
			}, nil
		},
	}
	m := mustManager(t, ManagerConfig{API: api, Credentials: NewMemCredentialStore()})
	if err := m.Login(context.Background(), "alice@example.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	return m, api
}

func TestAccessTokenRequiresAuthentication(t *testing.T) {
	m := mustManager(t, ManagerConfig{API: &stubAPI{}, Credentials: NewMemCredentialStore()})
	if _, err := m.AccessToken(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want not authenticated", err)
	}
}

func TestAccessTokenServedFromCache(t *testing.T) {
	m, api := authedManager(t, time.Now().Add(time.Hour))

	tok, err := m.AccessToken(context.Background())
	if err != nil || tok != "access-0" {
		t.Fatalf("access token = %q, %v", tok, err)
	}
	if _, _, refresh, _, _ := api.counts(); refresh != 0 {
		t.Fatalf("fresh token triggered %d refreshes", refresh)
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	// Expiry inside the safety margin counts as expired.
	m, api := authedManager(t, time.Now().Add(5*time.Second))

	tok, err := m.AccessToken(context.Background())
	if err != nil || tok != "access-1" {
		t.Fatalf("access token = %q, %v, want rotated access-1", tok, err)
	}
	if _, _, refresh, _, _ := api.counts(); refresh != 1 {
		t.Fatalf("refreshes = %d, want 1", refresh)
	}

	// The rotated token has an hour left; the next read is served locally.
	if tok, err := m.AccessToken(context.Background()); err != nil || tok != "access-1" {
		t.Fatalf("second read = %q, %v", tok, err)
	}
	if _, _, refresh, _, _ := api.counts(); refresh != 1 {
		t.Fatalf("cached read refreshed again: %d", refresh)
	}
}

func TestDoRetriesOnceOnStaleAccess(t *testing.T) {
	m, api := authedManager(t, time.Now().Add(time.Hour))

	var seen []string
	err := m.Do(context.Background(), func(ctx context.Context, accessToken string) error {
		seen = append(seen, accessToken)
		if len(seen) == 1 {
			return ErrAccessTokenExpired
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(seen) != 2 || seen[0] != "access-0" || seen[1] != "access-1" {
		t.Fatalf("calls saw %v, want stale then rotated token", seen)
	}
	if _, _, refresh, _, _ := api.counts(); refresh != 1 {
		t.Fatalf("refreshes = %d, want 1", refresh)
	}
}

func TestDoGivesUpAfterOneRetry(t *testing.T) {
	m, _ := authedManager(t, time.Now().Add(time.Hour))

	calls := 0
	err := m.Do(context.Background(), func(ctx context.Context, accessToken string) error {
		calls++
		return ErrAccessTokenInvalid
	})
	if !errors.Is(err, ErrAccessTokenInvalid) {
		t.Fatalf("do = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want exactly one retry", calls)
	}
}

func TestDoPassesUnrelatedErrorsThrough(t *testing.T) {
	m, api := authedManager(t, time.Now().Add(time.Hour))

	calls := 0
	err := m.Do(context.Background(), func(ctx context.Context, accessToken string) error {
		calls++
		return ErrNetwork
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("do = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, a network error is not an auth failure", calls)
	}
	if _, _, refresh, _, _ := api.counts(); refresh != 0 {
		t.Fatalf("unrelated error triggered %d refreshes", refresh)
	}
}

func TestDoSurfacesRefreshFailure(t *testing.T) {
	m, api := authedManager(t, time.Now().Add(time.Hour))
	api.mu.Lock()
	api.refreshFn = func(ctx context.Context, refreshToken string) (TokenPair, error) {
		return TokenPair{}, ErrNetwork
	}
	api.mu.Unlock()

	calls := 0
	err := m.Do(context.Background(), func(ctx context.Context, accessToken string) error {
		calls++
		return ErrAccessTokenExpired
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("do = %v, want the refresh failure", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, no retry without a fresh token", calls)
	}
}

func TestRefreshProfileUpdatesCache(t *testing.T) {
	m, api := authedManager(t, time.Now().Add(time.Hour))
	api.mu.Lock()
	api.profileFn = func(ctx context.Context, accessToken string) (Profile, error) {
		return Profile{AccountID: "acc-1", Identifier: "alice@example.com", TwoFactorEnabled: true}, nil
	}
	api.mu.Unlock()

	prof, err := m.RefreshProfile(context.Background())
	if err != nil {
		t.Fatalf("refresh profile: %v", err)
	}
	if !prof.TwoFactorEnabled {
		t.Fatalf("profile = %+v", prof)
	}
	cached, ok := m.CurrentProfile()
	if !ok || !cached.TwoFactorEnabled {
		t.Fatalf("cached profile = %+v ok=%v, want updated copy", cached, ok)
	}
}
