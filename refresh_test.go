package authkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRefreshSingleFlight(t *testing.T) {
	creds := NewMemCredentialStore()
	if err := creds.Save("refresh-0"); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	api := &stubAPI{
		refreshFn: func(ctx context.Context, refreshToken string) (TokenPair, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-gate
			return TokenPair{
				AccessToken:     "access-1",
				AccessExpiresAt: time.Now().Add(time.Hour),
				RefreshToken:    "refresh-1",
			}, nil
		},
	}
	m := mustManager(t, ManagerConfig{API: api, Credentials: creds})

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			errs <- m.Refresh(context.Background())
		}()
	}

	// Hold the network call open until every caller has joined the flight.
	<-entered
	time.Sleep(100 * time.Millisecond)
	close(gate)

	for i := 0; i < 5; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent refresh %d: %v", i, err)
		}
	}
	if _, _, refresh, _, _ := api.counts(); refresh != 1 {
		t.Fatalf("network refresh calls = %d, want 1", refresh)
	}
	if tok, err := creds.Load(); err != nil || tok != "refresh-1" {
		t.Fatalf("stored token = %q, %v, want refresh-1", tok, err)
	}
}

func TestRefreshRotationFeedsNextCall(t *testing.T) {
	creds := NewMemCredentialStore()
	if err := creds.Save("refresh-0"); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	chain := map[string]string{"refresh-0": "refresh-1", "refresh-1": "refresh-2"}
	api := &stubAPI{
		refreshFn: func(ctx context.Context, refreshToken string) (TokenPair, error) {
			next, ok := chain[refreshToken]
			if !ok {
				return TokenPair{}, ErrRefreshTokenInvalid
			}
			return TokenPair{
				AccessToken:     "access-" + next,
				AccessExpiresAt: time.Now().Add(time.Hour),
				RefreshToken:    next,
			}, nil
		},
	}
	m := mustManager(t, ManagerConfig{API: api, Credentials: creds})

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if tok, _ := creds.Load(); tok != "refresh-2" {
		t.Fatalf("stored token = %q, want refresh-2 after two rotations", tok)
	}
}

func TestRefreshDeadTokenForcesLogoutOnce(t *testing.T) {
	api := &stubAPI{
		loginFn: func(ctx context.Context, identifier, password string) (LoginResult, error) {
			return LoginResult{
				AccountID:       "acc-1",
				AccessToken:     "access-0",
				AccessExpiresAt: time.Now().Add(time.Hour),
				RefreshToken:    "refresh-0",
			}, nil
		},
		refreshFn: func(ctx context.Context, refreshToken string) (TokenPair, error) {
			return TokenPair{}, ErrRefreshTokenInvalid
		},
	}
	creds := NewMemCredentialStore()
	notifier := &recordingNotifier{}
	m := mustManager(t, ManagerConfig{API: api, Credentials: creds, Notifier: notifier})

	if err := m.Login(context.Background(), "alice@example.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := m.Refresh(context.Background()); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Fatalf("refresh err = %v, want refresh token invalid", err)
	}
	if m.State() != StateUnauthenticated {
		t.Fatalf("state = %v after dead token", m.State())
	}
	if _, err := creds.Load(); !errors.Is(err, ErrNoStoredCredential) {
		t.Fatalf("credential survived teardown: %v", err)
	}
	if _, _, forced := notifier.counters(); forced != 1 {
		t.Fatalf("forced signals = %d, want 1", forced)
	}

	// A second failing refresh finds nothing stored and must not fire the
	// teardown signal again.
	if err := m.Refresh(context.Background()); !errors.Is(err, ErrNoStoredCredential) {
		t.Fatalf("second refresh err = %v", err)
	}
	if _, _, forced := notifier.counters(); forced != 1 {
		t.Fatalf("forced signals after repeat = %d, want still 1", forced)
	}
}

func TestRefreshTransientFailureKeepsSession(t *testing.T) {
	api := &stubAPI{
		loginFn: func(ctx context.Context, identifier, password string) (LoginResult, error) {
			return LoginResult{
				AccountID:       "acc-1",
				AccessToken:     "access-0",
				AccessExpiresAt: time.Now().Add(time.Hour),
				RefreshToken:    "refresh-0",
			}, nil
		},
		refreshFn: func(ctx context.Context, refreshToken string) (TokenPair, error) {
			return TokenPair{}, ErrNetwork
		},
	}
	creds := NewMemCredentialStore()
	notifier := &recordingNotifier{}
	m := mustManager(t, ManagerConfig{API: api, Credentials: creds, Notifier: notifier})

	if err := m.Login(context.Background(), "alice@example.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := m.Refresh(context.Background()); !errors.Is(err, ErrNetwork) {
		t.Fatalf("refresh err = %v, want network error through unchanged", err)
	}

	if m.State() != StateAuthenticated {
		t.Fatalf("state = %v, transient failure must not end the session", m.State())
	}
	if tok, err := creds.Load(); err != nil || tok != "refresh-0" {
		t.Fatalf("stored token = %q, %v, want untouched refresh-0", tok, err)
	}
	if _, _, forced := notifier.counters(); forced != 0 {
		t.Fatalf("forced signals = %d, want none", forced)
	}
}

func TestRefreshCancelledWaiterDoesNotAbortRotation(t *testing.T) {
	creds := NewMemCredentialStore()
	if err := creds.Save("refresh-0"); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	api := &stubAPI{
		refreshFn: func(ctx context.Context, refreshToken string) (TokenPair, error) {
			time.Sleep(100 * time.Millisecond)
			return TokenPair{
				AccessToken:     "access-1",
				AccessExpiresAt: time.Now().Add(time.Hour),
				RefreshToken:    "refresh-1",
			}, nil
		},
	}
	m := mustManager(t, ManagerConfig{API: api, Credentials: creds})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Refresh(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cancelled waiter err = %v, want deadline exceeded", err)
	}

	// The network exchange was already in motion; the rotated token must
	// still land in the store.
	waitFor(t, time.Second, func() bool {
		tok, err := creds.Load()
		return err == nil && tok == "refresh-1"
	})
}
