package authkit

import (
	"context"
	"encoding/base32"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, rdb
}

// testConfig is the default config on hs256 with argon tuned down to the
// validation floor so the suite stays fast.
func testConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *MemDirectory, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, rdb := newTestRedis(t)
	dir := NewMemDirectory()
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithDirectory(dir).
		Build()
	if err != nil {
		rdb.Close()
		mr.Close()
		t.Fatalf("build engine: %v", err)
	}
	return engine, dir, mr, func() {
		engine.Close()
		rdb.Close()
		mr.Close()
	}
}

func seedAccount(t *testing.T, e *Engine, identifier, pass string) AccountRecord {
	t.Helper()
	acc, err := e.CreateAccount(context.Background(), identifier, pass)
	if err != nil {
		t.Fatalf("create account %q: %v", identifier, err)
	}
	return acc
}

func totpCounter(cfg TOTPConfig, at time.Time) int64 {
	return at.Unix() / int64(cfg.Period)
}

func totpCodeAt(t *testing.T, secretBase32 string, cfg TOTPConfig, counter int64) string {
	t.Helper()
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("decode totp secret: %v", err)
	}
	code, err := hotpCode(secret, counter, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("derive totp code: %v", err)
	}
	return code
}

// enrollTwoFactor runs the setup flow for an existing account and returns
// the shared secret, the backup codes and the counter the activation
// consumed. Follow-up logins must answer with a later counter.
func enrollTwoFactor(t *testing.T, e *Engine, identifier, pass string) (string, []string, int64) {
	t.Helper()
	ctx := context.Background()
	res, err := e.Login(ctx, identifier, pass)
	if err != nil {
		t.Fatalf("login for enrollment: %v", err)
	}
	setup, err := e.BeginTwoFactorSetup(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("begin two-factor setup: %v", err)
	}
	counter := totpCounter(e.config.TOTP, time.Now())
	code := totpCodeAt(t, setup.SecretBase32, e.config.TOTP, counter)
	codes, err := e.ActivateTwoFactor(ctx, res.AccessToken, setup.SetupID, code)
	if err != nil {
		t.Fatalf("activate two-factor: %v", err)
	}
	return setup.SecretBase32, codes, counter
}

var errStubUnset = errors.New("stub call not configured")

// stubAPI implements API with injectable behavior per call. Nil functions
// answer errStubUnset instead of panicking because refresh runs on a
// background goroutine.
type stubAPI struct {
	mu sync.Mutex

	loginFn        func(ctx context.Context, identifier, password string) (LoginResult, error)
	confirmFn      func(ctx context.Context, challengeID string, method SecondFactorMethod, code string) (LoginResult, error)
	refreshFn      func(ctx context.Context, refreshToken string) (TokenPair, error)
	logoutFn       func(ctx context.Context, refreshToken string) error
	profileFn      func(ctx context.Context, accessToken string) (Profile, error)
	beginSetupFn   func(ctx context.Context, accessToken string) (TwoFactorSetup, error)
	activateFn     func(ctx context.Context, accessToken, setupID, code string) ([]string, error)
	cancelSetupFn  func(ctx context.Context, accessToken, setupID string) error
	requestResetFn func(ctx context.Context, identifier string) error
	inspectResetFn func(ctx context.Context, token string) error
	consumeResetFn func(ctx context.Context, token, newPassword string) error

	loginCalls   int
	confirmCalls int
	refreshCalls int
	logoutCalls  int
	profileCalls int
	cancelCalls  int
}

func (s *stubAPI) Login(ctx context.Context, identifier, password string) (LoginResult, error) {
	s.mu.Lock()
	s.loginCalls++
	fn := s.loginFn
	s.mu.Unlock()
	if fn == nil {
		return LoginResult{}, errStubUnset
	}
	return fn(ctx, identifier, password)
}

func (s *stubAPI) ConfirmLogin(ctx context.Context, challengeID string, method SecondFactorMethod, code string) (LoginResult, error) {
	s.mu.Lock()
	s.confirmCalls++
	fn := s.confirmFn
	s.mu.Unlock()
	if fn == nil {
		return LoginResult{}, errStubUnset
	}
	return fn(ctx, challengeID, method, code)
}

func (s *stubAPI) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	s.mu.Lock()
	s.refreshCalls++
	fn := s.refreshFn
	s.mu.Unlock()
	if fn == nil {
		return TokenPair{}, errStubUnset
	}
	return fn(ctx, refreshToken)
}

func (s *stubAPI) Logout(ctx context.Context, refreshToken string) error {
	s.mu.Lock()
	s.logoutCalls++
	fn := s.logoutFn
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, refreshToken)
}

func (s *stubAPI) Profile(ctx context.Context, accessToken string) (Profile, error) {
	s.mu.Lock()
	s.profileCalls++
	fn := s.profileFn
	s.mu.Unlock()
	if fn == nil {
		return Profile{}, errStubUnset
	}
	return fn(ctx, accessToken)
}

func (s *stubAPI) BeginTwoFactorSetup(ctx context.Context, accessToken string) (TwoFactorSetup, error) {
	s.mu.Lock()
	fn := s.beginSetupFn
	s.mu.Unlock()
	if fn == nil {
		return TwoFactorSetup{}, errStubUnset
	}
	return fn(ctx, accessToken)
}

func (s *stubAPI) ActivateTwoFactor(ctx context.Context, accessToken, setupID, code string) ([]string, error) {
	s.mu.Lock()
	fn := s.activateFn
	s.mu.Unlock()
	if fn == nil {
		return nil, errStubUnset
	}
	return fn(ctx, accessToken, setupID, code)
}

func (s *stubAPI) CancelTwoFactorSetup(ctx context.Context, accessToken, setupID string) error {
	s.mu.Lock()
	s.cancelCalls++
	fn := s.cancelSetupFn
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, accessToken, setupID)
}

func (s *stubAPI) RequestPasswordReset(ctx context.Context, identifier string) error {
	s.mu.Lock()
	fn := s.requestResetFn
	s.mu.Unlock()
	if fn == nil {
		return errStubUnset
	}
	return fn(ctx, identifier)
}

func (s *stubAPI) InspectPasswordReset(ctx context.Context, token string) error {
	s.mu.Lock()
	fn := s.inspectResetFn
	s.mu.Unlock()
	if fn == nil {
		return errStubUnset
	}
	return fn(ctx, token)
}

func (s *stubAPI) ConsumePasswordReset(ctx context.Context, token, newPassword string) error {
	s.mu.Lock()
	fn := s.consumeResetFn
	s.mu.Unlock()
	if fn == nil {
		return errStubUnset
	}
	return fn(ctx, token, newPassword)
}

func (s *stubAPI) counts() (login, confirm, refresh, logout, profile int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCalls, s.confirmCalls, s.refreshCalls, s.logoutCalls, s.profileCalls
}

// recordingNotifier keeps one ordered log of every signal so tests can
// assert ordering across channels, plus per-signal counters.
type recordingNotifier struct {
	mu    sync.Mutex
	order []string

	shows   int
	hides   int
	lastInd IndicatorSpec
	forced  []error
}

func (n *recordingNotifier) StateChanged(from, to State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.order = append(n.order, "state:"+from.String()+">"+to.String())
}

func (n *recordingNotifier) ShowCheckingIndicator(spec IndicatorSpec) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shows++
	n.lastInd = spec
	n.order = append(n.order, "show")
}

func (n *recordingNotifier) HideCheckingIndicator() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hides++
	n.order = append(n.order, "hide")
}

func (n *recordingNotifier) ForcedLogout(cause error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forced = append(n.forced, cause)
	n.order = append(n.order, "forced")
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.order))
	copy(out, n.order)
	return out
}

func (n *recordingNotifier) counters() (shows, hides, forced int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shows, n.hides, len(n.forced)
}

func mustManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}
