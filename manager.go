package authkit

import (
	"errors"
	"log"
	"sync"
	"time"
)

const defaultIndicatorDelay = 200 * time.Millisecond

// ManagerConfig wires a Manager. API and Credentials are required;
// everything else has a sensible zero value.
type ManagerConfig struct {
	API         API
	Credentials CredentialStore

	// Notifier receives lifecycle signals. Nil means NoopNotifier.
	Notifier Notifier

	// Lockout is the local brute-force mirror. The zero value matches
	// the server limiter defaults.
	Lockout LockoutPolicy

	// IndicatorDelay is how long startup checking may run silently
	// before the accessibility indicator is shown. Zero means 200ms.
	IndicatorDelay time.Duration
}

// Manager is the client half: one instance owns the session for one user
// agent. It restores the session at startup, refreshes access tokens
// through a single-flight coordinator, gates login behind the lockout
// mirror and tears everything down exactly once when the refresh token
// stops working. All methods are safe for concurrent use.
//
// There is deliberately no package-level instance; callers construct one
// Manager and hand it to whoever needs it.
type Manager struct {
	api            API
	creds          CredentialStore
	notifier       Notifier
	lockout        *lockoutTable
	indicatorDelay time.Duration
	now            func() time.Time

	mu        sync.Mutex
	state     State
	access    string
	accessExp time.Time
	profile   Profile
	pending   *pendingChallenge

	flightMu sync.Mutex
	flight   *refreshFlight
}

// pendingChallenge is a login waiting on its second factor. The
// identifier rides along so the lockout mirror can be reset when the
// challenge is answered.
type pendingChallenge struct {
	id         string
	identifier string
	expiresAt  time.Time
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.API == nil {
		return nil, errors.New("api required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credential store required")
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	delay := cfg.IndicatorDelay
	if delay <= 0 {
		delay = defaultIndicatorDelay
	}

	return &Manager{
		api:            cfg.API,
		creds:          cfg.Credentials,
		notifier:       notifier,
		lockout:        newLockoutTable(cfg.Lockout),
		indicatorDelay: delay,
		now:            time.Now,
		state:          StateIdle,
	}, nil
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentProfile returns the profile captured at login or restore. The
// bool is false unless the state is StateAuthenticated.
func (m *Manager) CurrentProfile() (Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return Profile{}, false
	}
	return m.profile, true
}

// AllowProtected reports whether protected content may render. False
// during Idle and Checking: an unresolved restore must not flash
// protected content that a failed check would immediately tear down.
func (m *Manager) AllowProtected() bool {
	return m.State() == StateAuthenticated
}

// AllowPublicOnly reports whether login and other guest-only surfaces may
// render. False during Idle and Checking for the mirror-image reason: a
// restore about to succeed must not flash the login form.
func (m *Manager) AllowPublicOnly() bool {
	return m.State() == StateUnauthenticated
}

// forceLogout tears the session down after the refresh token stopped
// working: both tokens cleared, StateUnauthenticated, then the redirect
// signal. Safe to call repeatedly; only the call that actually changes
// the state notifies, so the signal fires exactly once no matter how many
// callers hit the dead token together.
func (m *Manager) forceLogout(cause error) {
	m.mu.Lock()
	prev := m.state
	m.state = StateUnauthenticated
	m.access = ""
	m.accessExp = time.Time{}
	m.profile = Profile{}
	m.pending = nil
	if err := m.creds.Clear(); err != nil {
		log.Print("authkit: credential store clear failed")
	}
	m.mu.Unlock()

	if prev == StateUnauthenticated {
		return
	}
	m.notifier.StateChanged(prev, StateUnauthenticated)
	m.notifier.ForcedLogout(cause)
}
