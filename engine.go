package authkit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cadenzr/authkit/internal/rate"
	"github.com/cadenzr/authkit/internal/token"
	"github.com/cadenzr/authkit/jwt"
	"github.com/cadenzr/authkit/password"
	"github.com/cadenzr/authkit/session"
)

// Engine is the server half: it owns credential verification, session
// records, token issuance and every durable store behind them. Build one
// with a Builder and share it; all methods are safe for concurrent use.
type Engine struct {
	config     Config
	directory  AccountDirectory
	sessions   *session.Store
	limiter    *rate.Limiter
	resetStore *resetStore
	challenges *challengeStore
	setups     *setupStore
	audit      *auditDispatcher
	metrics    *Metrics
	hasher     password.Hasher
	totp       *totpManager
	tokens     *jwt.Manager
}

// Close drains the audit dispatcher. The engine itself holds no other
// background state.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login exchanges credentials for a session. The lockout policy is
// consulted before the password is verified, so a locked account answers
// ErrAccountLocked even when the password is correct. When the account has
// a confirmed second factor, no tokens are issued yet; the result carries a
// challenge to answer via ConfirmLogin.
func (e *Engine) Login(ctx context.Context, identifier, pass string) (*LoginResult, error) {
	if e == nil || e.hasher == nil {
		return nil, ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	if err := e.limiter.CheckLogin(ctx, identifier, ip); err != nil {
		return nil, e.loginLimiterError(ctx, identifier, err)
	}

	if identifier == "" || pass == "" {
		return nil, e.failLogin(ctx, identifier, ip, "", "empty_input")
	}

	rec, err := e.directory.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, e.failLogin(ctx, identifier, ip, "", "account_not_found")
		}
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", err, nil)
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	ok, err := e.hasher.Verify(pass, rec.PasswordHash)
	if err != nil || !ok {
		return nil, e.failLogin(ctx, identifier, ip, rec.AccountID, "password_mismatch")
	}

	// A disabled account answers like a wrong password. Whether an
	// identifier exists is not disclosed through the login path.
	if rec.Status != AccountActive {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, rec.AccountID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "account_disabled"}
		})
		return nil, ErrInvalidCredentials
	}

	if e.config.Password.UpgradeOnLogin {
		if needsUpgrade, err := e.hasher.NeedsUpgrade(rec.PasswordHash); err == nil && needsUpgrade {
			if upgraded, err := e.hasher.Hash(pass); err == nil {
				// Best-effort; a failed rehash must not block the login.
				if err := e.directory.UpdatePasswordHash(ctx, rec.AccountID, upgraded); err != nil {
					log.Print("authkit: password hash upgrade failed")
				}
			}
		}
	}
	pass = ""

	if e.config.TOTP.Enabled && rec.TOTPEnabled {
		challengeID, expiresAt, err := e.challenges.Create(ctx, rec.AccountID, identifier, ip)
		if err != nil {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, rec.AccountID, err, nil)
			return nil, errors.Join(ErrBackendUnavailable, err)
		}
		e.metricInc(MetricSecondFactorRequired)
		e.emitAudit(ctx, auditEventSecondFactorRequired, true, rec.AccountID, nil, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		return &LoginResult{
			AccountID:            rec.AccountID,
			SecondFactorRequired: true,
			ChallengeID:          challengeID,
			ChallengeExpiresAt:   expiresAt,
		}, nil
	}

	result, err := e.issueSession(ctx, rec.AccountID)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, rec.AccountID, err, nil)
		return nil, err
	}

	// Best-effort; the counters expire with their window anyway.
	if err := e.limiter.ResetLogin(ctx, identifier, ip); err != nil {
		log.Print("authkit: login limiter reset failed")
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAuditSession(ctx, auditEventLoginSuccess, true, rec.AccountID, sessionIDOf(result), nil)
	return result, nil
}

// failLogin counts one failed attempt and reports the outcome. The attempt
// that crosses the threshold arms the lock and surfaces it immediately.
func (e *Engine) failLogin(ctx context.Context, identifier, ip, accountID, reason string) error {
	err := e.limiter.FailLogin(ctx, identifier, ip)
	if err != nil {
		var locked *rate.LockedUntilError
		if errors.As(err, &locked) {
			e.metricInc(MetricLoginLocked)
			e.emitAudit(ctx, auditEventLoginLocked, false, accountID, ErrAccountLocked, func() map[string]string {
				return map[string]string{"identifier": identifier, "reason": reason}
			})
			return &LockedError{Until: locked.Until}
		}
		if errors.Is(err, rate.ErrRedisUnavailable) {
			return errors.Join(ErrBackendUnavailable, err)
		}
	}

	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, accountID, ErrInvalidCredentials, func() map[string]string {
		return map[string]string{"identifier": identifier, "reason": reason}
	})
	return ErrInvalidCredentials
}

func (e *Engine) loginLimiterError(ctx context.Context, identifier string, err error) error {
	var locked *rate.LockedUntilError
	if errors.As(err, &locked) {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, auditEventLoginLocked, false, "", ErrAccountLocked, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		return &LockedError{Until: locked.Until}
	}
	e.emitAudit(ctx, auditEventLoginFailure, false, "", err, nil)
	return errors.Join(ErrBackendUnavailable, err)
}

// issueSession creates the durable session record and both tokens.
func (e *Engine) issueSession(ctx context.Context, accountID string) (*LoginResult, error) {
	sid, err := token.NewID()
	if err != nil {
		return nil, err
	}
	sessionID := sid.String()

	secret, err := token.NewSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &session.Record{
		SessionID:   sessionID,
		AccountID:   accountID,
		RefreshHash: token.Hash(secret),
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(e.config.Session.RefreshTTL).Unix(),
	}

	if err := e.sessions.Save(ctx, rec, e.config.Session.RefreshTTL); err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	access, accessExp, err := e.tokens.Mint(accountID, sessionID)
	if err != nil {
		return nil, err
	}

	refresh, err := token.Encode(sessionID, secret)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSessionCreated)

	return &LoginResult{
		AccountID:       accountID,
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		RefreshToken:    refresh,
	}, nil
}

// Refresh rotates a refresh token: the presented secret is spent and a new
// one takes its place in the same session record. A mismatched secret means
// the token was already spent somewhere else; the session is destroyed and
// the caller gets ErrRefreshReuse. Backend trouble is reported as
// ErrBackendUnavailable, never as an invalid token.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricRefreshLatency, time.Since(start)) }()
	}

	sessionID, secret, err := token.Decode(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", ErrRefreshTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "decode_failed"}
		})
		return nil, ErrRefreshTokenInvalid
	}

	next, err := token.NewSecret()
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	rec, err := e.sessions.Rotate(ctx, sessionID, token.Hash(secret), token.Hash(next))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshHashMismatch):
			e.metricInc(MetricRefreshReuse)
			e.metricInc(MetricSessionInvalidated)
			e.emitAuditSession(ctx, auditEventRefreshReuse, false, "", sessionID, ErrRefreshReuse)
			return nil, ErrRefreshReuse
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrCorrupt):
			e.metricInc(MetricRefreshFailure)
			e.emitAuditSession(ctx, auditEventRefreshInvalid, false, "", sessionID, ErrRefreshTokenInvalid)
			return nil, ErrRefreshTokenInvalid
		default:
			e.metricInc(MetricRefreshFailure)
			e.emitAuditSession(ctx, auditEventRefreshInvalid, false, "", sessionID, err)
			return nil, errors.Join(ErrBackendUnavailable, err)
		}
	}

	access, accessExp, err := e.tokens.Mint(rec.AccountID, rec.SessionID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	refresh, err := token.Encode(rec.SessionID, next)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAuditSession(ctx, auditEventRefreshSuccess, true, rec.AccountID, rec.SessionID, nil)

	return &TokenPair{
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		RefreshToken:    refresh,
	}, nil
}

// ValidateAccess checks an access token signature and expiry. Access tokens
// are stateless; revocation rides on their short TTL, and the session
// record is only consulted when the token is refreshed.
func (e *Engine) ValidateAccess(ctx context.Context, tokenStr string) (*AccessInfo, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Parse(tokenStr)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrAccessTokenExpired
		}
		return nil, ErrAccessTokenInvalid
	}

	return &AccessInfo{
		AccountID: claims.Subject,
		SessionID: claims.SID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Profile resolves the account behind an access token. A token whose
// account has vanished or been disabled answers ErrNotAuthenticated, so a
// restored session cannot outlive its directory entry.
func (e *Engine) Profile(ctx context.Context, accessToken string) (Profile, error) {
	if e == nil || e.tokens == nil {
		return Profile{}, ErrEngineNotReady
	}

	info, err := e.ValidateAccess(ctx, accessToken)
	if err != nil {
		return Profile{}, err
	}

	rec, err := e.accountForTokenHolder(ctx, info.AccountID)
	if err != nil {
		return Profile{}, err
	}

	return Profile{
		AccountID:        rec.AccountID,
		Identifier:       rec.Identifier,
		TwoFactorEnabled: rec.TOTPEnabled,
	}, nil
}

// Logout destroys the session behind a refresh token. It is idempotent: a
// malformed, expired or already-spent token still answers nil, because the
// caller's goal (no live session) is met either way.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	sessionID, _, err := token.Decode(refreshToken)
	if err != nil {
		e.emitAudit(ctx, auditEventLogout, true, "", nil, func() map[string]string {
			return map[string]string{"reason": "malformed_token"}
		})
		return nil
	}

	rec, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound),
			errors.Is(err, session.ErrExpired),
			errors.Is(err, session.ErrCorrupt):
			e.emitAuditSession(ctx, auditEventLogout, true, "", sessionID, nil)
			return nil
		default:
			return errors.Join(ErrBackendUnavailable, err)
		}
	}

	if err := e.sessions.Delete(ctx, sessionID, rec.AccountID); err != nil {
		e.emitAuditSession(ctx, auditEventLogout, false, rec.AccountID, sessionID, err)
		return errors.Join(ErrBackendUnavailable, err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionInvalidated)
	e.emitAuditSession(ctx, auditEventLogout, true, rec.AccountID, sessionID, nil)
	return nil
}

// LogoutAll destroys every session of an account. Outstanding access tokens
// stay valid until their TTL runs out; the next refresh on any device fails.
func (e *Engine) LogoutAll(ctx context.Context, accountID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	if err := e.sessions.DeleteAllForAccount(ctx, accountID); err != nil {
		e.emitAudit(ctx, auditEventLogoutAll, false, accountID, err, nil)
		return errors.Join(ErrBackendUnavailable, err)
	}

	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogoutAll, true, accountID, nil, nil)
	return nil
}

// ActiveSessions lists the live session IDs of an account.
func (e *Engine) ActiveSessions(ctx context.Context, accountID string) ([]string, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	return e.sessions.ActiveSessionIDs(ctx, accountID)
}

// CreateAccount provisions a directory entry with a hashed password.
func (e *Engine) CreateAccount(ctx context.Context, identifier, pass string) (AccountRecord, error) {
	if e == nil || e.hasher == nil {
		return AccountRecord{}, ErrEngineNotReady
	}
	if identifier == "" || len(pass) < e.config.Password.MinLength {
		return AccountRecord{}, ErrPasswordPolicy
	}

	hash, err := e.hasher.Hash(pass)
	if err != nil {
		return AccountRecord{}, errors.Join(ErrPasswordPolicy, err)
	}

	rec, err := e.directory.Create(ctx, CreateAccountInput{
		Identifier:   identifier,
		PasswordHash: hash,
		Status:       AccountActive,
	})
	if err != nil {
		e.emitAudit(ctx, auditEventAccountCreated, false, "", err, nil)
		return AccountRecord{}, err
	}

	e.emitAudit(ctx, auditEventAccountCreated, true, rec.AccountID, nil, func() map[string]string {
		return map[string]string{"identifier": identifier}
	})
	return rec, nil
}

// ChangePassword verifies the current password, installs the new hash and
// destroys every session of the account. The caller re-authenticates.
func (e *Engine) ChangePassword(ctx context.Context, accountID, oldPass, newPass string) error {
	if e == nil || e.hasher == nil {
		return ErrEngineNotReady
	}
	if accountID == "" || oldPass == "" || len(newPass) < e.config.Password.MinLength {
		return ErrPasswordPolicy
	}

	rec, err := e.directory.GetByID(ctx, accountID)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, accountID, err, nil)
		return err
	}

	oldOK, err := e.hasher.Verify(oldPass, rec.PasswordHash)
	if err != nil || !oldOK {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, accountID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "invalid_old_password"}
		})
		return ErrInvalidCredentials
	}

	same, err := e.hasher.Verify(newPass, rec.PasswordHash)
	if err == nil && same {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, accountID, ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(newPass)
	if err != nil {
		return errors.Join(ErrPasswordPolicy, err)
	}

	if err := e.directory.UpdatePasswordHash(ctx, accountID, newHash); err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, accountID, err, nil)
		return err
	}

	if err := e.LogoutAll(ctx, accountID); err != nil {
		log.Print("authkit: session invalidation failed after password change")
		return err
	}

	// Best-effort; a stale failure counter only shortens the next window.
	if err := e.limiter.ResetLogin(ctx, rec.Identifier, clientIPFromContext(ctx)); err != nil {
		log.Print("authkit: login limiter reset failed after password change")
	}

	oldPass = ""
	newPass = ""
	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, accountID, nil, nil)
	return nil
}

func sessionIDOf(r *LoginResult) string {
	if r == nil {
		return ""
	}
	id, _, err := token.Decode(r.RefreshToken)
	if err != nil {
		return ""
	}
	return id
}
