package authkit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNetwork marks transient transport failures. API implementations
	// wrap the underlying cause; nothing in this package retries past the
	// single refresh-then-retry rule.
	ErrNetwork = errors.New("network failure")

	// ErrInvalidCredentials deliberately carries no detail about which
	// part of the exchange failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountLocked is usually seen as a *LockedError carrying the
	// unlock time.
	ErrAccountLocked = errors.New("account locked")

	// ErrRefreshTokenInvalid is fatal to the session: the holder is
	// forced through a clean logout, never a retry.
	ErrRefreshTokenInvalid = errors.New("refresh token invalid or expired")

	// ErrRefreshReuse is refresh-token reuse detected by rotation; it
	// matches ErrRefreshTokenInvalid in errors.Is checks.
	ErrRefreshReuse = fmt.Errorf("%w: reuse detected", ErrRefreshTokenInvalid)

	// Access-token outcomes, the 401 equivalents that arm the
	// refresh-then-retry rule.
	ErrAccessTokenExpired = errors.New("access token expired")
	ErrAccessTokenInvalid = errors.New("access token invalid")

	// Password reset. Invalid covers unknown and already-consumed tokens
	// (the caller cannot tell those apart); expired is distinct because
	// the prompt must stop accepting input.
	ErrResetTokenInvalid = errors.New("password reset token invalid")
	ErrResetTokenExpired = errors.New("password reset token expired")
	ErrResetRateLimited  = errors.New("password reset rate limited")
	ErrResetDisabled     = errors.New("password reset disabled")

	// Two-factor.
	ErrSecondFactorRequired      = errors.New("second factor required")
	ErrTwoFactorCodeInvalid      = errors.New("invalid two-factor code")
	ErrTwoFactorAlreadyEnabled   = errors.New("two-factor already enabled")
	ErrTwoFactorNotEnabled       = errors.New("two-factor not enabled")
	ErrTwoFactorSetupExpired     = errors.New("two-factor setup expired")
	ErrChallengeInvalid          = errors.New("second-factor challenge invalid")
	ErrChallengeExpired          = errors.New("second-factor challenge expired")
	ErrChallengeAttemptsExceeded = errors.New("second-factor challenge attempts exceeded")
	ErrChallengeReplay           = errors.New("second-factor challenge replay detected")
	ErrBackupCodeInvalid         = errors.New("invalid backup code")
	ErrBackupCodesNotConfigured  = errors.New("backup codes not configured")

	// ErrBackupCodesNotAcknowledged gates enrollment completion: the
	// wizard refuses Complete until the user confirms the codes are saved.
	ErrBackupCodesNotAcknowledged = errors.New("backup codes not acknowledged")

	// ErrEnrollmentStep is returned by wizard methods called out of order.
	ErrEnrollmentStep = errors.New("enrollment step does not allow this operation")

	// Client-side session state.
	ErrNoStoredCredential = errors.New("no stored credential")
	ErrNotAuthenticated   = errors.New("not authenticated")

	// Account lifecycle (directory-facing).
	ErrAccountNotFound     = errors.New("account not found")
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
	ErrPasswordPolicy      = errors.New("password policy violation")
	ErrPasswordReuse       = errors.New("new password must differ from the current one")

	// Engine plumbing.
	ErrBackendUnavailable = errors.New("auth backend unavailable")
	ErrEngineNotReady     = errors.New("engine not initialized")
)

// LockedError is ErrAccountLocked with the unlock time attached, when the
// server considers it safe to disclose.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}
