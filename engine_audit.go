package authkit

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventLoginLocked           = "login_locked"
	auditEventSecondFactorRequired  = "second_factor_required"
	auditEventSecondFactorSuccess   = "second_factor_success"
	auditEventSecondFactorFailure   = "second_factor_failure"
	auditEventRefreshSuccess        = "refresh_success"
	auditEventRefreshInvalid        = "refresh_invalid"
	auditEventRefreshReuse          = "refresh_reuse_detected"
	auditEventLogout                = "logout_session"
	auditEventLogoutAll             = "logout_all"
	auditEventAccountCreated        = "account_created"
	auditEventPasswordChangeSuccess = "password_change_success"
	auditEventPasswordChangeFailure = "password_change_failure"
	auditEventResetRequested        = "password_reset_requested"
	auditEventResetConsumed         = "password_reset_consumed"
	auditEventResetRejected         = "password_reset_rejected"
	auditEventTwoFactorSetupStart   = "twofactor_setup_started"
	auditEventTwoFactorEnabled      = "twofactor_enabled"
	auditEventTwoFactorCancelled    = "twofactor_setup_cancelled"
	auditEventTwoFactorDisabled     = "twofactor_disabled"
	auditEventBackupCodesGenerated  = "backup_codes_generated"
	auditEventBackupCodeUsed        = "backup_code_used"
)

// AuditErrorCode is the stable string written into AuditEvent.Error.
// Consumers match on these instead of error messages.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrRefreshInvalid     AuditErrorCode = "refresh_invalid"
	auditErrRefreshReuse       AuditErrorCode = "refresh_reuse"
	auditErrAccessInvalid      AuditErrorCode = "access_token_invalid"
	auditErrResetInvalid       AuditErrorCode = "reset_token_invalid"
	auditErrResetExpired       AuditErrorCode = "reset_token_expired"
	auditErrResetRateLimited   AuditErrorCode = "reset_rate_limited"
	auditErrResetDisabled      AuditErrorCode = "reset_disabled"
	auditErrSecondFactor       AuditErrorCode = "second_factor_invalid"
	auditErrChallengeExpired   AuditErrorCode = "challenge_expired"
	auditErrChallengeAttempts  AuditErrorCode = "challenge_attempts_exceeded"
	auditErrChallengeReplay    AuditErrorCode = "challenge_replay"
	auditErrBackupCodeInvalid  AuditErrorCode = "backup_code_invalid"
	auditErrSetupExpired       AuditErrorCode = "setup_expired"
	auditErrAccountNotFound    AuditErrorCode = "account_not_found"
	auditErrDuplicate          AuditErrorCode = "duplicate_identifier"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrPasswordReuse      AuditErrorCode = "password_reuse"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	accountID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		AccountID: accountID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitAuditSession(
	ctx context.Context,
	eventType string,
	success bool,
	accountID string,
	sessionID string,
	err error,
) {
	if e == nil || e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		AccountID: accountID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrRefreshTokenInvalid):
		return auditErrRefreshInvalid
	case errors.Is(err, ErrAccessTokenExpired),
		errors.Is(err, ErrAccessTokenInvalid):
		return auditErrAccessInvalid
	case errors.Is(err, ErrResetTokenExpired):
		return auditErrResetExpired
	case errors.Is(err, ErrResetTokenInvalid):
		return auditErrResetInvalid
	case errors.Is(err, ErrResetRateLimited):
		return auditErrResetRateLimited
	case errors.Is(err, ErrResetDisabled):
		return auditErrResetDisabled
	case errors.Is(err, ErrChallengeExpired):
		return auditErrChallengeExpired
	case errors.Is(err, ErrChallengeAttemptsExceeded):
		return auditErrChallengeAttempts
	case errors.Is(err, ErrChallengeReplay):
		return auditErrChallengeReplay
	case errors.Is(err, ErrTwoFactorCodeInvalid),
		errors.Is(err, ErrSecondFactorRequired),
		errors.Is(err, ErrChallengeInvalid),
		errors.Is(err, ErrTwoFactorNotEnabled),
		errors.Is(err, ErrTwoFactorAlreadyEnabled):
		return auditErrSecondFactor
	case errors.Is(err, ErrBackupCodeInvalid),
		errors.Is(err, ErrBackupCodesNotConfigured):
		return auditErrBackupCodeInvalid
	case errors.Is(err, ErrTwoFactorSetupExpired):
		return auditErrSetupExpired
	case errors.Is(err, ErrAccountNotFound):
		return auditErrAccountNotFound
	case errors.Is(err, ErrDuplicateIdentifier):
		return auditErrDuplicate
	case errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordReuse
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrBackendUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
