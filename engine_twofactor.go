package authkit

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"
)

// ConfirmLogin answers the second-factor challenge issued by Login. The
// challenge is single-use: a verified factor consumes it and yields the
// session; too many wrong codes destroy it, forcing a fresh password login.
func (e *Engine) ConfirmLogin(ctx context.Context, challengeID string, method SecondFactorMethod, code string) (*LoginResult, error) {
	if e == nil || e.totp == nil || e.challenges == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.TOTP.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}
	if challengeID == "" {
		return nil, ErrChallengeInvalid
	}

	challenge, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		mapped := e.mapChallengeError(err)
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, "", mapped, func() map[string]string {
			return map[string]string{"reason": "challenge_load_failed"}
		})
		return nil, mapped
	}

	rec, err := e.directory.GetByID(ctx, challenge.AccountID)
	if err != nil {
		_, _ = e.challenges.Delete(ctx, challengeID)
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, challenge.AccountID, ErrChallengeInvalid, func() map[string]string {
			return map[string]string{"reason": "account_missing"}
		})
		return nil, ErrChallengeInvalid
	}
	if rec.Status != AccountActive {
		_, _ = e.challenges.Delete(ctx, challengeID)
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, ErrChallengeInvalid, func() map[string]string {
			return map[string]string{"reason": "account_disabled"}
		})
		return nil, ErrChallengeInvalid
	}

	totpRec, err := e.directory.GetTOTP(ctx, rec.AccountID)
	if err != nil {
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, err, nil)
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	if totpRec == nil || !totpRec.Enabled || len(totpRec.Secret) == 0 {
		// Two-factor was switched off between Login and now; the
		// challenge has nothing left to prove.
		_, _ = e.challenges.Delete(ctx, challengeID)
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, ErrChallengeInvalid, func() map[string]string {
			return map[string]string{"reason": "twofactor_missing"}
		})
		return nil, ErrChallengeInvalid
	}

	switch method {
	case SecondFactorTOTP:
		ok, counter, verr := e.totp.VerifyCode(totpRec.Secret, code, time.Now())
		if verr != nil {
			e.metricInc(MetricSecondFactorFailure)
			e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, verr, nil)
			return nil, errors.Join(ErrBackendUnavailable, verr)
		}
		if !ok {
			return e.failChallengeAttempt(ctx, challengeID, rec.AccountID, ErrTwoFactorCodeInvalid)
		}
		if counter <= totpRec.LastUsed {
			// The code is genuine but already spent. No attempt is
			// charged; a fresh code from the next period will do.
			e.metricInc(MetricSecondFactorFailure)
			e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, ErrChallengeReplay, nil)
			return nil, ErrChallengeReplay
		}
		if err := e.directory.SetTOTPLastUsed(ctx, rec.AccountID, counter); err != nil {
			e.metricInc(MetricSecondFactorFailure)
			e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, err, nil)
			return nil, errors.Join(ErrBackendUnavailable, err)
		}

	case SecondFactorBackupCode:
		canonical := canonicalizeBackupCode(code)
		if canonical == "" {
			return e.failChallengeAttempt(ctx, challengeID, rec.AccountID, ErrBackupCodeInvalid)
		}
		used, berr := e.directory.ConsumeBackupCode(ctx, rec.AccountID, backupCodeHash(rec.AccountID, canonical))
		if berr != nil {
			e.metricInc(MetricSecondFactorFailure)
			e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, berr, nil)
			return nil, errors.Join(ErrBackendUnavailable, berr)
		}
		if !used {
			return e.failChallengeAttempt(ctx, challengeID, rec.AccountID, ErrBackupCodeInvalid)
		}
		e.metricInc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditEventBackupCodeUsed, true, rec.AccountID, nil, nil)

	default:
		return e.failChallengeAttempt(ctx, challengeID, rec.AccountID, ErrTwoFactorCodeInvalid)
	}

	removed, err := e.challenges.Delete(ctx, challengeID)
	if err != nil {
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, err, nil)
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	if !removed {
		// A concurrent confirm won the race and took the session.
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, ErrChallengeInvalid, func() map[string]string {
			return map[string]string{"reason": "already_consumed"}
		})
		return nil, ErrChallengeInvalid
	}

	result, err := e.issueSession(ctx, rec.AccountID)
	if err != nil {
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, err, nil)
		return nil, err
	}

	// Best-effort; the counters expire with their window anyway.
	if err := e.limiter.ResetLogin(ctx, challenge.Identifier, challenge.IP); err != nil {
		log.Print("authkit: login limiter reset failed")
	}

	e.metricInc(MetricSecondFactorSuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventSecondFactorSuccess, true, rec.AccountID, nil, func() map[string]string {
		return map[string]string{"method": method.String()}
	})
	e.emitAuditSession(ctx, auditEventLoginSuccess, true, rec.AccountID, sessionIDOf(result), nil)
	return result, nil
}

// failChallengeAttempt charges one wrong guess against the challenge. The
// guess that exhausts the budget destroys the challenge and reports so.
func (e *Engine) failChallengeAttempt(ctx context.Context, challengeID, accountID string, cause error) (*LoginResult, error) {
	exceeded, err := e.challenges.RecordFailure(ctx, challengeID, e.config.TOTP.ChallengeMaxAttempts)
	if err != nil {
		mapped := e.mapChallengeError(err)
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, accountID, mapped, nil)
		return nil, mapped
	}
	if exceeded {
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, accountID, ErrChallengeAttemptsExceeded, nil)
		return nil, ErrChallengeAttemptsExceeded
	}

	e.metricInc(MetricSecondFactorFailure)
	e.emitAudit(ctx, auditEventSecondFactorFailure, false, accountID, cause, nil)
	return nil, cause
}

func (e *Engine) mapChallengeError(err error) error {
	switch {
	case errors.Is(err, errChallengeNotFound):
		return ErrChallengeInvalid
	case errors.Is(err, errChallengeExpired):
		return ErrChallengeExpired
	default:
		return errors.Join(ErrBackendUnavailable, err)
	}
}

// BeginTwoFactorSetup provisions a fresh authenticator secret for the
// account behind the access token. The secret is held server-side as a
// pending setup; nothing about the account changes until ActivateTwoFactor
// proves the authenticator works.
func (e *Engine) BeginTwoFactorSetup(ctx context.Context, accessToken string) (*TwoFactorSetup, error) {
	if e == nil || e.totp == nil || e.setups == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.TOTP.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}

	info, err := e.ValidateAccess(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	rec, err := e.accountForTokenHolder(ctx, info.AccountID)
	if err != nil {
		return nil, err
	}
	if rec.TOTPEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	raw, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	setupID, expiresAt, err := e.setups.Create(ctx, rec.AccountID, raw)
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	e.metricInc(MetricTwoFactorSetupStarted)
	e.emitAudit(ctx, auditEventTwoFactorSetupStart, true, rec.AccountID, nil, nil)

	return &TwoFactorSetup{
		SetupID:      setupID,
		SecretBase32: secretBase32,
		ProvisionURI: e.totp.ProvisionURI(secretBase32, rec.Identifier),
		ExpiresAt:    expiresAt,
	}, nil
}

// ActivateTwoFactor turns a pending setup into enrolled two-factor. The
// first valid code proves possession; backup codes are generated in the same
// step and returned exactly once, in plaintext.
func (e *Engine) ActivateTwoFactor(ctx context.Context, accessToken, setupID, code string) ([]string, error) {
	if e == nil || e.totp == nil || e.setups == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.TOTP.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}

	info, err := e.ValidateAccess(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	rec, err := e.accountForTokenHolder(ctx, info.AccountID)
	if err != nil {
		return nil, err
	}
	if rec.TOTPEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	pending, err := e.setups.Get(ctx, setupID)
	if err != nil {
		switch {
		case errors.Is(err, errSetupNotFound), errors.Is(err, errSetupExpired):
			return nil, ErrTwoFactorSetupExpired
		default:
			return nil, errors.Join(ErrBackendUnavailable, err)
		}
	}
	if pending.AccountID != rec.AccountID {
		// Foreign setup IDs answer exactly like stale ones.
		return nil, ErrTwoFactorSetupExpired
	}

	ok, counter, verr := e.totp.VerifyCode(pending.Secret, code, time.Now())
	if verr != nil {
		return nil, errors.Join(ErrBackendUnavailable, verr)
	}
	if !ok {
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, ErrTwoFactorCodeInvalid, func() map[string]string {
			return map[string]string{"reason": "setup_code_invalid"}
		})
		return nil, ErrTwoFactorCodeInvalid
	}

	// Codes land before the secret: a crash between the two leaves an
	// orphaned code set and a still-pending setup, both retryable.
	codes, hashes, err := generateBackupCodeSet(rec.AccountID, e.config.TOTP.BackupCodeCount, e.config.TOTP.BackupCodeLength)
	if err != nil {
		return nil, err
	}
	if err := e.directory.ReplaceBackupCodes(ctx, rec.AccountID, hashes); err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	if err := e.directory.EnableTOTP(ctx, rec.AccountID, pending.Secret); err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	if err := e.directory.SetTOTPLastUsed(ctx, rec.AccountID, counter); err != nil {
		log.Print("authkit: totp replay floor update failed")
	}
	_, _ = e.setups.Delete(ctx, setupID)

	e.metricInc(MetricTwoFactorEnabled)
	e.metricInc(MetricBackupCodesRegenerated)
	e.emitAudit(ctx, auditEventTwoFactorEnabled, true, rec.AccountID, nil, nil)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, rec.AccountID, nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(len(codes))}
	})

	return codes, nil
}

// CancelTwoFactorSetup discards a pending setup and its server-held secret.
// Cancelling a setup that no longer exists is not an error.
func (e *Engine) CancelTwoFactorSetup(ctx context.Context, accessToken, setupID string) error {
	if e == nil || e.setups == nil {
		return ErrEngineNotReady
	}

	info, err := e.ValidateAccess(ctx, accessToken)
	if err != nil {
		return err
	}

	pending, err := e.setups.Get(ctx, setupID)
	if err != nil {
		switch {
		case errors.Is(err, errSetupNotFound), errors.Is(err, errSetupExpired):
			return nil
		default:
			return errors.Join(ErrBackendUnavailable, err)
		}
	}
	if pending.AccountID != info.AccountID {
		return nil
	}

	if _, err := e.setups.Delete(ctx, setupID); err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}

	e.emitAudit(ctx, auditEventTwoFactorCancelled, true, info.AccountID, nil, nil)
	return nil
}

// DisableTwoFactor removes the enrolled authenticator after the caller
// proves possession with a current code or a backup code. Every session is
// destroyed; the weaker credential set starts from a clean slate.
func (e *Engine) DisableTwoFactor(ctx context.Context, accountID, code string) error {
	if e == nil || e.totp == nil {
		return ErrEngineNotReady
	}
	if !e.config.TOTP.Enabled {
		return ErrTwoFactorNotEnabled
	}
	if accountID == "" {
		return ErrAccountNotFound
	}

	rec, err := e.directory.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return err
		}
		return errors.Join(ErrBackendUnavailable, err)
	}

	totpRec, err := e.directory.GetTOTP(ctx, rec.AccountID)
	if err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}
	if totpRec == nil || !totpRec.Enabled {
		return ErrTwoFactorNotEnabled
	}

	if err := e.verifySecondFactor(ctx, rec.AccountID, totpRec, code); err != nil {
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, err, func() map[string]string {
			return map[string]string{"reason": "disable_code_invalid"}
		})
		return err
	}

	if err := e.directory.DisableTOTP(ctx, rec.AccountID); err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}
	// Orphaned code hashes are unusable once enrollment is off; the wipe
	// is only hygiene.
	if err := e.directory.ReplaceBackupCodes(ctx, rec.AccountID, nil); err != nil {
		log.Print("authkit: backup code wipe failed after two-factor disable")
	}

	if err := e.LogoutAll(ctx, rec.AccountID); err != nil {
		return err
	}

	e.metricInc(MetricTwoFactorDisabled)
	e.emitAudit(ctx, auditEventTwoFactorDisabled, true, rec.AccountID, nil, nil)
	return nil
}

// RegenerateBackupCodes replaces the whole backup code set. A current
// authenticator code is required; the old codes stop working immediately.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, accountID, code string) ([]string, error) {
	if e == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.TOTP.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}
	if accountID == "" {
		return nil, ErrAccountNotFound
	}

	rec, err := e.directory.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	totpRec, err := e.directory.GetTOTP(ctx, rec.AccountID)
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	if totpRec == nil || !totpRec.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}

	ok, counter, verr := e.totp.VerifyCode(totpRec.Secret, code, time.Now())
	if verr != nil {
		return nil, errors.Join(ErrBackendUnavailable, verr)
	}
	if !ok || counter <= totpRec.LastUsed {
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, rec.AccountID, ErrTwoFactorCodeInvalid, func() map[string]string {
			return map[string]string{"reason": "regenerate_code_invalid"}
		})
		return nil, ErrTwoFactorCodeInvalid
	}
	if err := e.directory.SetTOTPLastUsed(ctx, rec.AccountID, counter); err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	codes, hashes, err := generateBackupCodeSet(rec.AccountID, e.config.TOTP.BackupCodeCount, e.config.TOTP.BackupCodeLength)
	if err != nil {
		return nil, err
	}
	if err := e.directory.ReplaceBackupCodes(ctx, rec.AccountID, hashes); err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	e.metricInc(MetricBackupCodesRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, rec.AccountID, nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(len(codes))}
	})

	return codes, nil
}

// verifySecondFactor accepts either a current authenticator code or an
// unused backup code. TOTP replays fall through to the backup path, which
// rejects them; a replayed code never unlocks anything here.
func (e *Engine) verifySecondFactor(ctx context.Context, accountID string, totpRec *TOTPRecord, code string) error {
	ok, counter, err := e.totp.VerifyCode(totpRec.Secret, code, time.Now())
	if err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}
	if ok && counter > totpRec.LastUsed {
		if err := e.directory.SetTOTPLastUsed(ctx, accountID, counter); err != nil {
			return errors.Join(ErrBackendUnavailable, err)
		}
		return nil
	}

	canonical := canonicalizeBackupCode(code)
	if canonical == "" {
		return ErrTwoFactorCodeInvalid
	}
	used, err := e.directory.ConsumeBackupCode(ctx, accountID, backupCodeHash(accountID, canonical))
	if err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}
	if !used {
		return ErrTwoFactorCodeInvalid
	}

	e.metricInc(MetricBackupCodeUsed)
	e.emitAudit(ctx, auditEventBackupCodeUsed, true, accountID, nil, nil)
	return nil
}

// accountForTokenHolder loads the account behind a validated access token.
// A disabled account no longer counts as authenticated.
func (e *Engine) accountForTokenHolder(ctx context.Context, accountID string) (AccountRecord, error) {
	rec, err := e.directory.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return AccountRecord{}, ErrNotAuthenticated
		}
		return AccountRecord{}, errors.Join(ErrBackendUnavailable, err)
	}
	if rec.Status != AccountActive {
		return AccountRecord{}, ErrNotAuthenticated
	}
	return rec, nil
}
