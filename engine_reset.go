package authkit

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"log"
	"math/big"
	"time"

	"github.com/cadenzr/authkit/internal/rate"
	"github.com/cadenzr/authkit/internal/token"
)

// RequestPasswordReset issues a single-use reset token for the identifier.
// Unknown identifiers get the same answer as known ones: a plausible token
// that is simply never on file, delivered after a small random delay so the
// two paths cannot be told apart by timing. Delivery of the token to the
// account holder is the integrator's job.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier string) (string, error) {
	if e == nil || e.resetStore == nil {
		return "", ErrEngineNotReady
	}
	if !e.config.Reset.Enabled {
		return "", ErrResetDisabled
	}
	if identifier == "" {
		return "", ErrAccountNotFound
	}

	if err := e.limiter.CheckResetRequest(ctx, identifier); err != nil {
		return "", e.resetLimiterError(ctx, identifier, err)
	}

	rec, err := e.directory.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if !errors.Is(err, ErrAccountNotFound) {
			e.emitAudit(ctx, auditEventResetRequested, false, "", err, nil)
			return "", errors.Join(ErrBackendUnavailable, err)
		}

		if derr := resetEnumerationDelay(ctx); derr != nil {
			return "", derr
		}
		fake, ferr := e.mintResetToken()
		if ferr != nil {
			return "", ferr
		}
		e.metricInc(MetricResetRequested)
		e.emitAudit(ctx, auditEventResetRequested, true, "", nil, func() map[string]string {
			return map[string]string{"identifier": identifier, "enumeration_safe": "true"}
		})
		return fake, nil
	}

	resetToken, resetID, secretHash, err := e.mintResetTokenParts()
	if err != nil {
		return "", err
	}

	now := time.Now()
	record := &resetRecord{
		AccountID:  rec.AccountID,
		SecretHash: secretHash,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(e.config.Reset.TokenTTL).Unix(),
	}
	if err := e.resetStore.Save(ctx, resetID, record); err != nil {
		e.emitAudit(ctx, auditEventResetRequested, false, rec.AccountID, err, nil)
		return "", errors.Join(ErrBackendUnavailable, err)
	}

	e.metricInc(MetricResetRequested)
	e.emitAudit(ctx, auditEventResetRequested, true, rec.AccountID, nil, func() map[string]string {
		return map[string]string{"identifier": identifier}
	})
	return resetToken, nil
}

// InspectPasswordReset reports whether a reset token is still usable, for
// the page behind the emailed link. An unknown or consumed token answers
// ErrResetTokenInvalid; a real but expired one answers ErrResetTokenExpired,
// so the prompt can stop accepting input instead of offering a doomed form.
func (e *Engine) InspectPasswordReset(ctx context.Context, resetToken string) error {
	if e == nil || e.resetStore == nil {
		return ErrEngineNotReady
	}
	if !e.config.Reset.Enabled {
		return ErrResetDisabled
	}

	resetID, secret, err := token.Decode(resetToken)
	if err != nil {
		return ErrResetTokenInvalid
	}

	record, err := e.resetStore.Get(ctx, resetID)
	if err != nil {
		return e.mapResetStoreError(err)
	}

	provided := token.Hash(secret)
	if subtle.ConstantTimeCompare(record.SecretHash[:], provided[:]) != 1 {
		return ErrResetTokenInvalid
	}

	return nil
}

// ConsumePasswordReset spends the token, installs the new password and
// destroys every session of the account. Policy failures are checked before
// the token is spent, so a rejected password leaves the link usable.
func (e *Engine) ConsumePasswordReset(ctx context.Context, resetToken, newPassword string) error {
	if e == nil || e.resetStore == nil || e.hasher == nil {
		return ErrEngineNotReady
	}
	if !e.config.Reset.Enabled {
		return ErrResetDisabled
	}
	if len(newPassword) < e.config.Password.MinLength {
		e.metricInc(MetricResetRejected)
		e.emitAudit(ctx, auditEventResetRejected, false, "", ErrPasswordPolicy, nil)
		return ErrPasswordPolicy
	}

	resetID, secret, err := token.Decode(resetToken)
	if err != nil {
		e.metricInc(MetricResetRejected)
		e.emitAudit(ctx, auditEventResetRejected, false, "", ErrResetTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "decode_failed"}
		})
		return ErrResetTokenInvalid
	}
	providedHash := token.Hash(secret)

	// Peek before consuming: reuse and policy problems must not burn the
	// single-use token.
	record, err := e.resetStore.Get(ctx, resetID)
	if err != nil {
		mapped := e.mapResetStoreError(err)
		e.metricInc(MetricResetRejected)
		e.emitAudit(ctx, auditEventResetRejected, false, "", mapped, nil)
		return mapped
	}
	if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
		e.metricInc(MetricResetRejected)
		e.emitAudit(ctx, auditEventResetRejected, false, "", ErrResetTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "secret_mismatch"}
		})
		return ErrResetTokenInvalid
	}

	rec, err := e.directory.GetByID(ctx, record.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.metricInc(MetricResetRejected)
			e.emitAudit(ctx, auditEventResetRejected, false, record.AccountID, ErrResetTokenInvalid, func() map[string]string {
				return map[string]string{"reason": "account_missing"}
			})
			return ErrResetTokenInvalid
		}
		return errors.Join(ErrBackendUnavailable, err)
	}
	if rec.Status != AccountActive {
		e.metricInc(MetricResetRejected)
		e.emitAudit(ctx, auditEventResetRejected, false, rec.AccountID, ErrResetTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "account_disabled"}
		})
		return ErrResetTokenInvalid
	}

	if same, verr := e.hasher.Verify(newPassword, rec.PasswordHash); verr == nil && same {
		e.metricInc(MetricResetRejected)
		e.emitAudit(ctx, auditEventResetRejected, false, rec.AccountID, ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return errors.Join(ErrPasswordPolicy, err)
	}

	if _, err := e.resetStore.Consume(ctx, resetID, providedHash); err != nil {
		mapped := e.mapResetStoreError(err)
		e.metricInc(MetricResetRejected)
		e.emitAudit(ctx, auditEventResetRejected, false, rec.AccountID, mapped, func() map[string]string {
			return map[string]string{"reason": "consume_failed"}
		})
		return mapped
	}

	if err := e.directory.UpdatePasswordHash(ctx, rec.AccountID, newHash); err != nil {
		e.emitAudit(ctx, auditEventResetRejected, false, rec.AccountID, err, func() map[string]string {
			return map[string]string{"reason": "hash_update_failed"}
		})
		return errors.Join(ErrBackendUnavailable, err)
	}
	newPassword = ""

	// Every refresh token dies with the old password. Other tabs and
	// devices discover it on their next refresh.
	if err := e.LogoutAll(ctx, rec.AccountID); err != nil {
		return err
	}

	// Best-effort; a reset proves control of the account's mailbox, so a
	// lingering lockout only punishes the legitimate owner.
	if err := e.limiter.ResetLogin(ctx, rec.Identifier, clientIPFromContext(ctx)); err != nil {
		log.Print("authkit: login limiter reset failed after password reset")
	}

	e.metricInc(MetricResetConsumed)
	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventResetConsumed, true, rec.AccountID, nil, nil)
	return nil
}

func (e *Engine) mapResetStoreError(err error) error {
	switch {
	case errors.Is(err, errResetNotFound), errors.Is(err, errResetSecretMismatch):
		return ErrResetTokenInvalid
	case errors.Is(err, errResetExpired):
		return ErrResetTokenExpired
	default:
		return errors.Join(ErrBackendUnavailable, err)
	}
}

func (e *Engine) resetLimiterError(ctx context.Context, identifier string, err error) error {
	if errors.Is(err, rate.ErrLocked) {
		e.metricInc(MetricResetRateLimited)
		e.emitAudit(ctx, auditEventResetRequested, false, "", ErrResetRateLimited, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		return ErrResetRateLimited
	}
	e.emitAudit(ctx, auditEventResetRequested, false, "", err, nil)
	return errors.Join(ErrBackendUnavailable, err)
}

func (e *Engine) mintResetToken() (string, error) {
	tok, _, _, err := e.mintResetTokenParts()
	return tok, err
}

func (e *Engine) mintResetTokenParts() (string, string, [32]byte, error) {
	var emptyHash [32]byte

	id, err := token.NewID()
	if err != nil {
		return "", "", emptyHash, err
	}
	secret, err := token.NewSecret()
	if err != nil {
		return "", "", emptyHash, err
	}
	encoded, err := token.Encode(id.String(), secret)
	if err != nil {
		return "", "", emptyHash, err
	}

	return encoded, id.String(), token.Hash(secret), nil
}

// resetEnumerationDelay hides the cost difference between the known and
// unknown identifier paths behind 20 to 40 milliseconds of random wait.
func resetEnumerationDelay(ctx context.Context) error {
	const minMs, maxMs = 20, 40

	n, err := rand.Int(rand.Reader, big.NewInt(maxMs-minMs+1))
	if err != nil {
		return err
	}

	timer := time.NewTimer(time.Duration(minMs+n.Int64()) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
