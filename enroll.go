package authkit

import (
	"context"
	"sync"
)

// EnrollStep is the two-factor enrollment wizard position. Steps only
// move forward; out-of-order calls are refused with ErrEnrollmentStep
// rather than bent into shape.
type EnrollStep uint8

const (
	StepQRDisplay EnrollStep = iota
	StepVerifyTOTP
	StepBackupCodes
	StepComplete
	StepCancelled
)

func (s EnrollStep) String() string {
	switch s {
	case StepQRDisplay:
		return "qr_display"
	case StepVerifyTOTP:
		return "verify_totp"
	case StepBackupCodes:
		return "backup_codes"
	case StepComplete:
		return "complete"
	case StepCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TwoFactorEnrollment walks an authenticated session through enabling a
// second factor. A server rejection keeps the wizard on its current step
// so the user can retry, and Cancel discards the pending server-side
// secret from any step short of completion.
type TwoFactorEnrollment struct {
	m *Manager

	mu           sync.Mutex
	step         EnrollStep
	setup        TwoFactorSetup
	fetched      bool
	backupCodes  []string
	acknowledged bool
}

// NewTwoFactorEnrollment opens the wizard at the QR step. Nothing is
// requested from the server until FetchMaterial.
func (m *Manager) NewTwoFactorEnrollment() *TwoFactorEnrollment {
	return &TwoFactorEnrollment{m: m, step: StepQRDisplay}
}

// Step reports the wizard position.
func (f *TwoFactorEnrollment) Step() EnrollStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// FetchMaterial asks the server for the provisioning secret and QR
// payload. On failure the wizard stays at the QR step and calling it
// again retries; once fetched, the same material is returned without
// another round trip.
func (f *TwoFactorEnrollment) FetchMaterial(ctx context.Context) (TwoFactorSetup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step != StepQRDisplay {
		return TwoFactorSetup{}, ErrEnrollmentStep
	}
	if f.fetched {
		return f.setup, nil
	}

	var setup TwoFactorSetup
	err := f.m.Do(ctx, func(ctx context.Context, access string) error {
		var err error
		setup, err = f.m.api.BeginTwoFactorSetup(ctx, access)
		return err
	})
	if err != nil {
		return TwoFactorSetup{}, err
	}

	f.setup = setup
	f.fetched = true
	return setup, nil
}

// VerifyTOTP submits a code read from the authenticator app. The first
// submission moves the wizard to the verify step; a rejected code keeps
// it there with the pending secret intact. Acceptance activates the
// factor server-side, stores the returned backup codes and moves on.
func (f *TwoFactorEnrollment) VerifyTOTP(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.step {
	case StepQRDisplay, StepVerifyTOTP:
	default:
		return ErrEnrollmentStep
	}
	if !f.fetched {
		return ErrEnrollmentStep
	}
	f.step = StepVerifyTOTP

	var codes []string
	err := f.m.Do(ctx, func(ctx context.Context, access string) error {
		var err error
		codes, err = f.m.api.ActivateTwoFactor(ctx, access, f.setup.SetupID, code)
		return err
	})
	if err != nil {
		return err
	}

	f.backupCodes = codes
	f.step = StepBackupCodes

	f.m.mu.Lock()
	f.m.profile.TwoFactorEnabled = true
	f.m.mu.Unlock()
	return nil
}

// BackupCodes returns a copy of the one-time codes produced at
// verification. Empty before that, and again after Complete wipes them.
func (f *TwoFactorEnrollment) BackupCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.backupCodes))
	copy(out, f.backupCodes)
	return out
}

// AcknowledgeSaved records that the user confirmed the codes are stored
// somewhere safe. Complete is refused until this has happened.
func (f *TwoFactorEnrollment) AcknowledgeSaved() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step != StepBackupCodes {
		return ErrEnrollmentStep
	}
	f.acknowledged = true
	return nil
}

// Complete closes the wizard and drops the plaintext codes from memory.
// The acknowledgement gate is hard: no sequence of calls reaches
// StepComplete without it.
func (f *TwoFactorEnrollment) Complete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step != StepBackupCodes {
		return ErrEnrollmentStep
	}
	if !f.acknowledged {
		return ErrBackupCodesNotAcknowledged
	}
	f.backupCodes = nil
	f.step = StepComplete
	return nil
}

// Cancel abandons the wizard. Before verification it discards the pending
// server-side secret, so no partial enrollment survives; after
// verification the factor is already active and Cancel only closes the
// wizard. Cancelling twice is a no-op, cancelling a completed wizard is
// refused.
func (f *TwoFactorEnrollment) Cancel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.step {
	case StepComplete:
		return ErrEnrollmentStep
	case StepCancelled:
		return nil
	}

	if f.fetched && f.step != StepBackupCodes {
		err := f.m.Do(ctx, func(ctx context.Context, access string) error {
			return f.m.api.CancelTwoFactorSetup(ctx, access, f.setup.SetupID)
		})
		if err != nil {
			// The secret is still pending server-side; stay put so the
			// user can retry the cancel.
			return err
		}
	}

	f.step = StepCancelled
	f.setup = TwoFactorSetup{}
	f.fetched = false
	f.backupCodes = nil
	f.acknowledged = false
	return nil
}
