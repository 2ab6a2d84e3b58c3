package authkit

import (
	"context"
	"errors"
	"sync"
)

// RequestPasswordReset asks the server to start a reset for the
// identifier. The answer is deliberately uniform: nil whether or not the
// identifier is registered, so the form cannot be used to probe for
// accounts. Delivery of the reset link is the server operator's side of
// the contract.
func (m *Manager) RequestPasswordReset(ctx context.Context, identifier string) error {
	return m.api.RequestPasswordReset(ctx, identifier)
}

// ResetFlowState is the phase of the page behind an emailed reset link:
// Pending until the token is verified, Ready while a new password is
// accepted, then exactly one of Invalid, Expired or Done.
type ResetFlowState uint8

const (
	ResetPending ResetFlowState = iota
	ResetReady
	ResetInvalid
	ResetExpired
	ResetDone
)

func (s ResetFlowState) String() string {
	switch s {
	case ResetPending:
		return "pending"
	case ResetReady:
		return "ready"
	case ResetInvalid:
		return "invalid"
	case ResetExpired:
		return "expired"
	case ResetDone:
		return "done"
	default:
		return "unknown"
	}
}

// PasswordResetFlow drives the reset-link page: verify the token, then
// accept the replacement password. Invalid and expired links land in
// distinct terminal states so the form shows the right message, and in
// both the password input must stop accepting text; typing into a dead
// link helps nobody.
type PasswordResetFlow struct {
	api API

	mu    sync.Mutex
	token string
	state ResetFlowState
}

// NewPasswordResetFlow opens the flow for one reset link. The flow runs
// unauthenticated; it never touches the manager's session.
func (m *Manager) NewPasswordResetFlow(resetToken string) *PasswordResetFlow {
	return &PasswordResetFlow{api: m.api, token: resetToken, state: ResetPending}
}

// State reports the current phase.
func (f *PasswordResetFlow) State() ResetFlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// InputDisabled reports whether the password field should stop accepting
// input. Dead links cannot be salvaged by typing.
func (f *PasswordResetFlow) InputDisabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == ResetInvalid || f.state == ResetExpired || f.state == ResetDone
}

// Verify checks the link before any input is shown. A transient failure
// leaves the flow pending so the page can retry; a token verdict is
// final.
func (f *PasswordResetFlow) Verify(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case ResetPending, ResetReady:
	default:
		return f.deadLinkError()
	}

	err := f.api.InspectPasswordReset(ctx, f.token)
	f.applyTokenVerdict(err)
	if err == nil {
		f.state = ResetReady
	}
	return err
}

// Submit consumes the token with the new password. Password policy
// rejections keep the form open for another try; token verdicts close
// it.
func (f *PasswordResetFlow) Submit(ctx context.Context, newPassword string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case ResetPending, ResetReady:
	default:
		return f.deadLinkError()
	}

	err := f.api.ConsumePasswordReset(ctx, f.token, newPassword)
	f.applyTokenVerdict(err)
	if err == nil {
		f.state = ResetDone
	}
	return err
}

// applyTokenVerdict folds a server answer into the flow state. Callers
// hold f.mu.
func (f *PasswordResetFlow) applyTokenVerdict(err error) {
	switch {
	case errors.Is(err, ErrResetTokenExpired):
		f.state = ResetExpired
	case errors.Is(err, ErrResetTokenInvalid):
		f.state = ResetInvalid
	}
}

// deadLinkError names why a terminal flow refuses further calls. Callers
// hold f.mu.
func (f *PasswordResetFlow) deadLinkError() error {
	if f.state == ResetExpired {
		return ErrResetTokenExpired
	}
	// Done reads as invalid on purpose: a consumed link is
	// indistinguishable from an unknown one.
	return ErrResetTokenInvalid
}
