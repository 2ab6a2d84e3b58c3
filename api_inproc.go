package authkit

import "context"

// InProcAPI serves the client API straight from an Engine in the same
// process: single-binary deployments and tests. The error taxonomy passes
// through untouched, which is exactly what the client half keys on.
type InProcAPI struct {
	engine *Engine

	// OnResetToken receives every reset token the engine mints, standing
	// in for mail delivery. Tokens minted for unknown identifiers arrive
	// too, because the uniform-answer rule mints decoys; a real sender
	// resolves the identifier to an address and finds nobody to mail.
	OnResetToken func(identifier, resetToken string)
}

var _ API = (*InProcAPI)(nil)

func NewInProcAPI(engine *Engine) *InProcAPI {
	return &InProcAPI{engine: engine}
}

func (a *InProcAPI) Login(ctx context.Context, identifier, password string) (LoginResult, error) {
	res, err := a.engine.Login(ctx, identifier, password)
	if err != nil {
		return LoginResult{}, err
	}
	return *res, nil
}

func (a *InProcAPI) ConfirmLogin(ctx context.Context, challengeID string, method SecondFactorMethod, code string) (LoginResult, error) {
	res, err := a.engine.ConfirmLogin(ctx, challengeID, method, code)
	if err != nil {
		return LoginResult{}, err
	}
	return *res, nil
}

func (a *InProcAPI) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	pair, err := a.engine.Refresh(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	return *pair, nil
}

func (a *InProcAPI) Logout(ctx context.Context, refreshToken string) error {
	return a.engine.Logout(ctx, refreshToken)
}

func (a *InProcAPI) Profile(ctx context.Context, accessToken string) (Profile, error) {
	return a.engine.Profile(ctx, accessToken)
}

func (a *InProcAPI) BeginTwoFactorSetup(ctx context.Context, accessToken string) (TwoFactorSetup, error) {
	setup, err := a.engine.BeginTwoFactorSetup(ctx, accessToken)
	if err != nil {
		return TwoFactorSetup{}, err
	}
	return *setup, nil
}

func (a *InProcAPI) ActivateTwoFactor(ctx context.Context, accessToken, setupID, code string) ([]string, error) {
	return a.engine.ActivateTwoFactor(ctx, accessToken, setupID, code)
}

func (a *InProcAPI) CancelTwoFactorSetup(ctx context.Context, accessToken, setupID string) error {
	return a.engine.CancelTwoFactorSetup(ctx, accessToken, setupID)
}

func (a *InProcAPI) RequestPasswordReset(ctx context.Context, identifier string) error {
	tok, err := a.engine.RequestPasswordReset(ctx, identifier)
	if err != nil {
		return err
	}
	if a.OnResetToken != nil && tok != "" {
		a.OnResetToken(identifier, tok)
	}
	return nil
}

func (a *InProcAPI) InspectPasswordReset(ctx context.Context, resetToken string) error {
	return a.engine.InspectPasswordReset(ctx, resetToken)
}

func (a *InProcAPI) ConsumePasswordReset(ctx context.Context, resetToken, newPassword string) error {
	return a.engine.ConsumePasswordReset(ctx, resetToken, newPassword)
}
