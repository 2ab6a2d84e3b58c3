package authkit

// SecurityReport summarizes the security posture in effect, for startup
// logs and operational review. It carries configuration only, never key
// material.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	return SecurityReport{
		SigningAlgorithm: e.config.JWT.SigningMethod,
		AccessTTL:        e.config.JWT.AccessTTL,
		RefreshTTL:       e.config.Session.RefreshTTL,
		Argon2: PasswordConfigReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
		},
		LoginThreshold:  e.config.Lockout.Threshold,
		LoginWindow:     e.config.Lockout.Window,
		LockDuration:    e.config.Lockout.LockDuration,
		TwoFactorActive: e.config.TOTP.Enabled,
		BackupCodeCount: e.config.TOTP.BackupCodeCount,
		ResetTokenTTL:   e.config.Reset.TokenTTL,
	}
}
