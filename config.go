package authkit

import (
	"errors"
	"strings"
	"time"
)

// Config carries every tunable of the engine. Builders start from
// defaultConfig and overlay caller values; a Config that fails Validate
// never reaches a running engine.
type Config struct {
	JWT      JWTConfig
	Session  SessionConfig
	Password PasswordConfig
	Lockout  LockoutConfig
	TOTP     TOTPConfig
	Reset    ResetConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig governs the server-side session record backing each
// refresh token. RefreshTTL is both the token and the session lifetime.
type SessionConfig struct {
	RefreshTTL  time.Duration
	RedisPrefix string
}

/*
====================================
PASSWORD CONFIG
====================================
*/

type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
	MinLength      int
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig is the failed-login policy: Threshold failures inside
// Window lock the identifier for LockDuration. The lock holds even when
// the next attempt carries the correct password.
type LockoutConfig struct {
	Threshold        int
	Window           time.Duration
	LockDuration     time.Duration
	EnableIPThrottle bool
}

/*
====================================
TOTP CONFIG
====================================
*/

type TOTPConfig struct {
	Enabled   bool
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	Skew      int

	SetupTTL             time.Duration
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int

	BackupCodeCount  int
	BackupCodeLength int
}

/*
====================================
PASSWORD RESET CONFIG
====================================
*/

// ResetConfig governs single-use password reset tokens. ExpiredRetention
// keeps the record around past TokenTTL so an expired token can be told
// apart from an unknown one; after retention lapses both read the same.
type ResetConfig struct {
	Enabled          bool
	TokenTTL         time.Duration
	MaxRequests      int
	RequestWindow    time.Duration
	ExpiredRetention time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the starting configuration: the same values a bare
// builder uses. Overlay what differs, then hand it to WithConfig.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RefreshTTL:  7 * 24 * time.Hour,
			RedisPrefix: "aks",
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
			MinLength:      10,
		},
		Lockout: LockoutConfig{
			Threshold:        5,
			Window:           15 * time.Minute,
			LockDuration:     15 * time.Minute,
			EnableIPThrottle: true,
		},
		TOTP: TOTPConfig{
			Enabled:              false,
			Digits:               6,
			Period:               30,
			Algorithm:            "SHA1",
			Skew:                 1,
			SetupTTL:             10 * time.Minute,
			ChallengeTTL:         3 * time.Minute,
			ChallengeMaxAttempts: 5,
			BackupCodeCount:      10,
			BackupCodeLength:     10,
		},
		Reset: ResetConfig{
			Enabled:          true,
			TokenTTL:         24 * time.Hour,
			MaxRequests:      3,
			RequestWindow:    time.Hour,
			ExpiredRetention: 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) < 32 {
		return errors.New("hs256 requires PrivateKey of at least 32 bytes")
	}
	if c.JWT.Leeway < 0 {
		return errors.New("JWT Leeway must be >= 0")
	}

	// Session
	if c.Session.RefreshTTL <= 0 {
		return errors.New("Session RefreshTTL must be > 0")
	}
	if c.Session.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("Session RefreshTTL must exceed JWT AccessTTL")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 10 {
		return errors.New("Password MinLength must be >= 10")
	}

	// Lockout
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout Threshold must be > 0")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("Lockout Window must be > 0")
	}
	if c.Lockout.LockDuration <= 0 {
		return errors.New("Lockout LockDuration must be > 0")
	}

	// TOTP
	if c.TOTP.Enabled {
		if c.TOTP.Issuer == "" {
			return errors.New("TOTP Issuer is required when TOTP is enabled")
		}
		if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
			return errors.New("TOTP Digits must be 6 or 8")
		}
		if c.TOTP.Period < 15 {
			return errors.New("TOTP Period must be >= 15 seconds")
		}
		if c.TOTP.Skew < 0 {
			return errors.New("TOTP Skew must be >= 0")
		}
		if c.TOTP.SetupTTL <= 0 {
			return errors.New("TOTP SetupTTL must be > 0")
		}
		if c.TOTP.ChallengeTTL <= 0 {
			return errors.New("TOTP ChallengeTTL must be > 0")
		}
		if c.TOTP.ChallengeMaxAttempts <= 0 {
			return errors.New("TOTP ChallengeMaxAttempts must be > 0")
		}
		if c.TOTP.BackupCodeCount <= 0 {
			return errors.New("TOTP BackupCodeCount must be > 0")
		}
		if c.TOTP.BackupCodeLength < 8 {
			return errors.New("TOTP BackupCodeLength must be >= 8")
		}
		switch strings.ToUpper(c.TOTP.Algorithm) {
		case "", "SHA1", "SHA256", "SHA512":
			// valid (empty treated as SHA1)
		default:
			return errors.New("TOTP Algorithm must be SHA1, SHA256, or SHA512")
		}
	}

	// Password reset
	if c.Reset.Enabled {
		if c.Reset.TokenTTL <= 0 {
			return errors.New("Reset TokenTTL must be > 0")
		}
		if c.Reset.MaxRequests <= 0 {
			return errors.New("Reset MaxRequests must be > 0")
		}
		if c.Reset.RequestWindow <= 0 {
			return errors.New("Reset RequestWindow must be > 0")
		}
		if c.Reset.ExpiredRetention < 0 {
			return errors.New("Reset ExpiredRetention must be >= 0")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
