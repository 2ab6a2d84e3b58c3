package authkit

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// LoadEnvConfig builds a Config and Redis options from AUTHKIT_* environment
// variables, loading a .env file first when one exists. Unset variables keep
// their defaults; AUTHKIT_SECRET is required because the env path configures
// hs256 signing. Key files and ed25519 material stay with the Builder.
func LoadEnvConfig() (Config, *redis.Options, error) {
	_ = godotenv.Load(".env")

	cfg := defaultConfig()

	secret := os.Getenv("AUTHKIT_SECRET")
	if secret == "" {
		return Config{}, nil, fmt.Errorf("AUTHKIT_SECRET environment variable is required")
	}
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte(secret)

	if v := os.Getenv("AUTHKIT_ISSUER"); v != "" {
		cfg.JWT.Issuer = v
	}

	var err error
	if cfg.JWT.AccessTTL, err = envDuration("AUTHKIT_ACCESS_TTL", cfg.JWT.AccessTTL); err != nil {
		return Config{}, nil, err
	}
	if cfg.Session.RefreshTTL, err = envDuration("AUTHKIT_REFRESH_TTL", cfg.Session.RefreshTTL); err != nil {
		return Config{}, nil, err
	}
	if cfg.Lockout.Threshold, err = envInt("AUTHKIT_LOCKOUT_THRESHOLD", cfg.Lockout.Threshold); err != nil {
		return Config{}, nil, err
	}
	if cfg.Lockout.Window, err = envDuration("AUTHKIT_LOCKOUT_WINDOW", cfg.Lockout.Window); err != nil {
		return Config{}, nil, err
	}
	if cfg.Lockout.LockDuration, err = envDuration("AUTHKIT_LOCK_DURATION", cfg.Lockout.LockDuration); err != nil {
		return Config{}, nil, err
	}
	if cfg.Reset.TokenTTL, err = envDuration("AUTHKIT_RESET_TTL", cfg.Reset.TokenTTL); err != nil {
		return Config{}, nil, err
	}

	cfg.TOTP.Enabled = envBool("AUTHKIT_TOTP_ENABLED", cfg.TOTP.Enabled)
	if v := os.Getenv("AUTHKIT_TOTP_ISSUER"); v != "" {
		cfg.TOTP.Issuer = v
	}
	if cfg.TOTP.Enabled && cfg.TOTP.Issuer == "" {
		cfg.TOTP.Issuer = cfg.JWT.Issuer
	}

	cfg.Audit.Enabled = envBool("AUTHKIT_AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Metrics.Enabled = envBool("AUTHKIT_METRICS_ENABLED", cfg.Metrics.Enabled)

	opts := &redis.Options{
		Addr:     "127.0.0.1:6379",
		Password: os.Getenv("AUTHKIT_REDIS_PASSWORD"),
	}
	if v := os.Getenv("AUTHKIT_REDIS_ADDR"); v != "" {
		opts.Addr = v
	}
	if opts.DB, err = envInt("AUTHKIT_REDIS_DB", 0); err != nil {
		return Config{}, nil, err
	}

	return cfg, opts, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}
