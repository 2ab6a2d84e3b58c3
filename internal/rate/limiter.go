package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the fixed-window tuning for server-side lockout.
type Config struct {
	EnableIPThrottle bool

	// Login lockout: MaxLoginFailures within LoginWindow locks the
	// identifier for LockDuration.
	MaxLoginFailures int
	LoginWindow      time.Duration
	LockDuration     time.Duration

	// Reset-request throttle.
	MaxResetRequests   int
	ResetRequestWindow time.Duration
}

// Limiter enforces per-identifier (and optional per-IP) brute-force limits
// using Redis fixed-window counters. Failure counters and lock marks are
// separate keys so a lock outlives the window that produced it.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// CheckLogin reports whether the identifier+IP pair may attempt a login.
// A locked pair returns ErrLocked; RetryAfter carries the remaining lock
// time when it is known.
func (l *Limiter) CheckLogin(ctx context.Context, identifier, ip string) error {
	if err := l.checkLock(ctx, lockKey(identifier)); err != nil {
		return err
	}

	if l.config.EnableIPThrottle && ip != "" {
		if err := l.checkLock(ctx, lockIPKey(ip)); err != nil {
			return err
		}
	}

	return nil
}

// FailLogin records a failed attempt. Crossing MaxLoginFailures inside the
// window arms the lock key for LockDuration and returns ErrLocked.
func (l *Limiter) FailLogin(ctx context.Context, identifier, ip string) error {
	locked, err := l.failCounter(ctx, failKey(identifier), lockKey(identifier))
	if err != nil {
		return err
	}

	if l.config.EnableIPThrottle && ip != "" {
		ipLocked, err := l.failCounter(ctx, failIPKey(ip), lockIPKey(ip))
		if err != nil {
			return err
		}
		locked = locked || ipLocked
	}

	if locked {
		return l.lockedErr(ctx, lockKey(identifier))
	}
	return nil
}

// ResetLogin clears counters and locks for the pair. Called after a
// successful login and after a completed password reset.
func (l *Limiter) ResetLogin(ctx context.Context, identifier, ip string) error {
	keys := []string{failKey(identifier), lockKey(identifier)}
	if l.config.EnableIPThrottle && ip != "" {
		keys = append(keys, failIPKey(ip), lockIPKey(ip))
	}

	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// LoginFailures returns the current failure count for an identifier.
// Missing keys return zero and do not reveal account existence.
func (l *Limiter) LoginFailures(ctx context.Context, identifier string) (int, error) {
	count, err := l.redis.Get(ctx, failKey(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// CheckResetRequest throttles password-reset issuance per identifier.
// The window answer is uniform for known and unknown accounts.
func (l *Limiter) CheckResetRequest(ctx context.Context, identifier string) error {
	count, err := l.incrementWithTTL(ctx, resetReqKey(identifier), l.config.ResetRequestWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxResetRequests) {
		return ErrLocked
	}
	return nil
}

func (l *Limiter) checkLock(ctx context.Context, key string) error {
	n, err := l.redis.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if n > 0 {
		return l.lockedErr(ctx, key)
	}
	return nil
}

func (l *Limiter) failCounter(ctx context.Context, counterKey, lockedKey string) (bool, error) {
	count, err := l.incrementWithTTL(ctx, counterKey, l.config.LoginWindow)
	if err != nil {
		return false, err
	}
	if count < int64(l.config.MaxLoginFailures) {
		return false, nil
	}

	if err := l.redis.Set(ctx, lockedKey, 1, l.config.LockDuration).Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return true, nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func (l *Limiter) lockedErr(ctx context.Context, lockedKey string) error {
	ttl, err := l.redis.PTTL(ctx, lockedKey).Result()
	if err != nil || ttl <= 0 {
		return ErrLocked
	}
	return &LockedUntilError{Until: time.Now().Add(ttl)}
}

func failKey(identifier string) string { return "akf:" + identifier }

func failIPKey(ip string) string { return "akfip:" + ip }

func lockKey(identifier string) string { return "akl:" + identifier }

func lockIPKey(ip string) string { return "aklip:" + ip }

func resetReqKey(identifier string) string { return "akrr:" + identifier }
