package authkit

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/cadenzr/authkit/internal/rate"
	"github.com/cadenzr/authkit/jwt"
	"github.com/cadenzr/authkit/password"
	"github.com/cadenzr/authkit/session"
)

// Builder assembles an Engine. Configure with the With* methods, then call
// Build once; Build validates the whole configuration before any component
// is constructed, so a misconfigured engine never starts.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	directory AccountDirectory
	auditSink AuditSink
	hasher    password.Hasher

	built bool
}

func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithDirectory(dir AccountDirectory) *Builder {
	b.directory = dir
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithHasher replaces the default Argon2id hasher. The replacement must
// verify hashes produced by whatever wrote the directory's records.
func (b *Builder) WithHasher(h password.Hasher) *Builder {
	b.hasher = h
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.directory == nil {
		return nil, errors.New("account directory required")
	}

	engine := &Engine{
		config:    cfg,
		directory: b.directory,
		sessions:  session.NewStore(b.redis, cfg.Session.RedisPrefix),
	}

	engine.limiter = rate.New(b.redis, rate.Config{
		EnableIPThrottle:   cfg.Lockout.EnableIPThrottle,
		MaxLoginFailures:   cfg.Lockout.Threshold,
		LoginWindow:        cfg.Lockout.Window,
		LockDuration:       cfg.Lockout.LockDuration,
		MaxResetRequests:   cfg.Reset.MaxRequests,
		ResetRequestWindow: cfg.Reset.RequestWindow,
	})
	engine.resetStore = newResetStore(b.redis, cfg.Reset)
	engine.challenges = newChallengeStore(b.redis, cfg.TOTP)
	engine.setups = newSetupStore(b.redis, cfg.TOTP)
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.totp = newTOTPManager(cfg.TOTP)

	if b.hasher != nil {
		engine.hasher = b.hasher
	} else {
		ph, err := password.NewArgon2(password.Config{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		})
		if err != nil {
			return nil, err
		}
		engine.hasher = ph
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}
	engine.tokens = jm

	b.built = true

	return engine, nil
}
