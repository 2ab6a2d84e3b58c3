package authkit

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

// tamperResetToken flips one bit in the secret half so the record ID still
// resolves but the secret no longer matches.
func tamperResetToken(t *testing.T, tok string) string {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("decode reset token: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestPasswordResetRoundTrip(t *testing.T) {
	engine, _, _, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()
	seedAccount(t, engine, "alice@example.com", "correct-password-123")

	res, err := engine.Login(ctx, "alice@example.com", "correct-password-123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	tok, err := engine.RequestPasswordReset(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("request reset: %v", err)
	}
	if tok == "" {
		t.Fatal("empty reset token")
	}
	if err := engine.InspectPasswordReset(ctx, tok); err != nil {
		t.Fatalf("inspect: %v", err)
	}

	if err := engine.ConsumePasswordReset(ctx, tok, "replacement-pass-456"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// The old password and every session die with the reset.
	if _, err := engine.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Fatalf("refresh after reset: err = %v, want ErrRefreshTokenInvalid", err)
	}
	if _, err := engine.Login(ctx, "alice@example.com", "correct-password-123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := engine.Login(ctx, "alice@example.com", "replacement-pass-456"); err != nil {
		t.Fatalf("new password: %v", err)
	}

	// Single use.
	if err := engine.InspectPasswordReset(ctx, tok); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("inspect spent token: err = %v, want ErrResetTokenInvalid", err)
	}
	if err := engine.ConsumePasswordReset(ctx, tok, "yet-another-pass-789"); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("consume spent token: err = %v, want ErrResetTokenInvalid", err)
	}
}

func TestPasswordResetUnknownIdentifierIndistinguishable(t *testing.T) {
	engine, _, _, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	start := time.Now()
	tok, err := engine.RequestPasswordReset(ctx, "nobody@example.com")
	if err != nil {
		t.Fatalf("request for unknown identifier: %v", err)
	}
	if tok == "" {
		t.Fatal("unknown identifier returned an empty token")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("decoy answered in %v, too fast to mask the miss", elapsed)
	}

	// The decoy is well-formed but backed by nothing.
	if err := engine.InspectPasswordReset(ctx, tok); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("inspect decoy: err = %v, want ErrResetTokenInvalid", err)
	}
}

func TestPasswordResetExpiryDistinctFromInvalid(t *testing.T) {
	cfg := testConfig()
	cfg.Reset.TokenTTL = 50 * time.Millisecond
	cfg.Reset.ExpiredRetention = time.Hour
	engine, _, mr, done := newTestEngine(t, cfg)
	defer done()
	ctx := context.Background()
	seedAccount(t, engine, "alice@example.com", "correct-password-123")

	tok, err := engine.RequestPasswordReset(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("request reset: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if err := engine.InspectPasswordReset(ctx, tok); !errors.Is(err, ErrResetTokenExpired) {
			t.Fatalf("inspect %d: err = %v, want ErrResetTokenExpired", i, err)
		}
	}
	if err := engine.ConsumePasswordReset(ctx, tok, "replacement-pass-456"); !errors.Is(err, ErrResetTokenExpired) {
		t.Fatalf("consume expired: err = %v, want ErrResetTokenExpired", err)
	}

	// Once retention lapses the record is gone and expired collapses
	// into invalid.
	mr.FastForward(2 * time.Hour)
	if err := engine.InspectPasswordReset(ctx, tok); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("inspect after retention: err = %v, want ErrResetTokenInvalid", err)
	}
}

func TestPasswordResetPolicyFailureLeavesLinkUsable(t *testing.T) {
	engine, _, _, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()
	seedAccount(t, engine, "alice@example.com", "correct-password-123")

	tok, err := engine.RequestPasswordReset(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("request reset: %v", err)
	}

	if err := engine.ConsumePasswordReset(ctx, tok, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("short password: err = %v, want ErrPasswordPolicy", err)
	}
	if err := engine.ConsumePasswordReset(ctx, tok, "correct-password-123"); !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("unchanged password: err = %v, want ErrPasswordReuse", err)
	}

	// Neither rejection burned the token.
	if err := engine.ConsumePasswordReset(ctx, tok, "replacement-pass-456"); err != nil {
		t.Fatalf("consume after rejections: %v", err)
	}
}

func TestPasswordResetRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Reset.MaxRequests = 2
	cfg.Reset.RequestWindow = time.Hour
	engine, _, _, done := newTestEngine(t, cfg)
	defer done()
	ctx := context.Background()
	seedAccount(t, engine, "alice@example.com", "correct-password-123")

	for i := 0; i < 2; i++ {
		if _, err := engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if _, err := engine.RequestPasswordReset(ctx, "alice@example.com"); !errors.Is(err, ErrResetRateLimited) {
		t.Fatalf("third request: err = %v, want ErrResetRateLimited", err)
	}

	// The window is per identifier.
	if _, err := engine.RequestPasswordReset(ctx, "nobody@example.com"); err != nil {
		t.Fatalf("request for other identifier: %v", err)
	}
}

func TestPasswordResetTamperedSecretLeavesRecordUsable(t *testing.T) {
	engine, _, _, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()
	seedAccount(t, engine, "alice@example.com", "correct-password-123")

	tok, err := engine.RequestPasswordReset(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("request reset: %v", err)
	}
	tampered := tamperResetToken(t, tok)

	if err := engine.InspectPasswordReset(ctx, tampered); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("inspect tampered: err = %v, want ErrResetTokenInvalid", err)
	}
	if err := engine.ConsumePasswordReset(ctx, tampered, "replacement-pass-456"); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("consume tampered: err = %v, want ErrResetTokenInvalid", err)
	}

	// The mismatch must not spend the real token.
	if err := engine.ConsumePasswordReset(ctx, tok, "replacement-pass-456"); err != nil {
		t.Fatalf("consume original: %v", err)
	}
}

func TestPasswordResetDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Reset.Enabled = false
	engine, _, _, done := newTestEngine(t, cfg)
	defer done()
	ctx := context.Background()
	seedAccount(t, engine, "alice@example.com", "correct-password-123")

	if _, err := engine.RequestPasswordReset(ctx, "alice@example.com"); !errors.Is(err, ErrResetDisabled) {
		t.Fatalf("request: err = %v, want ErrResetDisabled", err)
	}
	if err := engine.InspectPasswordReset(ctx, "whatever"); !errors.Is(err, ErrResetDisabled) {
		t.Fatalf("inspect: err = %v, want ErrResetDisabled", err)
	}
	if err := engine.ConsumePasswordReset(ctx, "whatever", "replacement-pass-456"); !errors.Is(err, ErrResetDisabled) {
		t.Fatalf("consume: err = %v, want ErrResetDisabled", err)
	}
}

func TestPasswordResetClearsLoginLockout(t *testing.T) {
	cfg := testConfig()
	cfg.Lockout.Threshold = 3
	engine, _, _, done := newTestEngine(t, cfg)
	defer done()
	ctx := context.Background()
	seedAccount(t, engine, "alice@example.com", "correct-password-123")

	for i := 0; i < 3; i++ {
		engine.Login(ctx, "alice@example.com", "wrong-password-123")
	}
	if _, err := engine.Login(ctx, "alice@example.com", "correct-password-123"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected lockout before reset, got %v", err)
	}

	tok, err := engine.RequestPasswordReset(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("request reset: %v", err)
	}
	if err := engine.ConsumePasswordReset(ctx, tok, "replacement-pass-456"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// Proving mailbox control lifts the lock.
	if _, err := engine.Login(ctx, "alice@example.com", "replacement-pass-456"); err != nil {
		t.Fatalf("login after reset: %v", err)
	}
}
