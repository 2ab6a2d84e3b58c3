// Package authkit implements the full lifecycle of an authenticated
// session, on both sides of the wire.
//
// The server half is [Engine], built through [Builder]: credential
// verification with Argon2id, login lockout, single-use second-factor
// challenges, JWT access tokens over rotating opaque refresh tokens,
// Redis-backed session records, password reset and TOTP enrollment.
//
// The client half is [Manager]: it restores a session from a persisted
// refresh token on startup, coordinates concurrent token refreshes through
// a single flight, retries a request exactly once after an expired access
// token, and walks the two-factor enrollment and password reset flows step
// by step. A Manager talks to any [API]; [InProcAPI] adapts an Engine for
// same-process use and tests.
//
// Engine and Manager methods are safe for concurrent use after
// construction.
package authkit
