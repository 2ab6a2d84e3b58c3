package session

// Record is the server-side session row. The refresh token handed to the
// client is id‖secret; only sha256(secret) lives here, so a storage dump
// cannot be replayed as a token.
type Record struct {
	SessionID   string
	AccountID   string
	RefreshHash [32]byte

	IssuedAt  int64
	ExpiresAt int64
}
