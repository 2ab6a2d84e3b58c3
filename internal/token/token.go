// Package token holds the opaque-token plumbing shared by the session and
// reset stores: random handle IDs, random secrets, and the id‖secret wire
// encoding. Only hashes of secrets are ever persisted.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const (
	idSize        = 16
	secretSize    = 32
	opaqueRawSize = idSize + secretSize
)

// ID identifies a server-side record (session, reset request). The string
// form is base64url without padding, compact enough for Redis keys.
type ID [idSize]byte

var ErrMalformed = errors.New("malformed token")

func NewID() (ID, error) {
	var id ID
	_, err := rand.Read(id[:])
	return id, err
}

func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ParseID(s string) (ID, error) {
	var id ID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, ErrMalformed
	}
	if len(raw) != len(id) {
		return id, ErrMalformed
	}

	copy(id[:], raw)
	return id, nil
}

// NewSecret returns the random half of an opaque token. The plain secret
// goes to the caller; stores keep only Hash(secret).
func NewSecret() ([secretSize]byte, error) {
	var secret [secretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func Hash(secret [secretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

func HashBytes(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// Encode packs a record ID and its secret into the opaque wire form handed
// to clients. Refresh tokens and reset tokens share this shape.
func Encode(recordID string, secret [secretSize]byte) (string, error) {
	id, err := ParseID(recordID)
	if err != nil {
		return "", err
	}

	var raw [opaqueRawSize]byte
	copy(raw[:len(id)], id[:])
	copy(raw[len(id):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// Decode splits an opaque token back into its record ID and secret. Any
// token that is not exactly id‖secret decodes to ErrMalformed; callers map
// that to their invalid-token sentinel without touching storage.
func Decode(tok string) (string, [secretSize]byte, error) {
	var secret [secretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return "", secret, ErrMalformed
	}
	if len(raw) != opaqueRawSize {
		return "", secret, ErrMalformed
	}

	var id ID
	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id.String(), secret, nil
}
