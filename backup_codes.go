package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"strings"
)

// The alphabet drops 0/1/I/O so codes survive being read aloud or typed
// from paper.
const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newBackupCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeAlphabet))))
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// formatBackupCode inserts the midpoint dash users see on the recovery
// sheet. Canonicalization strips it back out.
func formatBackupCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

func canonicalizeBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// backupCodeHash binds the stored digest to the account, so identical codes
// issued to two accounts never share a hash.
func backupCodeHash(accountID, canonicalCode string) [32]byte {
	data := make([]byte, 0, len(accountID)+1+len(canonicalCode))
	data = append(data, accountID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}

// generateBackupCodeSet returns the one-time plaintext codes for display and
// the hashes that replace any previous set in the directory.
func generateBackupCodeSet(accountID string, count, length int) ([]string, [][32]byte, error) {
	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)

	for i := 0; i < count; i++ {
		raw, err := newBackupCode(length)
		if err != nil {
			return nil, nil, err
		}
		hashes = append(hashes, backupCodeHash(accountID, canonicalizeBackupCode(raw)))
		codes = append(codes, formatBackupCode(raw))
	}

	return codes, hashes, nil
}
