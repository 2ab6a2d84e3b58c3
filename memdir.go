package authkit

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/google/uuid"
)

// MemDirectory is an in-memory AccountDirectory for examples, tools and
// tests. Everything lives under one mutex; it is not meant to back a real
// deployment, only to stand in for one.
type MemDirectory struct {
	mu      sync.Mutex
	byID    map[string]*memAccount
	byIdent map[string]string
}

type memAccount struct {
	rec    AccountRecord
	totp   *TOTPRecord
	backup [][32]byte
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		byID:    map[string]*memAccount{},
		byIdent: map[string]string{},
	}
}

func (d *MemDirectory) GetByIdentifier(_ context.Context, identifier string) (AccountRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.byIdent[identifier]
	if !ok {
		return AccountRecord{}, ErrAccountNotFound
	}
	return d.byID[id].rec, nil
}

func (d *MemDirectory) GetByID(_ context.Context, accountID string) (AccountRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.byID[accountID]
	if !ok {
		return AccountRecord{}, ErrAccountNotFound
	}
	return acct.rec, nil
}

func (d *MemDirectory) Create(_ context.Context, input CreateAccountInput) (AccountRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byIdent[input.Identifier]; exists {
		return AccountRecord{}, ErrDuplicateIdentifier
	}

	rec := AccountRecord{
		AccountID:    uuid.NewString(),
		Identifier:   input.Identifier,
		PasswordHash: input.PasswordHash,
		Status:       input.Status,
	}
	d.byID[rec.AccountID] = &memAccount{rec: rec}
	d.byIdent[rec.Identifier] = rec.AccountID
	return rec, nil
}

func (d *MemDirectory) UpdatePasswordHash(_ context.Context, accountID, newHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.rec.PasswordHash = newHash
	return nil
}

func (d *MemDirectory) UpdateStatus(_ context.Context, accountID string, status AccountStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.rec.Status = status
	return nil
}

func (d *MemDirectory) GetTOTP(_ context.Context, accountID string) (*TOTPRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.byID[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if acct.totp == nil {
		return nil, nil
	}
	cp := *acct.totp
	cp.Secret = append([]byte(nil), acct.totp.Secret...)
	return &cp, nil
}

func (d *MemDirectory) EnableTOTP(_ context.Context, accountID string, secret []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.totp = &TOTPRecord{
		Secret:  append([]byte(nil), secret...),
		Enabled: true,
	}
	acct.rec.TOTPEnabled = true
	return nil
}

func (d *MemDirectory) DisableTOTP(_ context.Context, accountID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.totp = nil
	acct.backup = nil
	acct.rec.TOTPEnabled = false
	return nil
}

func (d *MemDirectory) SetTOTPLastUsed(_ context.Context, accountID string, counter int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.totp == nil {
		return ErrTwoFactorNotEnabled
	}
	if counter > acct.totp.LastUsed {
		acct.totp.LastUsed = counter
	}
	return nil
}

func (d *MemDirectory) ReplaceBackupCodes(_ context.Context, accountID string, hashes [][32]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.backup = make([][32]byte, len(hashes))
	copy(acct.backup, hashes)
	return nil
}

func (d *MemDirectory) ConsumeBackupCode(_ context.Context, accountID string, hash [32]byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.byID[accountID]
	if !ok {
		return false, ErrAccountNotFound
	}
	for i, stored := range acct.backup {
		if subtle.ConstantTimeCompare(stored[:], hash[:]) == 1 {
			acct.backup = append(acct.backup[:i], acct.backup[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}
