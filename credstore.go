package authkit

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CredentialStore persists the refresh token across process restarts. One
// token, one slot: Save replaces whatever was there, Load answers
// ErrNoStoredCredential when the slot is empty, Clear is idempotent.
//
// The stored token is readable by anyone who can read the backing medium.
// That mirrors how browser clients keep refresh tokens in script-readable
// storage; callers wanting a different threat model supply their own
// implementation (keychain, encrypted vault) behind this interface.
type CredentialStore interface {
	Load() (string, error)
	Save(refreshToken string) error
	Clear() error
}

// MemCredentialStore keeps the token in process memory. It is for tests
// and for callers who explicitly do not want the session to survive a
// restart.
type MemCredentialStore struct {
	mu    sync.Mutex
	token string
	set   bool
}

func NewMemCredentialStore() *MemCredentialStore {
	return &MemCredentialStore{}
}

func (s *MemCredentialStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return "", ErrNoStoredCredential
	}
	return s.token, nil
}

func (s *MemCredentialStore) Save(refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = refreshToken
	s.set = true
	return nil
}

func (s *MemCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.set = false
	return nil
}

// FileCredentialStore keeps the token in a single file with owner-only
// permissions. Writes go through a temp file in the same directory and an
// atomic rename, so a crash mid-save never leaves a truncated token.
type FileCredentialStore struct {
	mu   sync.Mutex
	path string
}

func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

func (s *FileCredentialStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoStoredCredential
		}
		return "", err
	}

	tok := strings.TrimSpace(string(raw))
	if tok == "" {
		return "", ErrNoStoredCredential
	}
	return tok, nil
}

func (s *FileCredentialStore) Save(refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".authkit-cred-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(refreshToken + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
