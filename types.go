package authkit

import (
	"context"
	"time"
)

// AccountStatus is the directory-level lifecycle state of an account.
// Temporary lockout after failed logins is handled by the rate limiter,
// not by status.
type AccountStatus uint8

const (
	AccountActive AccountStatus = iota
	AccountDisabled
)

// AccountRecord is the account as stored in the directory. PasswordHash is
// an encoded Argon2id string; the engine never sees plaintext outside the
// verify call.
type AccountRecord struct {
	AccountID    string
	Identifier   string
	PasswordHash string
	TOTPEnabled  bool
	Status       AccountStatus
}

// TOTPRecord carries an account's confirmed authenticator secret. LastUsed
// is the highest HOTP counter ever accepted and is the replay floor: codes
// at or below it are rejected even when otherwise valid.
type TOTPRecord struct {
	Secret   []byte
	Enabled  bool
	LastUsed int64
}

// CreateAccountInput is what the engine hands the directory when
// provisioning an account. The password arrives pre-hashed.
type CreateAccountInput struct {
	Identifier   string
	PasswordHash string
	Status       AccountStatus
}

// AccountDirectory is the integration seam to the caller's user database.
// Implementations return ErrAccountNotFound for missing accounts and
// ErrDuplicateIdentifier from Create. GetTOTP returns (nil, nil) when the
// account has never enrolled.
type AccountDirectory interface {
	GetByIdentifier(ctx context.Context, identifier string) (AccountRecord, error)
	GetByID(ctx context.Context, accountID string) (AccountRecord, error)
	Create(ctx context.Context, input CreateAccountInput) (AccountRecord, error)
	UpdatePasswordHash(ctx context.Context, accountID, newHash string) error
	UpdateStatus(ctx context.Context, accountID string, status AccountStatus) error

	GetTOTP(ctx context.Context, accountID string) (*TOTPRecord, error)
	EnableTOTP(ctx context.Context, accountID string, secret []byte) error
	DisableTOTP(ctx context.Context, accountID string) error
	SetTOTPLastUsed(ctx context.Context, accountID string, counter int64) error

	ReplaceBackupCodes(ctx context.Context, accountID string, hashes [][32]byte) error
	ConsumeBackupCode(ctx context.Context, accountID string, hash [32]byte) (bool, error)
}

// TokenPair is a fresh access token plus the refresh token that replaces
// the one just spent.
type TokenPair struct {
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
}

// SecondFactorMethod selects how a login challenge is answered.
type SecondFactorMethod uint8

const (
	SecondFactorTOTP SecondFactorMethod = iota
	SecondFactorBackupCode
)

func (m SecondFactorMethod) String() string {
	switch m {
	case SecondFactorTOTP:
		return "totp"
	case SecondFactorBackupCode:
		return "backup_code"
	default:
		return "unknown"
	}
}

// LoginResult is returned by Login and ConfirmLogin. Either the token
// fields are set, or SecondFactorRequired is true and ChallengeID names the
// pending challenge to confirm.
type LoginResult struct {
	AccountID       string
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string

	SecondFactorRequired bool
	ChallengeID          string
	ChallengeExpiresAt   time.Time
}

// TwoFactorSetup is a pending enrollment: the secret to show as a QR code
// and the handle to activate or cancel it. The secret is not yet attached
// to the account; abandoning the setup leaves the account unchanged.
type TwoFactorSetup struct {
	SetupID      string
	SecretBase32 string
	ProvisionURI string
	ExpiresAt    time.Time
}

// API is the transport seam between the client half and the server. How
// calls travel (HTTP, gRPC, in-process) is the integrator's business; the
// session manager only needs these operations and the package's error
// taxonomy coming back.
type API interface {
	Login(ctx context.Context, identifier, password string) (LoginResult, error)
	ConfirmLogin(ctx context.Context, challengeID string, method SecondFactorMethod, code string) (LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	Profile(ctx context.Context, accessToken string) (Profile, error)

	BeginTwoFactorSetup(ctx context.Context, accessToken string) (TwoFactorSetup, error)
	ActivateTwoFactor(ctx context.Context, accessToken, setupID, code string) ([]string, error)
	CancelTwoFactorSetup(ctx context.Context, accessToken, setupID string) error

	RequestPasswordReset(ctx context.Context, identifier string) error
	InspectPasswordReset(ctx context.Context, token string) error
	ConsumePasswordReset(ctx context.Context, token, newPassword string) error
}

// AccessInfo is the verified identity carried by an access token.
type AccessInfo struct {
	AccountID string
	SessionID string
	ExpiresAt time.Time
}

// Profile is the current-user view behind a valid access token. Clients
// fetch it once after restoring a session to prove the token is honored by
// the server, not merely well-formed.
type Profile struct {
	AccountID        string
	Identifier       string
	TwoFactorEnabled bool
}

// State is the client session lifecycle. Startup moves Idle through
// Checking to exactly one of Authenticated or Unauthenticated; it never
// shows Authenticated before a stored token has been proven.
type State uint8

const (
	StateIdle State = iota
	StateChecking
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// SecurityReport is a read-only snapshot of the engine's active security
// posture, for operator dashboards and startup logs.
type SecurityReport struct {
	SigningAlgorithm string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	Argon2           PasswordConfigReport
	LoginThreshold   int
	LoginWindow      time.Duration
	LockDuration     time.Duration
	TwoFactorActive  bool
	BackupCodeCount  int
	ResetTokenTTL    time.Duration
}

// PasswordConfigReport contains the Argon2id parameters in effect.
type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}
