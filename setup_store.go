package authkit

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	setupKeyPrefix = "akts"
	setupRecordV1  = 1
)

var (
	errSetupNotFound = errors.New("totp setup not found")
	errSetupExpired  = errors.New("totp setup expired")
	errSetupBackend  = errors.New("totp setup backend unavailable")
)

// pendingSetup is a provisioned but unconfirmed authenticator secret. It
// lives only here until the account proves possession with a first code;
// cancelling or timing out removes the secret without a trace.
type pendingSetup struct {
	AccountID string
	Secret    []byte
	ExpiresAt int64
}

type setupStore struct {
	redis redis.UniversalClient
	cfg   TOTPConfig
}

func newSetupStore(client redis.UniversalClient, cfg TOTPConfig) *setupStore {
	return &setupStore{redis: client, cfg: cfg}
}

func (s *setupStore) key(setupID string) string {
	return setupKeyPrefix + ":" + setupID
}

func (s *setupStore) Create(ctx context.Context, accountID string, secret []byte) (string, time.Time, error) {
	setupID := uuid.NewString()
	expiresAt := time.Now().Add(s.cfg.SetupTTL)

	record := &pendingSetup{
		AccountID: accountID,
		Secret:    secret,
		ExpiresAt: expiresAt.Unix(),
	}

	encoded, err := encodePendingSetup(record)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.redis.Set(ctx, s.key(setupID), encoded, s.cfg.SetupTTL).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", errSetupBackend, err)
	}

	return setupID, expiresAt, nil
}

func (s *setupStore) Get(ctx context.Context, setupID string) (*pendingSetup, error) {
	if _, err := uuid.Parse(setupID); err != nil {
		return nil, errSetupNotFound
	}

	data, err := s.redis.Get(ctx, s.key(setupID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errSetupNotFound
		}
		return nil, fmt.Errorf("%w: %v", errSetupBackend, err)
	}

	record, err := decodePendingSetup(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(setupID)).Result()
		return nil, errSetupExpired
	}

	return record, nil
}

func (s *setupStore) Delete(ctx context.Context, setupID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(setupID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errSetupBackend, err)
	}
	return n > 0, nil
}

func encodePendingSetup(record *pendingSetup) ([]byte, error) {
	if len(record.AccountID) > 65535 || len(record.Secret) > 65535 {
		return nil, errors.New("totp setup field length exceeded")
	}

	var buf bytes.Buffer
	buf.WriteByte(setupRecordV1)

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.AccountID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.AccountID)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Secret))); err != nil {
		return nil, err
	}
	buf.Write(record.Secret)

	return buf.Bytes(), nil
}

func decodePendingSetup(data []byte) (*pendingSetup, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != setupRecordV1 {
		return nil, errors.New("invalid totp setup version")
	}

	record := &pendingSetup{}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var idLen uint16
	if err := binary.Read(reader, binary.BigEndian, &idLen); err != nil {
		return nil, err
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(reader, id); err != nil {
		return nil, err
	}
	record.AccountID = string(id)

	var secretLen uint16
	if err := binary.Read(reader, binary.BigEndian, &secretLen); err != nil {
		return nil, err
	}
	record.Secret = make([]byte, secretLen)
	if _, err := io.ReadFull(reader, record.Secret); err != nil {
		return nil, err
	}

	return record, nil
}
