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
	challengeKeyPrefix = "akmc"
	challengeRecordV1  = 1
)

var (
	errChallengeNotFound = errors.New("login challenge not found")
	errChallengeExpired  = errors.New("login challenge expired")
	errChallengeBackend  = errors.New("login challenge backend unavailable")
)

// loginChallenge is the server side of a half-finished login: the password
// checked out but the second factor is still owed. Identifier and IP ride
// along so the login limiter can be cleared once the factor verifies.
type loginChallenge struct {
	AccountID  string
	Identifier string
	IP         string
	ExpiresAt  int64
	Attempts   uint16
}

type challengeStore struct {
	redis redis.UniversalClient
	cfg   TOTPConfig
}

func newChallengeStore(client redis.UniversalClient, cfg TOTPConfig) *challengeStore {
	return &challengeStore{redis: client, cfg: cfg}
}

func (s *challengeStore) key(challengeID string) string {
	return challengeKeyPrefix + ":" + challengeID
}

// Create issues a fresh challenge and returns its ID and deadline. The ID is
// a random UUID; it carries no secret, the second factor itself is the proof.
func (s *challengeStore) Create(ctx context.Context, accountID, identifier, ip string) (string, time.Time, error) {
	challengeID := uuid.NewString()
	expiresAt := time.Now().Add(s.cfg.ChallengeTTL)

	record := &loginChallenge{
		AccountID:  accountID,
		Identifier: identifier,
		IP:         ip,
		ExpiresAt:  expiresAt.Unix(),
	}

	encoded, err := encodeLoginChallenge(record)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.redis.Set(ctx, s.key(challengeID), encoded, s.cfg.ChallengeTTL).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}

	return challengeID, expiresAt, nil
}

func (s *challengeStore) Get(ctx context.Context, challengeID string) (*loginChallenge, error) {
	if _, err := uuid.Parse(challengeID); err != nil {
		return nil, errChallengeNotFound
	}

	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}

	record, err := decodeLoginChallenge(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, errChallengeExpired
	}

	return record, nil
}

// Delete consumes the challenge. The bool reports whether this caller
// actually removed it, so two racing confirms cannot both issue a session.
func (s *challengeStore) Delete(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure bumps the attempt counter under a watch so concurrent wrong
// guesses cannot lose increments. Reaching maxAttempts deletes the challenge
// and reports exceeded; the caller must then fail the whole login.
func (s *challengeStore) RecordFailure(ctx context.Context, challengeID string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(challengeID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeLoginChallenge(data)
			if err != nil {
				return err
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errChallengeExpired
			}

			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			updated, err := encodeLoginChallenge(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, errChallengeNotFound
			}
			if errors.Is(err, errChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, errChallengeNotFound
}

func encodeLoginChallenge(record *loginChallenge) ([]byte, error) {
	if len(record.AccountID) > 65535 || len(record.Identifier) > 65535 || len(record.IP) > 65535 {
		return nil, errors.New("login challenge field length exceeded")
	}

	var buf bytes.Buffer
	buf.WriteByte(challengeRecordV1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.AccountID, record.Identifier, record.IP} {
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeLoginChallenge(data []byte) (*loginChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordV1 {
		return nil, errors.New("invalid login challenge version")
	}

	record := &loginChallenge{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, target := range []*string{&record.AccountID, &record.Identifier, &record.IP} {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		field := make([]byte, length)
		if _, err := io.ReadFull(reader, field); err != nil {
			return nil, err
		}
		*target = string(field)
	}

	return record, nil
}
