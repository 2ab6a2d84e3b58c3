package authkit

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resetKeyPrefix   = "akpr"
	resetRecordV1    = 1
	resetConsumeTrys = 4
)

var (
	errResetNotFound         = errors.New("reset record not found")
	errResetExpired          = errors.New("reset record expired")
	errResetSecretMismatch   = errors.New("reset secret mismatch")
	errResetRedisUnavailable = errors.New("reset redis unavailable")
)

// resetRecord is one issued password reset token. Only the secret's hash is
// stored; the full token exists nowhere but in the delivered link.
type resetRecord struct {
	AccountID  string
	SecretHash [32]byte
	IssuedAt   int64
	ExpiresAt  int64
}

// resetStore keeps reset records past their expiry for cfg.ExpiredRetention,
// so an expired link keeps answering "expired" instead of degrading to
// "unknown" on the second open. Consumption deletes the record outright; a
// consumed token is indistinguishable from one that never existed.
type resetStore struct {
	redis  redis.UniversalClient
	prefix string
	cfg    ResetConfig
}

func newResetStore(client redis.UniversalClient, cfg ResetConfig) *resetStore {
	return &resetStore{
		redis:  client,
		prefix: resetKeyPrefix,
		cfg:    cfg,
	}
}

func (s *resetStore) key(resetID string) string {
	return s.prefix + ":" + resetID
}

func (s *resetStore) Save(ctx context.Context, resetID string, rec *resetRecord) error {
	encoded, err := encodeResetRecord(rec)
	if err != nil {
		return err
	}

	ttl := time.Until(time.Unix(rec.ExpiresAt, 0)) + s.cfg.ExpiredRetention
	if ttl <= 0 {
		return errResetExpired
	}

	if err := s.redis.Set(ctx, s.key(resetID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	return nil
}

// Get reads a record without consuming it, for link inspection before the
// user types a new password.
func (s *resetStore) Get(ctx context.Context, resetID string) (*resetRecord, error) {
	data, err := s.redis.Get(ctx, s.key(resetID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errResetNotFound
		}
		return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	rec, err := decodeResetRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > rec.ExpiresAt {
		return nil, errResetExpired
	}

	return rec, nil
}

// Consume atomically verifies and deletes the record. The watch transaction
// guarantees two concurrent consumers cannot both win; the loser sees
// errResetNotFound. A hash mismatch leaves the record in place so a later
// attempt with the genuine link still succeeds.
func (s *resetStore) Consume(ctx context.Context, resetID string, providedHash [32]byte) (*resetRecord, error) {
	key := s.key(resetID)

	for i := 0; i < resetConsumeTrys; i++ {
		var matched *resetRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			rec, err := decodeResetRecord(data)
			if err != nil {
				return err
			}

			if time.Now().Unix() > rec.ExpiresAt {
				return errResetExpired
			}

			if subtle.ConstantTimeCompare(rec.SecretHash[:], providedHash[:]) != 1 {
				return errResetSecretMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}

			matched = rec
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, errResetNotFound
			case errors.Is(err, errResetExpired), errors.Is(err, errResetSecretMismatch):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errResetNotFound
}

func encodeResetRecord(rec *resetRecord) ([]byte, error) {
	if len(rec.AccountID) > 255 {
		return nil, errors.New("reset record account id too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(resetRecordV1)
	if err := binary.Write(&buf, binary.BigEndian, rec.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(len(rec.AccountID)))
	buf.WriteString(rec.AccountID)
	buf.Write(rec.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeResetRecord(data []byte) (*resetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordV1 {
		return nil, errors.New("unknown reset record version")
	}

	rec := &resetRecord{}
	if err := binary.Read(reader, binary.BigEndian, &rec.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.ExpiresAt); err != nil {
		return nil, err
	}

	idLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(reader, id); err != nil {
		return nil, err
	}
	rec.AccountID = string(id)

	if _, err := io.ReadFull(reader, rec.SecretHash[:]); err != nil {
		return nil, err
	}

	return rec, nil
}
