package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRefreshHashMismatch is returned by Rotate when the presented hash does
// not match the stored one. The session is destroyed before returning: a
// mismatch means the refresh token was already rotated once, which is the
// reuse signal.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrRedisUnavailable wraps store backend failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrNotFound is returned when the target session does not exist.
var ErrNotFound = errors.New("session not found")

// ErrExpired is returned when the target session is past its expiry.
var ErrExpired = errors.New("session expired")

// ErrCorrupt is returned when a stored session blob fails to decode.
var ErrCorrupt = errors.New("session record corrupt")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
	rotateStatusCorrupt  int64 = 4
)

const deleteScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var deleteLua = redis.NewScript(deleteScript)

// rotateScript is the compare-and-swap at the heart of refresh rotation.
// It parses the v1 record layout (version byte, account length, account,
// 32-byte hash, two be64 timestamps), compares the presented hash, and on
// match splices in the next hash preserving the remaining TTL. Expired and
// mismatched sessions are destroyed inside the script so a losing racer
// cannot resurrect them.
const rotateScript = `
local function read_be64(s, i)
  local b1, b2, b3, b4, b5, b6, b7, b8 = string.byte(s, i, i + 7)
  if not b8 then
    return nil
  end
  return ((((((((b1 * 256) + b2) * 256 + b3) * 256 + b4) * 256 + b5) * 256 + b6) * 256 + b7) * 256 + b8)
end

local session_key = KEYS[1]
local account_prefix = ARGV[1]
local session_id = ARGV[2]
local provided_hash = ARGV[3]
local next_hash = ARGV[4]
local now_unix = tonumber(ARGV[5])

local data = redis.call("GET", session_key)
if not data then
  return {0}
end

local version = string.byte(data, 1)
if version ~= 1 then
  return {4}
end
local n = string.byte(data, 2)
if not n or n == 0 or #data < 2 + n + 32 + 16 then
  return {4}
end

local account = string.sub(data, 3, 2 + n)
local stored_hash = string.sub(data, 3 + n, 2 + n + 32)
local expires_at = read_be64(data, 2 + n + 32 + 8 + 1)
if not expires_at then
  return {4}
end

local account_key = account_prefix .. account

if expires_at <= now_unix then
  redis.call("DEL", session_key)
  redis.call("SREM", account_key, session_id)
  return {1}
end

if stored_hash ~= provided_hash then
  redis.call("DEL", session_key)
  redis.call("SREM", account_key, session_id)
  return {2}
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  redis.call("DEL", session_key)
  redis.call("SREM", account_key, session_id)
  return {1}
end

local updated = string.sub(data, 1, 2 + n) .. next_hash .. string.sub(data, 2 + n + 32 + 1)
redis.call("SET", session_key, updated, "PX", ttl)
redis.call("SADD", account_key, session_id)

return {3, updated}
`

var rotateLua = redis.NewScript(rotateScript)

// Store is the Redis-backed session store: persistence, expiry, the
// account index used for invalidate-all, and atomic refresh rotation.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "aks"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) accountKey(accountID string) string {
	return "aka:" + accountID
}

// Save persists a record and indexes it under its account.
func (s *Store) Save(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(rec.SessionID), data, ttl)
		pipe.SAdd(ctx, s.accountKey(rec.AccountID), rec.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get returns the live record for a session ID. Missing and expired
// sessions both answer ErrNotFound/ErrExpired joined with redis.Nil;
// expiry detection also deletes the leftover row.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Join(redis.Nil, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	rec, err := Decode(data)
	if err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	rec.SessionID = sessionID

	if time.Now().Unix() >= rec.ExpiresAt {
		if err := s.Delete(ctx, sessionID, rec.AccountID); err != nil {
			return nil, err
		}
		return nil, errors.Join(redis.Nil, ErrExpired)
	}

	return rec, nil
}

// Rotate atomically swaps the stored refresh hash for nextHash when
// providedHash matches. Status mapping follows the script: not-found and
// expired are redis.Nil-joined sentinels, mismatch is
// ErrRefreshHashMismatch with the session already destroyed.
func (s *Store) Rotate(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	nextHash [32]byte,
) (*Record, error) {
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		s.accountKey(""),
		sessionID,
		providedHash[:],
		nextHash[:],
		time.Now().Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, errors.Join(redis.Nil, ErrNotFound)
	case rotateStatusExpired:
		return nil, errors.Join(redis.Nil, ErrExpired)
	case rotateStatusMismatch:
		return nil, ErrRefreshHashMismatch
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing rotated payload", ErrRedisUnavailable)
		}
		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid rotated payload", ErrRedisUnavailable)
		}
		rec, decErr := Decode(blob)
		if decErr != nil {
			return nil, errors.Join(ErrCorrupt, decErr)
		}
		rec.SessionID = sessionID
		return rec, nil
	case rotateStatusCorrupt:
		return nil, ErrCorrupt
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// Delete removes one session and its account-index entry. Deleting a
// session that no longer exists is not an error.
func (s *Store) Delete(ctx context.Context, sessionID, accountID string) error {
	keys := []string{s.key(sessionID), s.accountKey(accountID)}
	if err := deleteLua.Run(ctx, s.redis, keys, sessionID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteAllForAccount removes every indexed session for the account. Not
// fully atomic: a session saved between reading the index and the delete
// pipeline survives this call and must expire naturally. The race window
// only matters for logout-all semantics and is accepted.
func (s *Store) DeleteAllForAccount(ctx context.Context, accountID string) error {
	accountKey := s.accountKey(accountID)

	sessionIDs, err := s.redis.SMembers(ctx, accountKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sid := range sessionIDs {
			pipe.Del(ctx, s.key(sid))
		}
		pipe.Del(ctx, accountKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// ActiveSessionIDs returns indexed session IDs for an account. The index
// may contain IDs whose rows already expired; callers needing certainty
// must Get each one.
func (s *Store) ActiveSessionIDs(ctx context.Context, accountID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// ActiveSessionCount returns the size of the account index.
func (s *Store) ActiveSessionCount(ctx context.Context, accountID string) (int, error) {
	count, err := s.redis.SCard(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}
