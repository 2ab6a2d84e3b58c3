package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	done := func() {
		rdb.Close()
		mr.Close()
	}
	return NewStore(rdb, ""), rdb, mr, done
}

func hashOf(b byte) [32]byte {
	var h [32]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func liveRecord(sessionID, accountID string, hash [32]byte) *Record {
	now := time.Now().Unix()
	return &Record{
		SessionID:   sessionID,
		AccountID:   accountID,
		RefreshHash: hash,
		IssuedAt:    now,
		ExpiresAt:   now + 3600,
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	store, _, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	rec := liveRecord("sid-1", "acc-1", hashOf(0xAA))
	if err := store.Save(ctx, rec, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SessionID != "sid-1" || got.AccountID != "acc-1" {
		t.Fatalf("record = %+v", got)
	}
	if got.RefreshHash != rec.RefreshHash || got.IssuedAt != rec.IssuedAt || got.ExpiresAt != rec.ExpiresAt {
		t.Fatalf("fields do not round trip: %+v", got)
	}

	ids, err := store.ActiveSessionIDs(ctx, "acc-1")
	if err != nil || len(ids) != 1 || ids[0] != "sid-1" {
		t.Fatalf("index = %v, %v", ids, err)
	}
	if n, err := store.ActiveSessionCount(ctx, "acc-1"); err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestGetMissingSession(t *testing.T) {
	store, _, _, done := newTestStore(t)
	defer done()

	_, err := store.Get(context.Background(), "sid-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("not-found must read as redis.Nil for callers: %v", err)
	}
}

func TestGetExpiredSessionSelfDeletes(t *testing.T) {
	store, rdb, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	rec := liveRecord("sid-old", "acc-1", hashOf(0xAA))
	rec.ExpiresAt = time.Now().Unix() - 10
	if err := store.Save(ctx, rec, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err := store.Get(ctx, "sid-old")
	if !errors.Is(err, ErrExpired) || !errors.Is(err, redis.Nil) {
		t.Fatalf("err = %v, want expired joined with redis.Nil", err)
	}

	// The leftover row and its index entry are gone.
	if n, _ := rdb.Exists(ctx, "aks:sid-old").Result(); n != 0 {
		t.Fatalf("expired row survived")
	}
	if n, _ := store.ActiveSessionCount(ctx, "acc-1"); n != 0 {
		t.Fatalf("index entry survived, count = %d", n)
	}
}

func TestRotateSwapsHashAndKeepsTTL(t *testing.T) {
	store, _, mr, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	oldHash, newHash := hashOf(0xAA), hashOf(0xBB)
	if err := store.Save(ctx, liveRecord("sid-1", "acc-1", oldHash), time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Rotate(ctx, "sid-1", oldHash, newHash)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if got.RefreshHash != newHash || got.AccountID != "acc-1" || got.SessionID != "sid-1" {
		t.Fatalf("rotated record = %+v", got)
	}

	if ttl := mr.TTL("aks:sid-1"); ttl < 55*time.Minute || ttl > time.Hour {
		t.Fatalf("rotation disturbed the TTL: %v", ttl)
	}

	reread, err := store.Get(ctx, "sid-1")
	if err != nil || reread.RefreshHash != newHash {
		t.Fatalf("store holds %+v, %v", reread, err)
	}

	// Chained rotation with the new hash keeps working.
	if _, err := store.Rotate(ctx, "sid-1", newHash, hashOf(0xCC)); err != nil {
		t.Fatalf("second rotate: %v", err)
	}
}

func TestRotateMismatchDestroysSession(t *testing.T) {
	store, _, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	if err := store.Save(ctx, liveRecord("sid-1", "acc-1", hashOf(0xAA)), time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err := store.Rotate(ctx, "sid-1", hashOf(0xEE), hashOf(0xBB))
	if !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("err = %v, want hash mismatch", err)
	}

	// Reuse detected: the session is gone, not just refused.
	if _, err := store.Get(ctx, "sid-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session survived a mismatch: %v", err)
	}
	if n, _ := store.ActiveSessionCount(ctx, "acc-1"); n != 0 {
		t.Fatalf("index survived a mismatch, count = %d", n)
	}
}

func TestRotateMissingAndExpired(t *testing.T) {
	store, _, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	_, err := store.Rotate(ctx, "sid-none", hashOf(0xAA), hashOf(0xBB))
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, redis.Nil) {
		t.Fatalf("missing = %v", err)
	}

	rec := liveRecord("sid-old", "acc-1", hashOf(0xAA))
	rec.ExpiresAt = time.Now().Unix() - 10
	if err := store.Save(ctx, rec, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err = store.Rotate(ctx, "sid-old", hashOf(0xAA), hashOf(0xBB))
	if !errors.Is(err, ErrExpired) || !errors.Is(err, redis.Nil) {
		t.Fatalf("expired = %v", err)
	}
	if n, _ := store.ActiveSessionCount(ctx, "acc-1"); n != 0 {
		t.Fatalf("expired session left in index")
	}
}

func TestCorruptRecordDetected(t *testing.T) {
	store, rdb, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	if err := rdb.Set(ctx, "aks:sid-bad", []byte{9, 9, 9}, time.Hour).Err(); err != nil {
		t.Fatalf("plant blob: %v", err)
	}

	if _, err := store.Get(ctx, "sid-bad"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("get = %v, want corrupt", err)
	}
	if _, err := store.Rotate(ctx, "sid-bad", hashOf(0xAA), hashOf(0xBB)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("rotate = %v, want corrupt", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	store, _, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	if err := store.Save(ctx, liveRecord("sid-1", "acc-1", hashOf(0xAA)), time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, "sid-1", "acc-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "sid-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session survived delete: %v", err)
	}
	if n, _ := store.ActiveSessionCount(ctx, "acc-1"); n != 0 {
		t.Fatalf("index survived delete")
	}

	if err := store.Delete(ctx, "sid-1", "acc-1"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestDeleteAllForAccount(t *testing.T) {
	store, _, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	for _, sid := range []string{"sid-1", "sid-2", "sid-3"} {
		if err := store.Save(ctx, liveRecord(sid, "acc-1", hashOf(0xAA)), time.Hour); err != nil {
			t.Fatalf("save %s: %v", sid, err)
		}
	}
	if err := store.Save(ctx, liveRecord("sid-other", "acc-2", hashOf(0xBB)), time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.DeleteAllForAccount(ctx, "acc-1"); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if n, _ := store.ActiveSessionCount(ctx, "acc-1"); n != 0 {
		t.Fatalf("count = %d after delete all", n)
	}
	for _, sid := range []string{"sid-1", "sid-2", "sid-3"} {
		if _, err := store.Get(ctx, sid); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s survived: %v", sid, err)
		}
	}

	// The other account is untouched.
	if _, err := store.Get(ctx, "sid-other"); err != nil {
		t.Fatalf("unrelated session lost: %v", err)
	}
}
