package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-claim/v1/adapter"
	claimerrors "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/record"
)

// newRedisStoreWithServer returns a Redis-backed store along with the
// underlying miniredis server and client for tests that need to manipulate
// the server state.
func newRedisStoreWithServer[T any](t *testing.T, opts ...adapter.Option) (*adapter.RedisStore[T], context.Context, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return adapter.NewRedisStore[T]("profiles", client, opts...), ctx, mr, client
}

func TestRedisStoreUpdateAndGet(t *testing.T) {
	s, ctx, _, _ := newRedisStoreWithServer[profile](t, adapter.WithPrefix("claim:"))

	res, err := s.Update(ctx, "p1", lockTo("A"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.Written || res.Tag != 1 || res.Record.Lock != "A" || res.Info.Version == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	r, info, ok, err := s.Get(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if r.Lock != "A" || info.Version != res.Info.Version {
		t.Fatalf("Get mismatch: %+v %+v", r, info)
	}

	if _, _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing: ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreUsesPrefix(t *testing.T) {
	s, ctx, mr, _ := newRedisStoreWithServer[profile](t, adapter.WithPrefix("claim:"))
	if _, err := s.Update(ctx, "p1", lockTo("A")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !mr.Exists("claim:p1") {
		t.Fatalf("expected prefixed key, got keys %v", mr.Keys())
	}
}

func TestRedisStoreRetriesTransformOnConflict(t *testing.T) {
	s, ctx, _, client := newRedisStoreWithServer[profile](t)
	if _, err := s.Update(ctx, "p1", lockTo("A")); err != nil {
		t.Fatalf("Update: %v", err)
	}

	calls := 0
	res, err := s.Update(ctx, "p1", func(cur *record.Record[profile], _ record.KeyInfo) *adapter.Write[profile] {
		calls++
		if calls == 1 {
			// a concurrent writer touches the watched key
			if err := client.Set(ctx, "p1", `{"record":{"data":{"coins":3},"lock":"B"},"info":{}}`, 0).Err(); err != nil {
				t.Fatalf("concurrent set: %v", err)
			}
			return &adapter.Write[profile]{Record: record.Released(cur.Data), Tag: 10}
		}
		if cur.Lock != "B" {
			t.Fatalf("retry must observe the concurrent write, got %+v", cur)
		}
		return &adapter.Write[profile]{Record: record.WithLock(cur.Data, "A"), Tag: 20}
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected transform to run twice, ran %d", calls)
	}
	if res.Tag != 20 || res.Record.Data.Coins != 3 || res.Record.Lock != "A" {
		t.Fatalf("committed result must come from the last invocation: %+v", res)
	}
}

func TestRedisStoreConflictExhausted(t *testing.T) {
	s, ctx, _, client := newRedisStoreWithServer[profile](t, adapter.WithMaxRetries(2))
	if _, err := s.Update(ctx, "p1", lockTo("A")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	_, err := s.Update(ctx, "p1", func(cur *record.Record[profile], _ record.KeyInfo) *adapter.Write[profile] {
		_ = client.Set(ctx, "p1", `{"record":{"data":{}},"info":{}}`, 0).Err()
		return &adapter.Write[profile]{Record: record.WithLock(profile{}, "A")}
	})
	if !errors.Is(err, claimerrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var se *claimerrors.StoreError
	if !errors.As(err, &se) || se.Store != "profiles" || se.Key != "p1" {
		t.Fatalf("expected store context, got %v", err)
	}
}

func TestRedisStoreDecodeError(t *testing.T) {
	s, ctx, _, client := newRedisStoreWithServer[profile](t)
	if err := client.Set(ctx, "p1", "invalid", 0).Err(); err != nil {
		t.Fatalf("client.Set: %v", err)
	}
	if _, _, _, err := s.Get(ctx, "p1"); err == nil {
		t.Fatalf("expected unmarshal error")
	}
	if _, err := s.Update(ctx, "p1", lockTo("A")); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}

func TestRedisStoreSentinelErrors(t *testing.T) {
	t.Run("connection closed", func(t *testing.T) {
		s, ctx, _, client := newRedisStoreWithServer[profile](t)
		_ = client.Close()
		if _, _, _, err := s.Get(ctx, "p1"); !errors.Is(err, claimerrors.ErrConnectionClosed) {
			t.Fatalf("expected connection closed, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		s, ctx, _, _ := newRedisStoreWithServer[profile](t)
		tCtx, cancel := context.WithTimeout(ctx, time.Nanosecond)
		defer cancel()
		time.Sleep(time.Millisecond)
		if _, err := s.Update(tCtx, "p1", lockTo("A")); !errors.Is(err, claimerrors.ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
	})
}
