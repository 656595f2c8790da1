package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mirkobrombin/go-claim/v1/adapter"
	"github.com/mirkobrombin/go-claim/v1/feed"
	"github.com/mirkobrombin/go-claim/v1/syncbus"
	redis "github.com/redis/go-redis/v9"
)

// TestRedisHandoff runs two processes against one Redis: the holder is
// nudged over pub/sub and the waiter acquires the saved payload.
func TestRedisHandoff(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	newProcess := func(lockID string, opts ...Option[string, profile]) (*Store[string, profile], *localData, *redis.Client) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		bus := syncbus.NewRedisBus(client)
		t.Cleanup(func() {
			_ = bus.Close()
			_ = client.Close()
		})
		remote := adapter.NewRedisStore[profile]("redis", client, adapter.WithPrefix("claim:"))
		opts = append([]Option[string, profile]{WithBus[string, profile](bus)}, opts...)
		s, data := newTestStore(t, remote, lockID, opts...)
		return s, data, client
	}

	events := feed.NewInMemory()
	watch, err := events.Watch(context.Background(), "profiles")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	a, aData, client := newProcess("X", WithFeed[string, profile](events))
	b, _, _ := newProcess("Y", WithBackoffSchedule[string, profile](20*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sa, err := a.Load(ctx, "p1", ConflictRequestRelease)
	if err != nil {
		t.Fatalf("load A: %v", err)
	}
	aData.set("p1", profile{Name: "p1", Coins: 12})

	sb, err := b.Load(ctx, "p1", ConflictRequestRelease)
	if err != nil {
		t.Fatalf("load B: %v", err)
	}
	if sb.Data().Coins != 12 {
		t.Fatalf("B did not receive A's data: %+v", sb.Data())
	}
	waitFor(t, "A released", func() bool { return sa.State() == StateReleased })

	if n, err := client.Exists(ctx, "claim:p1").Result(); err != nil || n != 1 {
		t.Fatalf("expected prefixed key in redis: n=%d err=%v", n, err)
	}

	kinds := []feed.Kind{feed.KindAcquired, feed.KindHandoff, feed.KindReleased}
	for _, k := range kinds {
		select {
		case ev := <-watch:
			if ev.Kind != k {
				t.Fatalf("expected %s, got %s", k, ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", k)
		}
	}
}
