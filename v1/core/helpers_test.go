package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-claim/v1/adapter"
	"github.com/mirkobrombin/go-claim/v1/record"
)

type profile struct {
	Name  string `json:"name"`
	Coins int    `json:"coins"`
}

// localData plays the application: it holds the payload each store saves.
type localData struct {
	mu    sync.Mutex
	items map[string]profile
}

func newLocalData() *localData {
	return &localData{items: make(map[string]profile)}
}

func (d *localData) set(key string, p profile) {
	d.mu.Lock()
	d.items[key] = p
	d.mu.Unlock()
}

func (d *localData) get(key string) profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.items[key]; ok {
		return p
	}
	return profile{Name: key}
}

func defaultProfile(key string) profile {
	return profile{Name: key}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore returns a store with autosave disabled, a private coordinator
// and a millisecond backoff.
func newTestStore(t *testing.T, remote adapter.Store[profile], lockID string, opts ...Option[string, profile]) (*Store[string, profile], *localData) {
	t.Helper()
	data := newLocalData()
	base := []Option[string, profile]{
		WithLockID[string, profile](lockID),
		WithCoordinator[string, profile](NewCoordinator()),
		WithAutosaveInterval[string, profile](0),
		WithBackoffSchedule[string, profile](5 * time.Millisecond),
		WithLogger[string, profile](discardLogger()),
	}
	s, err := New[string, profile]("profiles", remote, data.get, defaultProfile, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, data
}

// countingStore counts remote updates and can be told to fail them.
type countingStore[T any] struct {
	adapter.Store[T]
	updates atomic.Int64
	fail    atomic.Bool
}

var errRemoteDown = errors.New("remote down")

func (c *countingStore[T]) Update(ctx context.Context, key string, fn adapter.TransformFunc[T]) (adapter.Result[T], error) {
	c.updates.Add(1)
	if c.fail.Load() {
		return adapter.Result[T]{}, errRemoteDown
	}
	return c.Store.Update(ctx, key, fn)
}

func mustGet(t *testing.T, remote adapter.Store[profile], key string) (*record.Record[profile], record.KeyInfo) {
	t.Helper()
	r, info, ok, err := remote.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("record %s missing", key)
	}
	return r, info
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// slowCommitStore commits the first update, then holds its reply until
// proceed is closed or ctx ends, as a lost EXEC reply would.
type slowCommitStore[T any] struct {
	adapter.Store[T]
	once      sync.Once
	committed chan struct{}
	proceed   chan struct{}
}

func newSlowCommitStore[T any](inner adapter.Store[T]) *slowCommitStore[T] {
	return &slowCommitStore[T]{Store: inner, committed: make(chan struct{}), proceed: make(chan struct{})}
}

func (s *slowCommitStore[T]) Update(ctx context.Context, key string, fn adapter.TransformFunc[T]) (adapter.Result[T], error) {
	first := false
	s.once.Do(func() { first = true })
	res, err := s.Store.Update(ctx, key, fn)
	if !first || err != nil {
		return res, err
	}
	close(s.committed)
	select {
	case <-s.proceed:
		return res, nil
	case <-ctx.Done():
		return adapter.Result[T]{}, ctx.Err()
	}
}
