// Package feed streams session lifecycle events of claim stores to
// observers: dashboards, audit logs or tests waiting for a handoff.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a session lifecycle transition.
type Kind string

const (
	KindAcquired Kind = "acquired"
	KindSaved    Kind = "saved"
	KindHandoff  Kind = "handoff"
	KindLost     Kind = "lost"
	KindReleased Kind = "released"
)

// Event describes one transition of a session of a store.
type Event struct {
	ID     string    `json:"id"`
	Store  string    `json:"store"`
	Key    string    `json:"key"`
	Kind   Kind      `json:"kind"`
	Saved  bool      `json:"saved"`
	LockID string    `json:"lock_id"`
	At     time.Time `json:"at"`
}

// NewEvent returns an event stamped with a fresh id and the current time.
func NewEvent(store, key string, kind Kind, lockID string) Event {
	return Event{
		ID:     uuid.NewString(),
		Store:  store,
		Key:    key,
		Kind:   kind,
		LockID: lockID,
		At:     time.Now().UTC(),
	}
}

// Feed publishes events and lets observers follow the events of a store.
type Feed interface {
	// Publish appends ev to the feed of ev.Store.
	Publish(ctx context.Context, ev Event) error
	// Watch returns a channel receiving events of store published after the
	// call, until ctx is canceled or Unwatch is called.
	Watch(ctx context.Context, store string) (chan Event, error)
	// Unwatch stops delivering events of store to ch.
	Unwatch(ctx context.Context, store string, ch chan Event) error
}

// InMemory is an in-process Feed. Slow watchers miss events.
type InMemory struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewInMemory creates a new InMemory feed.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string][]chan Event)}
}

// Publish sends ev to all watchers of ev.Store.
func (f *InMemory) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.Store] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Watch implements Feed.Watch.
func (f *InMemory) Watch(ctx context.Context, store string) (chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 16)
	f.mu.Lock()
	f.subs[store] = append(f.subs[store], ch)
	f.mu.Unlock()
	context.AfterFunc(ctx, func() {
		_ = f.Unwatch(context.Background(), store, ch)
	})
	return ch, nil
}

// Unwatch implements Feed.Unwatch.
func (f *InMemory) Unwatch(ctx context.Context, store string, ch chan Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[store]
	for i, c := range subs {
		if c == ch {
			subs = append(subs[:i], subs[i+1:]...)
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, store)
	} else {
		f.subs[store] = subs
	}
	return nil
}

// watchers reports the number of watchers of store.
func (f *InMemory) watchers(store string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[store])
}
