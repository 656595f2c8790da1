package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamLen = 1000

// RedisFeed keeps one Redis stream per store, so events survive the
// publishing process and can be replayed with XRANGE.
type RedisFeed struct {
	client  *redis.Client
	prefix  string
	maxLen  int64
	block   time.Duration
	mu      sync.Mutex
	cancels map[string]map[chan Event]context.CancelFunc
}

// RedisOption configures a RedisFeed.
type RedisOption func(*RedisFeed)

// WithStreamPrefix sets the prefix of the stream keys (default "claim:feed:").
func WithStreamPrefix(p string) RedisOption {
	return func(f *RedisFeed) { f.prefix = p }
}

// WithMaxLen caps each stream to n entries (default 1000).
func WithMaxLen(n int64) RedisOption {
	return func(f *RedisFeed) { f.maxLen = n }
}

// NewRedisFeed creates a new RedisFeed using the provided client.
func NewRedisFeed(client *redis.Client, opts ...RedisOption) *RedisFeed {
	f := &RedisFeed{
		client:  client,
		prefix:  "claim:feed:",
		maxLen:  defaultStreamLen,
		block:   time.Second,
		cancels: make(map[string]map[chan Event]context.CancelFunc),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Stream returns the stream key holding the events of store.
func (f *RedisFeed) Stream(store string) string {
	return f.prefix + store
}

// Publish adds ev to the stream of ev.Store.
func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.Stream(ev.Store),
		MaxLen: f.maxLen,
		Values: map[string]any{"event": b},
	}).Err()
}

// Watch reads events from the stream of store.
func (f *RedisFeed) Watch(ctx context.Context, store string) (chan Event, error) {
	stream := f.Stream(store)
	// start after the current tail so events published once Watch returns
	// are never skipped
	lastID := "0-0"
	tail, err := f.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, err
	}
	if len(tail) == 1 {
		lastID = tail[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, 16)

	f.mu.Lock()
	m := f.cancels[store]
	if m == nil {
		m = make(map[chan Event]context.CancelFunc)
		f.cancels[store] = m
	}
	m[ch] = cancel
	f.mu.Unlock()

	go func() {
		defer close(ch)
		defer f.forget(store, ch)
		for ctx.Err() == nil {
			res, err := f.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Block:   f.block,
				Count:   16,
			}).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					time.Sleep(f.block)
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					raw, ok := msg.Values["event"].(string)
					if !ok {
						continue
					}
					var ev Event
					if err := json.Unmarshal([]byte(raw), &ev); err != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

func (f *RedisFeed) forget(store string, ch chan Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.cancels[store]; ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(f.cancels, store)
		}
	}
}

// Unwatch stops watching the given store and channel.
func (f *RedisFeed) Unwatch(ctx context.Context, store string, ch chan Event) error {
	f.mu.Lock()
	var cancel context.CancelFunc
	if m, ok := f.cancels[store]; ok {
		cancel = m[ch]
	}
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// History returns up to count of the most recent events of store, oldest
// first.
func (f *RedisFeed) History(ctx context.Context, store string, count int64) ([]Event, error) {
	msgs, err := f.client.XRevRangeN(ctx, f.Stream(store), "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["event"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
