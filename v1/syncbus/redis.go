package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus with Redis pub/sub. One Redis subscription is kept
// per topic and shared by every local subscriber of that topic.
type RedisBus struct {
	fanout
	client    *redis.Client
	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	published atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{fanout: newFanout(), client: client, pubsubs: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so messages published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pubsubs[topic]; !ok {
		ps := b.client.Subscribe(context.Background(), topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.pubsubs[topic] = ps
		go b.dispatch(ps)
	}
	ch, _ := b.add(topic)
	context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), topic, ch)
	})
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.deliver(Message{Topic: msg.Channel, Payload: []byte(msg.Payload)})
	}
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is closed
// with the last local subscriber.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, empty := b.remove(topic, ch); !empty {
		return nil
	}
	ps, ok := b.pubsubs[topic]
	if !ok {
		return nil
	}
	delete(b.pubsubs, topic)
	return ps.Close()
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for topic, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.pubsubs, topic)
	}
	return firstErr
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
