package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	fanout
	conn      *nats.Conn
	mu        sync.Mutex
	natsSubs  map[string]*nats.Subscription
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{fanout: newFanout(), conn: conn, natsSubs: make(map[string]*nats.Subscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(topic, payload); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.natsSubs[topic]; !ok {
		ns, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
			b.deliver(Message{Topic: m.Subject, Payload: m.Data})
		})
		if err != nil {
			return nil, err
		}
		// make sure the server knows about the interest before returning
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			return nil, err
		}
		b.natsSubs[topic] = ns
	}
	ch, _ := b.add(topic)
	context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), topic, ch)
	})
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, empty := b.remove(topic, ch); !empty {
		return nil
	}
	ns, ok := b.natsSubs[topic]
	if !ok {
		return nil
	}
	delete(b.natsSubs, topic)
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
