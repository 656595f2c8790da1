// Package syncbus carries small notifications between processes sharing a
// remote store. Claim uses it to tell the holder of a record that another
// process is waiting for it, so the handoff does not have to wait for the
// next autosave.
//
// Delivery is best effort: a subscriber whose channel is full misses the
// message. Subscribers must treat messages as hints.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Message is a payload published on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus provides a simple pub/sub mechanism.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel receiving messages for topic until ctx is
	// done or Unsubscribe is called; the channel is closed afterwards.
	Subscribe(ctx context.Context, topic string) (chan Message, error)
	Unsubscribe(ctx context.Context, topic string, ch chan Message) error
}

// Metrics reports bus counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout holds the local subscriber channels of each topic. Sends happen
// under the lock so a concurrent Unsubscribe can never close a channel that
// is being written.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Message
	delivered atomic.Uint64
}

func newFanout() fanout {
	return fanout{subs: make(map[string][]chan Message)}
}

func (f *fanout) add(topic string) (chan Message, bool) {
	ch := make(chan Message, 1)
	f.mu.Lock()
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch, first
}

// remove drops ch and reports whether it was found and whether topic has no
// subscribers left.
func (f *fanout) remove(topic string, ch chan Message) (found, empty bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return found, true
	}
	f.subs[topic] = subs
	return found, false
}

func (f *fanout) deliver(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[msg.Topic] {
		select {
		case ch <- msg:
			f.delivered.Add(1)
		default:
		}
	}
}

// InMemoryBus is a local implementation of Bus for tests and single process
// deployments.
type InMemoryBus struct {
	fanout
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{fanout: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.deliver(Message{Topic: topic, Payload: payload})
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan Message, error) {
	ch, _ := b.add(topic)
	context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), topic, ch)
	})
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan Message) error {
	b.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
