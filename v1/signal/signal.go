// Package signal implements a small typed observer used to announce session
// lifecycle changes. Handlers run synchronously on the goroutine calling Fire.
package signal

import "sync"

type handler[E any] struct {
	fn   func(E)
	once bool
}

// Signal fans an event out to its connected handlers.
type Signal[E any] struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]handler[E]
	order    []uint64
}

// New returns an empty Signal.
func New[E any]() *Signal[E] {
	return &Signal[E]{handlers: make(map[uint64]handler[E])}
}

// Connection identifies a handler so it can be disconnected.
type Connection struct {
	disconnect func()
}

// Disconnect removes the handler. It is safe to call more than once.
func (c *Connection) Disconnect() {
	if c != nil && c.disconnect != nil {
		c.disconnect()
	}
}

// Connect registers fn for every future Fire.
func (s *Signal[E]) Connect(fn func(E)) *Connection {
	return s.add(fn, false)
}

// Once registers fn for the next Fire only.
func (s *Signal[E]) Once(fn func(E)) *Connection {
	return s.add(fn, true)
}

func (s *Signal[E]) add(fn func(E), once bool) *Connection {
	s.mu.Lock()
	id := s.next
	s.next++
	s.handlers[id] = handler[E]{fn: fn, once: once}
	s.order = append(s.order, id)
	s.mu.Unlock()
	return &Connection{disconnect: func() { s.remove(id) }}
}

func (s *Signal[E]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[id]; !ok {
		return
	}
	delete(s.handlers, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Fire calls every connected handler with e in connection order. Once
// handlers are dropped before they run, so a handler may call Fire again
// without being invoked twice.
func (s *Signal[E]) Fire(e E) {
	s.mu.Lock()
	fns := make([]func(E), 0, len(s.order))
	kept := s.order[:0]
	for _, id := range s.order {
		h := s.handlers[id]
		fns = append(fns, h.fn)
		if h.once {
			delete(s.handlers, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// Len returns the number of connected handlers.
func (s *Signal[E]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}
