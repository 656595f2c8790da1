// Package presets wires common claim deployments in one call.
package presets

import (
	"github.com/mirkobrombin/go-claim/v1/adapter"
	"github.com/mirkobrombin/go-claim/v1/core"
	"github.com/mirkobrombin/go-claim/v1/feed"
	"github.com/mirkobrombin/go-claim/v1/syncbus"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces record keys. Defaults to "claim:<store>:".
	Prefix string
}

// Stack is a store together with the infrastructure a preset created for it.
type Stack[T any] struct {
	Store  *core.Store[string, T]
	Client *redis.Client
	Bus    syncbus.Bus
	Feed   feed.Feed
}

// Close stops the store and closes the connections the preset opened. It
// does not release live sessions.
func (s *Stack[T]) Close() error {
	err := s.Store.Close()
	if rb, ok := s.Bus.(*syncbus.RedisBus); ok {
		_ = rb.Close()
	}
	if s.Client != nil {
		if cerr := s.Client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func newRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

func prefix(name string, opts RedisOptions) string {
	if opts.Prefix != "" {
		return opts.Prefix
	}
	return "claim:" + name + ":"
}

// NewRedis creates a store keeping records in Redis, nudging holders over
// Redis pub/sub and streaming lifecycle events to a Redis stream.
func NewRedis[T any](name string, opts RedisOptions, dataFn, defaultFn func(string) T, extra ...core.Option[string, T]) (*Stack[T], error) {
	client := newRedisClient(opts)
	remote := adapter.NewRedisStore[T](name, client, adapter.WithPrefix(prefix(name, opts)))
	bus := syncbus.NewRedisBus(client)
	events := feed.NewRedisFeed(client)

	o := append([]core.Option[string, T]{
		core.WithBus[string, T](bus),
		core.WithFeed[string, T](events),
	}, extra...)
	s, err := core.New[string, T](name, remote, dataFn, defaultFn, o...)
	if err != nil {
		_ = bus.Close()
		_ = client.Close()
		return nil, err
	}
	return &Stack[T]{Store: s, Client: client, Bus: bus, Feed: events}, nil
}

// NewRedisNATS creates a store keeping records in Redis and nudging holders
// over NATS. The caller owns nc.
func NewRedisNATS[T any](name string, opts RedisOptions, nc *nats.Conn, dataFn, defaultFn func(string) T, extra ...core.Option[string, T]) (*Stack[T], error) {
	client := newRedisClient(opts)
	remote := adapter.NewRedisStore[T](name, client, adapter.WithPrefix(prefix(name, opts)))
	bus := syncbus.NewNATSBus(nc)
	events := feed.NewRedisFeed(client)

	o := append([]core.Option[string, T]{
		core.WithBus[string, T](bus),
		core.WithFeed[string, T](events),
	}, extra...)
	s, err := core.New[string, T](name, remote, dataFn, defaultFn, o...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Stack[T]{Store: s, Client: client, Bus: bus, Feed: events}, nil
}

// NewInMemoryStandalone creates a store that runs entirely in-memory with no
// external dependencies. Useful for local development and tests.
func NewInMemoryStandalone[T any](name string, dataFn, defaultFn func(string) T, extra ...core.Option[string, T]) (*Stack[T], error) {
	remote := adapter.NewInMemoryStore[T](name)
	bus := syncbus.NewInMemoryBus()
	events := feed.NewInMemory()

	o := append([]core.Option[string, T]{
		core.WithBus[string, T](bus),
		core.WithFeed[string, T](events),
	}, extra...)
	s, err := core.New[string, T](name, remote, dataFn, defaultFn, o...)
	if err != nil {
		return nil, err
	}
	return &Stack[T]{Store: s, Bus: bus, Feed: events}, nil
}
