package adapter

import (
	"context"
	"sync"
	"time"

	claimerrors "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/record"
)

// Write is what a transform asks the store to persist.
//
// Tag is opaque to the store: it is echoed back in Result so the caller knows
// which branch produced the committed value. Nil UserIDs or Metadata keep the
// values already stored.
type Write[T any] struct {
	Record   record.Record[T]
	UserIDs  []int64
	Metadata map[string]string
	Tag      int
}

// TransformFunc computes the next value of a key from its current value.
// current is nil when the key does not exist. Returning nil aborts the write.
//
// Stores with optimistic concurrency may call the function more than once for
// a single Update; only the value returned by the last call is committed, so
// the function must communicate through its return value only.
type TransformFunc[T any] func(current *record.Record[T], info record.KeyInfo) *Write[T]

// Result describes the value stored once Update returns.
type Result[T any] struct {
	// Record is the stored record, nil when the key is absent and the write
	// was aborted.
	Record  *record.Record[T]
	Info    record.KeyInfo
	Written bool
	Tag     int
}

// Store abstracts the remote key-value store holding claimable records.
//
// T represents the type of the application payload.
type Store[T any] interface {
	// Update applies fn atomically relative to other writers of key.
	Update(ctx context.Context, key string, fn TransformFunc[T]) (Result[T], error)
	// Get reads key without modifying it. The boolean reports whether the key exists.
	Get(ctx context.Context, key string) (*record.Record[T], record.KeyInfo, bool, error)
	// Name identifies the store in errors and logs.
	Name() string
}

// Option configures a Store implementation.
type Option func(*options)

type options struct {
	codec      Codec
	timeout    time.Duration
	maxRetries int
	prefix     string
}

const (
	defaultOpTimeout  = 5 * time.Second
	defaultMaxRetries = 16
)

func newOptions(opts []Option) options {
	o := options{codec: JSONCodec{}, timeout: defaultOpTimeout, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithCodec sets the codec used to encode stored values. JSONCodec is the default.
func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithTimeout sets the operation timeout for remote calls.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithMaxRetries bounds how many times an optimistic update is retried after
// losing a race with another writer.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithPrefix namespaces every key written by the store.
func WithPrefix(p string) Option {
	return func(o *options) {
		o.prefix = p
	}
}

type envelope[T any] struct {
	Record record.Record[T] `json:"record"`
	Info   record.KeyInfo   `json:"info"`
}

// nextInfo returns the metadata stored alongside w.
func nextInfo[T any](prev record.KeyInfo, w *Write[T], version string, now time.Time) record.KeyInfo {
	next := prev
	next.Version = version
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	if w.UserIDs != nil {
		next.UserIDs = append([]int64(nil), w.UserIDs...)
	}
	if w.Metadata != nil {
		next.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			next.Metadata[k] = v
		}
	}
	return next
}

// InMemoryStore is a Store backed by a map, mainly for tests and single
// process deployments. Values are kept encoded so callers never share memory
// with the stored copy.
type InMemoryStore[T any] struct {
	name  string
	codec Codec

	mu      sync.Mutex
	items   map[string][]byte
	version uint64
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore[T any](name string, opts ...Option) *InMemoryStore[T] {
	o := newOptions(opts)
	return &InMemoryStore[T]{name: name, codec: o.codec, items: make(map[string][]byte)}
}

// Name implements Store.Name.
func (s *InMemoryStore[T]) Name() string { return s.name }

// Update implements Store.Update. The transform runs exactly once, under the
// store lock.
func (s *InMemoryStore[T]) Update(ctx context.Context, key string, fn TransformFunc[T]) (Result[T], error) {
	if err := ctx.Err(); err != nil {
		return Result[T]{}, claimerrors.Wrap(s.name, key, "update", mapContextErr(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, info, ok, err := s.load(key)
	if err != nil {
		return Result[T]{}, claimerrors.Wrap(s.name, key, "update", err)
	}
	var current *record.Record[T]
	if ok {
		current = &cur
	}
	w := fn(current, info)
	if w == nil {
		if ok {
			// hand back a fresh copy, fn may have touched cur
			cur, info, _, _ = s.load(key)
			return Result[T]{Record: &cur, Info: info}, nil
		}
		return Result[T]{Info: info}, nil
	}

	s.version++
	next := nextInfo(info, w, formatVersion(s.version), record.Clock())
	data, err := s.codec.Marshal(envelope[T]{Record: w.Record, Info: next})
	if err != nil {
		return Result[T]{}, claimerrors.Wrap(s.name, key, "update", err)
	}
	s.items[key] = data
	stored, storedInfo, _, err := s.load(key)
	if err != nil {
		return Result[T]{}, claimerrors.Wrap(s.name, key, "update", err)
	}
	return Result[T]{Record: &stored, Info: storedInfo, Written: true, Tag: w.Tag}, nil
}

// Get implements Store.Get.
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (*record.Record[T], record.KeyInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, record.KeyInfo{}, false, claimerrors.Wrap(s.name, key, "get", mapContextErr(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, info, ok, err := s.load(key)
	if err != nil {
		return nil, record.KeyInfo{}, false, claimerrors.Wrap(s.name, key, "get", err)
	}
	if !ok {
		return nil, record.KeyInfo{}, false, nil
	}
	return &r, info, true, nil
}

// Keys returns the keys currently stored.
func (s *InMemoryStore[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, claimerrors.Wrap(s.name, "", "keys", mapContextErr(err))
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	return keys, nil
}

// Put overwrites key unconditionally. It is meant for seeding fixtures.
func (s *InMemoryStore[T]) Put(key string, r record.Record[T], info record.KeyInfo) error {
	data, err := s.codec.Marshal(envelope[T]{Record: r, Info: info})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = data
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore[T]) load(key string) (record.Record[T], record.KeyInfo, bool, error) {
	data, ok := s.items[key]
	if !ok {
		return record.Record[T]{}, record.KeyInfo{}, false, nil
	}
	var env envelope[T]
	if err := s.codec.Unmarshal(data, &env); err != nil {
		return record.Record[T]{}, record.KeyInfo{}, false, err
	}
	return env.Record, env.Info, true, nil
}
