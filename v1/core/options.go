package core

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-claim/v1/feed"
	"github.com/mirkobrombin/go-claim/v1/syncbus"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultAutosaveInterval = 30 * time.Second

// Option configures a Store.
type Option[K comparable, T any] func(*Store[K, T])

// WithKeyFunc sets how keys are turned into store keys. It is required when
// K is not string-kinded.
func WithKeyFunc[K comparable, T any](fn func(K) string) Option[K, T] {
	return func(s *Store[K, T]) {
		s.keyFn = fn
	}
}

// WithLockID overrides ProcessLockID for this store.
func WithLockID[K comparable, T any](id string) Option[K, T] {
	return func(s *Store[K, T]) {
		if id != "" {
			s.lockID = id
		}
	}
}

// WithMetadataFunc sets the metadata written with every save of a key.
func WithMetadataFunc[K comparable, T any](fn func(K) map[string]string) Option[K, T] {
	return func(s *Store[K, T]) {
		s.metadataFn = fn
	}
}

// WithUserIDsFunc sets the user ids associated with a key on every save.
func WithUserIDsFunc[K comparable, T any](fn func(K) []int64) Option[K, T] {
	return func(s *Store[K, T]) {
		s.userIDsFn = fn
	}
}

// WithCoordinator registers the store with c instead of DefaultCoordinator.
func WithCoordinator[K comparable, T any](c *Coordinator) Option[K, T] {
	return func(s *Store[K, T]) {
		s.coord = c
	}
}

// WithoutShutdown keeps the store out of coordinated shutdown.
func WithoutShutdown[K comparable, T any]() Option[K, T] {
	return func(s *Store[K, T]) {
		s.coord = nil
		s.noShutdown = true
	}
}

// WithAutosaveInterval sets the autosave period. A non-positive interval
// disables autosave.
func WithAutosaveInterval[K comparable, T any](d time.Duration) Option[K, T] {
	return func(s *Store[K, T]) {
		s.autosaveInterval = d
	}
}

// WithBackoffSchedule replaces the waits between acquisition retries. The
// last entry repeats once the schedule is exhausted.
func WithBackoffSchedule[K comparable, T any](schedule ...time.Duration) Option[K, T] {
	return func(s *Store[K, T]) {
		if len(schedule) > 0 {
			s.schedule = append([]time.Duration(nil), schedule...)
		}
	}
}

// WithMaxAttempts bounds the acquisition attempts of Load. Zero, the
// default, retries until the record is acquired or ctx is done.
func WithMaxAttempts[K comparable, T any](n int) Option[K, T] {
	return func(s *Store[K, T]) {
		s.maxAttempts = n
	}
}

// WithBus enables release request nudges over bus.
func WithBus[K comparable, T any](bus syncbus.Bus) Option[K, T] {
	return func(s *Store[K, T]) {
		s.bus = bus
	}
}

// WithFeed publishes session lifecycle events to f.
func WithFeed[K comparable, T any](f feed.Feed) Option[K, T] {
	return func(s *Store[K, T]) {
		s.feed = f
	}
}

// WithMetrics registers claim metrics on reg.
func WithMetrics[K comparable, T any](reg prometheus.Registerer) Option[K, T] {
	return func(s *Store[K, T]) {
		s.registerer = reg
	}
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger[K comparable, T any](l *slog.Logger) Option[K, T] {
	return func(s *Store[K, T]) {
		if l != nil {
			s.logger = l
		}
	}
}

// LoadOption configures a single Load.
type LoadOption[T any] func(*loadOptions[T])

type loadOptions[T any] struct {
	def    T
	hasDef bool
}

// WithDefault overrides the default payload used when the record does not exist.
func WithDefault[T any](v T) LoadOption[T] {
	return func(o *loadOptions[T]) {
		o.def = v
		o.hasDef = true
	}
}
