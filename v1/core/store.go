package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/mirkobrombin/go-claim/v1/adapter"
	"github.com/mirkobrombin/go-claim/v1/feed"
	"github.com/mirkobrombin/go-claim/v1/metrics"
	"github.com/mirkobrombin/go-claim/v1/record"
	"github.com/mirkobrombin/go-claim/v1/signal"
	"github.com/mirkobrombin/go-claim/v1/syncbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-claim/v1/core")

// Store loads the records of one collection and tracks the sessions this
// process holds on them.
type Store[K comparable, T any] struct {
	name   string
	lockID string
	remote adapter.Store[T]

	keyFn      func(K) string
	dataFn     func(K) T
	defaultFn  func(K) T
	metadataFn func(K) map[string]string
	userIDsFn  func(K) []int64

	sessions *xsync.MapOf[string, *Session[K, T]]
	loading  *xsync.MapOf[string, struct{}]
	released *signal.Signal[ReleaseEvent[K, T]]

	schedule    []time.Duration
	maxAttempts int
	bus         syncbus.Bus
	feed        feed.Feed
	registerer  prometheus.Registerer
	logger      *slog.Logger
	coord       *Coordinator
	noShutdown  bool

	autosaveInterval time.Duration
	// wait blocks for d or until ctx is done; replaced in tests
	wait      func(ctx context.Context, d time.Duration) error
	autosaves sync.WaitGroup
	stop      context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Store named name over remote. dataFn returns the payload to
// save for a key; defaultFn returns the payload of a record that does not
// exist yet.
//
// Unless WithoutShutdown is given the store registers with a Coordinator, and
// unless autosave is disabled it starts the autosave loop; Close stops both.
func New[K comparable, T any](name string, remote adapter.Store[T], dataFn, defaultFn func(K) T, opts ...Option[K, T]) (*Store[K, T], error) {
	if remote == nil {
		return nil, fmt.Errorf("%w: nil remote store", ErrInvalidConfig)
	}
	if dataFn == nil || defaultFn == nil {
		return nil, fmt.Errorf("%w: data and default functions are required", ErrInvalidConfig)
	}
	s := &Store[K, T]{
		name:             name,
		lockID:           ProcessLockID(),
		remote:           remote,
		dataFn:           dataFn,
		defaultFn:        defaultFn,
		sessions:         xsync.NewMapOf[string, *Session[K, T]](),
		loading:          xsync.NewMapOf[string, struct{}](),
		released:         signal.New[ReleaseEvent[K, T]](),
		schedule:         DefaultBackoffSchedule,
		logger:           slog.Default(),
		autosaveInterval: defaultAutosaveInterval,
		wait:             sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	if s.keyFn == nil {
		fn, ok := stringKeyFunc[K]()
		if !ok {
			return nil, fmt.Errorf("%w: key type %s needs WithKeyFunc", ErrInvalidConfig, reflect.TypeFor[K]())
		}
		s.keyFn = fn
	}
	if s.maxAttempts < 0 {
		return nil, fmt.Errorf("%w: negative max attempts", ErrInvalidConfig)
	}
	if s.registerer != nil {
		if err := metrics.Register(s.registerer); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("store", name)
	if s.coord == nil && !s.noShutdown {
		s.coord = DefaultCoordinator()
	}
	if s.coord != nil {
		s.coord.Register(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.done = make(chan struct{})
	if s.autosaveInterval > 0 {
		go s.autosaveLoop(ctx)
	} else {
		close(s.done)
	}
	return s, nil
}

// stringKeyFunc converts string-kinded keys, named types included.
func stringKeyFunc[K comparable]() (func(K) string, bool) {
	if reflect.TypeFor[K]().Kind() != reflect.String {
		return nil, false
	}
	return func(k K) string { return reflect.ValueOf(k).String() }, true
}

// Name returns the store name.
func (s *Store[K, T]) Name() string { return s.name }

// LockID returns the lock id written by this store.
func (s *Store[K, T]) LockID() string { return s.lockID }

// Released fires whenever a session of this store ends, after it left the
// registry.
func (s *Store[K, T]) Released() *signal.Signal[ReleaseEvent[K, T]] { return s.released }

// Len returns the number of live sessions.
func (s *Store[K, T]) Len() int { return s.sessions.Size() }

// Session returns the live session of key, if any.
func (s *Store[K, T]) Session(key K) (*Session[K, T], bool) {
	return s.sessions.Load(s.keyFn(key))
}

// Sessions returns a snapshot of the live sessions.
func (s *Store[K, T]) Sessions() []*Session[K, T] {
	out := make([]*Session[K, T], 0, s.sessions.Size())
	s.sessions.Range(func(_ string, sess *Session[K, T]) bool {
		out = append(out, sess)
		return true
	})
	return out
}

// View reads the stored payload of key without taking the lock.
func (s *Store[K, T]) View(ctx context.Context, key K) (T, record.KeyInfo, bool, error) {
	var zero T
	r, info, ok, err := s.remote.Get(ctx, s.keyFn(key))
	if err != nil || !ok {
		return zero, info, false, err
	}
	return r.Data, info, true, nil
}

// Load acquires the record of key and returns an active Session.
//
// When another process holds an active lock, policy decides: ConflictSteal
// takes the record at once, ConflictRequestRelease leaves a release request
// and retries following the backoff schedule. Without WithMaxAttempts, Load
// blocks until the record is acquired, an error occurs, ctx is done or the
// coordinator shuts down.
func (s *Store[K, T]) Load(ctx context.Context, key K, policy ConflictPolicy, opts ...LoadOption[T]) (*Session[K, T], error) {
	if policy != ConflictRequestRelease && policy != ConflictSteal {
		return nil, fmt.Errorf("%w: unknown conflict policy %d", ErrInvalidConfig, int(policy))
	}
	var lo loadOptions[T]
	for _, o := range opts {
		o(&lo)
	}
	storeKey := s.keyFn(key)

	ctx, span := tracer.Start(ctx, "Store.Load", trace.WithAttributes(
		attribute.String("claim.store", s.name),
		attribute.String("claim.key", storeKey),
		attribute.String("claim.policy", policy.String()),
	))
	defer span.End()

	// shutdown cuts the waits between attempts, not a remote call in flight
	callCtx := ctx
	if s.coord != nil {
		lctx, settle, err := s.coord.beginLoad(ctx)
		if err != nil {
			return nil, err
		}
		defer settle()
		ctx = lctx
	}

	if _, loaded := s.loading.LoadOrStore(storeKey, struct{}{}); loaded {
		return nil, ErrSessionActive
	}
	defer s.loading.Delete(storeKey)
	if _, ok := s.sessions.Load(storeKey); ok {
		return nil, ErrSessionActive
	}

	def := lo.def
	if !lo.hasDef {
		def = s.defaultFn(key)
	}
	transform := s.acquireTransform(key, policy, def)

	backoff := scheduleBackoff(s.schedule)
	if s.maxAttempts > 0 {
		backoff = retry.WithMaxRetries(uint64(s.maxAttempts-1), backoff)
	}
	attempts := 0
	var res adapter.Result[T]
	err := retry.Do(ctx, backoff, func(context.Context) error {
		attempts++
		r, err := s.remote.Update(callCtx, storeKey, transform)
		if err != nil {
			return err
		}
		act := action(r.Tag)
		metrics.LoadCounter.WithLabelValues(s.name, act.String()).Inc()
		s.logger.Debug("claim: load attempt", "key", storeKey, "attempt", attempts, "action", act.String())
		if act != actionRequest {
			res = r
			return nil
		}
		metrics.RetryCounter.WithLabelValues(s.name).Inc()
		s.nudge(callCtx, storeKey)
		return retry.RetryableError(ErrLockConflict)
	})
	if err != nil {
		if callCtx.Err() == nil && s.coord != nil && s.coord.ShuttingDown() && errors.Is(err, context.Canceled) {
			err = ErrShuttingDown
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	act := action(res.Tag)
	span.SetAttributes(attribute.String("claim.action", act.String()), attribute.Int("claim.attempts", attempts))
	switch act {
	case actionCreate, actionLock:
		s.logger.Info("claim: acquired", "key", storeKey, "action", act.String(), "attempts", attempts)
	case actionReclaim:
		s.logger.Warn("claim: reclaimed stale lock", "key", storeKey, "last_save", res.Record.UpdatedAt)
	case actionSteal:
		s.logger.Warn("claim: stole active lock", "key", storeKey)
	default:
		panic("claim: unreachable load action " + act.String())
	}

	sess := newSession(s, key, storeKey, res.Record, res.Info)
	s.register(sess)
	return sess, nil
}

// acquireTransform decides the branch of one acquisition attempt from the
// current record only.
func (s *Store[K, T]) acquireTransform(key K, policy ConflictPolicy, def T) adapter.TransformFunc[T] {
	mine := s.lockID
	userIDs, metadata := s.writeMeta(key)
	return func(cur *record.Record[T], _ record.KeyInfo) *adapter.Write[T] {
		w := &adapter.Write[T]{UserIDs: userIDs, Metadata: metadata}
		switch {
		case cur == nil:
			w.Record, w.Tag = record.WithLock(def, mine), int(actionCreate)
		case !record.IsLocked(*cur, mine):
			w.Record, w.Tag = record.WithLock(cur.Data, mine), int(actionLock)
		case record.IsStaleLock(*cur):
			w.Record, w.Tag = record.WithLock(cur.Data, mine), int(actionReclaim)
		case policy == ConflictSteal:
			w.Record, w.Tag = record.WithLock(cur.Data, mine), int(actionSteal)
		default:
			// the holder keeps its lock and metadata
			return &adapter.Write[T]{
				Record: record.WithReleaseRequested(cur.Data, cur.Lock, mine, cur.UpdatedAt),
				Tag:    int(actionRequest),
			}
		}
		return w
	}
}

func (s *Store[K, T]) writeMeta(key K) ([]int64, map[string]string) {
	var userIDs []int64
	var metadata map[string]string
	if s.userIDsFn != nil {
		userIDs = s.userIDsFn(key)
	}
	if s.metadataFn != nil {
		metadata = s.metadataFn(key)
	}
	return userIDs, metadata
}

func (s *Store[K, T]) register(sess *Session[K, T]) {
	// connected before the session is visible to autosave and nudges
	sess.released.Once(func(saved bool) {
		s.onReleased(sess, saved)
	})
	s.sessions.Store(sess.storeKey, sess)
	metrics.SessionGauge.WithLabelValues(s.name).Inc()
	s.watchNudges(sess)
	s.emit(sess.storeKey, feed.KindAcquired, false)
}

func (s *Store[K, T]) onReleased(sess *Session[K, T], saved bool) {
	s.sessions.Compute(sess.storeKey, func(cur *Session[K, T], loaded bool) (*Session[K, T], bool) {
		if loaded && cur != sess {
			return cur, false
		}
		return nil, true
	})
	sess.mu.Lock()
	stop := sess.stopNudges
	sess.stopNudges = nil
	sess.mu.Unlock()
	if stop != nil {
		stop()
	}
	metrics.SessionGauge.WithLabelValues(s.name).Dec()
	metrics.ReleaseCounter.WithLabelValues(s.name, strconv.FormatBool(saved)).Inc()
	s.emit(sess.storeKey, feed.KindReleased, saved)
	s.released.Fire(ReleaseEvent[K, T]{Session: sess, Saved: saved})
}

// ReleaseAll releases every live session concurrently and returns the joined
// release errors.
func (s *Store[K, T]) ReleaseAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, sess := range s.Sessions() {
		g.Go(func() error {
			if _, err := sess.Release(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close stops the autosave loop and leaves coordinated shutdown. Live
// sessions are not released; use ReleaseAll or Coordinator.Shutdown first.
func (s *Store[K, T]) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		<-s.done
		s.autosaves.Wait()
		if s.coord != nil {
			s.coord.Unregister(s)
		}
	})
	return nil
}

func (s *Store[K, T]) emit(storeKey string, kind feed.Kind, saved bool) {
	if s.feed == nil {
		return
	}
	ev := feed.NewEvent(s.name, storeKey, kind, s.lockID)
	ev.Saved = saved
	if err := s.feed.Publish(context.Background(), ev); err != nil {
		s.logger.Debug("claim: feed publish failed", "key", storeKey, "kind", string(kind), "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
