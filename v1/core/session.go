package core

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-claim/v1/adapter"
	"github.com/mirkobrombin/go-claim/v1/feed"
	"github.com/mirkobrombin/go-claim/v1/metrics"
	"github.com/mirkobrombin/go-claim/v1/record"
	"github.com/mirkobrombin/go-claim/v1/signal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session is a record held by this process. It is obtained from Store.Load
// and stays valid until released, handed off or lost.
//
// Update and Release may be called from any goroutine; remote operations of
// one session never overlap.
type Session[K comparable, T any] struct {
	key      K
	storeKey string
	store    *Store[K, T]
	released *signal.Signal[bool]

	// ops serializes remote operations
	ops sync.Mutex

	mu             sync.RWMutex
	data           T
	info           record.KeyInfo
	state          State
	savedThisCycle bool
	stopNudges     context.CancelFunc
}

func newSession[K comparable, T any](st *Store[K, T], key K, storeKey string, r *record.Record[T], info record.KeyInfo) *Session[K, T] {
	return &Session[K, T]{
		key:      key,
		storeKey: storeKey,
		store:    st,
		released: signal.New[bool](),
		data:     r.Data,
		info:     info,
		state:    StateActive,
	}
}

// Key returns the application key.
func (s *Session[K, T]) Key() K { return s.key }

// StoreKey returns the key of the record in the remote store.
func (s *Session[K, T]) StoreKey() string { return s.storeKey }

// Store returns the store that loaded the session.
func (s *Session[K, T]) Store() *Store[K, T] { return s.store }

// Data returns the payload as last read from or written to the remote store.
func (s *Session[K, T]) Data() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// Info returns the store metadata of the last remote operation.
func (s *Session[K, T]) Info() record.KeyInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// State returns the lifecycle state.
func (s *Session[K, T]) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Released fires once with whether the payload was saved when the session
// ends.
func (s *Session[K, T]) Released() *signal.Signal[bool] { return s.released }

// Update saves the payload returned by the store data function.
//
// When another process holds the lock or asked for the record, the payload
// is written unlocked instead and the session is released: the returned
// Outcome tells which, and the error is nil. Transport errors leave the
// session active.
func (s *Session[K, T]) Update(ctx context.Context) (Outcome, error) {
	return s.update(ctx, false)
}

func (s *Session[K, T]) update(ctx context.Context, background bool) (Outcome, error) {
	if s.State() != StateActive {
		return 0, ErrSessionReleased
	}
	st := s.store
	ctx, span := tracer.Start(ctx, "Session.Update", trace.WithAttributes(
		attribute.String("claim.store", st.name),
		attribute.String("claim.key", s.storeKey),
	))
	defer span.End()

	s.ops.Lock()
	if s.State() != StateActive {
		s.ops.Unlock()
		return 0, ErrSessionReleased
	}
	data := st.dataFn(s.key)
	res, err := st.remote.Update(ctx, s.storeKey, st.saveTransform(s.key, data))
	if err != nil {
		s.ops.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		st.logger.Warn("claim: update failed", "key", s.storeKey, "error", err)
		return 0, err
	}

	act := action(res.Tag)
	span.SetAttributes(attribute.String("claim.action", act.String()))
	var outcome Outcome
	switch act {
	case actionSave:
		outcome = OutcomeSaved
	case actionHandoff:
		outcome = OutcomeHandedOff
	case actionLost:
		outcome = OutcomeLost
	default:
		s.ops.Unlock()
		panic("claim: unreachable update action " + act.String())
	}

	s.mu.Lock()
	if res.Record != nil {
		s.data = res.Record.Data
	}
	s.info = res.Info
	if !background {
		s.savedThisCycle = true
	}
	ended := outcome != OutcomeSaved
	if ended {
		s.state = StateReleased
	}
	s.mu.Unlock()
	s.ops.Unlock()

	metrics.SaveCounter.WithLabelValues(st.name, outcome.String()).Inc()
	switch outcome {
	case OutcomeSaved:
		st.logger.Debug("claim: saved", "key", s.storeKey, "background", background)
		st.emit(s.storeKey, feed.KindSaved, true)
	case OutcomeHandedOff:
		st.logger.Info("claim: handed off", "key", s.storeKey)
		st.emit(s.storeKey, feed.KindHandoff, true)
	case OutcomeLost:
		st.logger.Warn("claim: lock lost to another process", "key", s.storeKey)
		st.emit(s.storeKey, feed.KindLost, true)
	}
	if ended {
		s.released.Fire(true)
	}
	return outcome, nil
}

// Release writes the payload unlocked and ends the session. It reports
// whether the payload was saved: when another process already holds the
// lock the record is left untouched.
//
// Releasing an ended session is a no-op returning false. On transport errors
// the session stays active and Release may be retried.
func (s *Session[K, T]) Release(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return false, nil
	}
	s.state = StateReleasing
	s.mu.Unlock()

	st := s.store
	ctx, span := tracer.Start(ctx, "Session.Release", trace.WithAttributes(
		attribute.String("claim.store", st.name),
		attribute.String("claim.key", s.storeKey),
	))
	defer span.End()

	s.ops.Lock()
	if s.State() == StateReleased {
		// an update in flight ended the session first
		s.ops.Unlock()
		return false, nil
	}
	data := st.dataFn(s.key)
	res, err := st.remote.Update(ctx, s.storeKey, st.releaseTransform(s.key, data))
	if err != nil {
		s.mu.Lock()
		s.state = StateActive
		s.mu.Unlock()
		s.ops.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		st.logger.Warn("claim: release failed", "key", s.storeKey, "error", err)
		return false, err
	}

	saved := res.Written
	span.SetAttributes(attribute.Bool("claim.saved", saved))
	s.mu.Lock()
	if saved {
		s.data = res.Record.Data
		s.info = res.Info
	}
	s.state = StateReleased
	s.mu.Unlock()
	s.ops.Unlock()

	if saved {
		st.logger.Info("claim: released", "key", s.storeKey)
	} else {
		st.logger.Warn("claim: released without saving, lock held by another process", "key", s.storeKey)
	}
	s.released.Fire(saved)
	return saved, nil
}

// takeSavedThisCycle clears the saved-this-cycle flag and returns its
// previous value.
func (s *Session[K, T]) takeSavedThisCycle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := s.savedThisCycle
	s.savedThisCycle = false
	return saved
}

// saveTransform decides the branch of Update from the current record only.
func (st *Store[K, T]) saveTransform(key K, data T) adapter.TransformFunc[T] {
	mine := st.lockID
	userIDs, metadata := st.writeMeta(key)
	return func(cur *record.Record[T], _ record.KeyInfo) *adapter.Write[T] {
		w := &adapter.Write[T]{UserIDs: userIDs, Metadata: metadata}
		switch {
		case cur != nil && record.IsLocked(*cur, mine):
			w.Record, w.Tag = record.Released(data), int(actionLost)
		case cur != nil && record.HasForeignReleaseRequest(*cur, mine):
			w.Record, w.Tag = record.Released(data), int(actionHandoff)
		default:
			w.Record, w.Tag = record.WithLock(data, mine), int(actionSave)
		}
		return w
	}
}

// releaseTransform never overwrites a record locked by another process.
func (st *Store[K, T]) releaseTransform(key K, data T) adapter.TransformFunc[T] {
	mine := st.lockID
	userIDs, metadata := st.writeMeta(key)
	return func(cur *record.Record[T], _ record.KeyInfo) *adapter.Write[T] {
		if cur != nil && record.IsLocked(*cur, mine) {
			return nil
		}
		return &adapter.Write[T]{
			Record:   record.Released(data),
			UserIDs:  userIDs,
			Metadata: metadata,
			Tag:      int(actionRelease),
		}
	}
}
