package core

import (
	"context"
	"errors"
	"time"

	"github.com/mirkobrombin/go-claim/v1/metrics"
)

// autosaveSpacing spreads n saves evenly over interval, leaving one slot of
// slack before the next cycle.
func autosaveSpacing(interval time.Duration, n int) time.Duration {
	return interval / time.Duration(n+1)
}

func (s *Store[K, T]) autosaveLoop(ctx context.Context) {
	defer close(s.done)
	for {
		if err := s.autosaveCycle(ctx); err != nil {
			return
		}
	}
}

// autosaveCycle walks a snapshot of the live sessions, saving one per slot.
// Sessions saved explicitly since the previous cycle are skipped once.
// Saves run in the background so a slow store does not shift the slots.
func (s *Store[K, T]) autosaveCycle(ctx context.Context) error {
	sessions := s.Sessions()
	spacing := autosaveSpacing(s.autosaveInterval, len(sessions))
	for _, sess := range sessions {
		if err := s.wait(ctx, spacing); err != nil {
			return err
		}
		if sess.takeSavedThisCycle() || sess.State() != StateActive {
			continue
		}
		s.autosaves.Add(1)
		go func() {
			defer s.autosaves.Done()
			metrics.AutosaveCounter.WithLabelValues(s.name).Inc()
			if _, err := sess.update(context.WithoutCancel(ctx), true); err != nil && !errors.Is(err, ErrSessionReleased) {
				s.logger.Warn("claim: autosave failed", "key", sess.storeKey, "error", err)
			}
		}()
	}
	return s.wait(ctx, spacing)
}
