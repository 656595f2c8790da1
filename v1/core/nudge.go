package core

import (
	"context"
	"errors"
)

// nudgeTopic is the bus topic on which waiters of storeKey announce
// themselves to its holder.
func nudgeTopic(store, storeKey string) string {
	return "claim:" + store + ":" + storeKey
}

// nudge tells the holder of storeKey that this store is waiting for it.
func (s *Store[K, T]) nudge(ctx context.Context, storeKey string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, nudgeTopic(s.name, storeKey), []byte(s.lockID)); err != nil {
		s.logger.Warn("claim: nudge publish failed", "key", storeKey, "error", err)
	}
}

// watchNudges runs an Update of sess whenever another process asks for its
// record, until the session ends.
func (s *Store[K, T]) watchNudges(sess *Session[K, T]) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.bus.Subscribe(ctx, nudgeTopic(s.name, sess.storeKey))
	if err != nil {
		cancel()
		s.logger.Warn("claim: nudge subscribe failed", "key", sess.storeKey, "error", err)
		return
	}
	sess.mu.Lock()
	if sess.state == StateReleased {
		sess.mu.Unlock()
		cancel()
		return
	}
	sess.stopNudges = cancel
	sess.mu.Unlock()

	go func() {
		for msg := range ch {
			if string(msg.Payload) == s.lockID {
				continue
			}
			s.logger.Debug("claim: release requested", "key", sess.storeKey, "requester", string(msg.Payload))
			if _, err := sess.update(context.WithoutCancel(ctx), true); err != nil && !errors.Is(err, ErrSessionReleased) {
				s.logger.Warn("claim: nudged update failed", "key", sess.storeKey, "error", err)
			}
		}
	}()
}
