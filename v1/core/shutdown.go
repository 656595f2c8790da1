package core

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Participant is a store taking part in coordinated shutdown.
type Participant interface {
	Name() string
	ReleaseAll(ctx context.Context) error
}

// Coordinator drives the shutdown of every registered store: it rejects new
// loads, waits for loads in flight and releases all live sessions.
type Coordinator struct {
	mu           sync.Mutex
	participants []Participant
	shutting     bool
	loads        sync.WaitGroup

	// drain is canceled when shutdown starts, aborting loads still waiting
	// for a release
	drain       context.Context
	cancelDrain context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

// NewCoordinator returns a Coordinator with no participants.
func NewCoordinator() *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{drain: ctx, cancelDrain: cancel, done: make(chan struct{})}
}

var defaultCoordinator = sync.OnceValue(NewCoordinator)

// DefaultCoordinator returns the process-wide Coordinator used by stores
// created without WithCoordinator.
func DefaultCoordinator() *Coordinator {
	return defaultCoordinator()
}

// Register adds p to the stores released on shutdown.
func (c *Coordinator) Register(p Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cur := range c.participants {
		if cur == p {
			return
		}
	}
	c.participants = append(c.participants, p)
}

// Unregister removes p.
func (c *Coordinator) Unregister(p Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.participants {
		if cur == p {
			c.participants = append(c.participants[:i], c.participants[i+1:]...)
			return
		}
	}
}

// ShuttingDown reports whether Shutdown was called.
func (c *Coordinator) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutting
}

// beginLoad tracks a load until settle is called. The returned context is
// canceled when shutdown starts.
func (c *Coordinator) beginLoad(ctx context.Context) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutting {
		return nil, nil, ErrShuttingDown
	}
	c.loads.Add(1)
	lctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.drain, cancel)
	return lctx, func() {
		stop()
		cancel()
		c.loads.Done()
	}, nil
}

// Shutdown stops new loads, waits for loads in flight, then releases every
// live session of every registered store concurrently. It returns the joined
// release errors, or ctx.Err() when ctx ends first. Later calls wait for the
// first one and return its result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		go c.shutdown(ctx)
	})
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) shutdown(ctx context.Context) {
	defer close(c.done)
	c.mu.Lock()
	c.shutting = true
	participants := append([]Participant(nil), c.participants...)
	c.mu.Unlock()
	c.cancelDrain()

	settled := make(chan struct{})
	go func() {
		c.loads.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		c.err = ctx.Err()
		return
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, p := range participants {
		g.Go(func() error {
			if err := p.ReleaseAll(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	c.err = errors.Join(errs...)
}
