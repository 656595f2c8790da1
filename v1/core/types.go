package core

import "errors"

var (
	// ErrSessionReleased is returned by Update on a releasing or released session.
	ErrSessionReleased = errors.New("claim: session released")
	// ErrShuttingDown is returned by Load once the coordinator began shutdown.
	ErrShuttingDown = errors.New("claim: shutting down")
	// ErrSessionActive is returned by Load when the store already holds, or is
	// acquiring, a session for the key.
	ErrSessionActive = errors.New("claim: session already active")
	// ErrLockConflict is returned by Load when WithMaxAttempts is exceeded.
	ErrLockConflict = errors.New("claim: lock held by another process")
	// ErrInvalidConfig is returned by New for unusable configurations.
	ErrInvalidConfig = errors.New("claim: invalid config")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateActive State = iota
	StateReleasing
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReleasing:
		return "releasing"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// Outcome reports what an Update did to the session.
type Outcome int

const (
	// OutcomeSaved means the payload was written and the session is still active.
	OutcomeSaved Outcome = iota + 1
	// OutcomeHandedOff means another process asked for the record; the payload
	// was written unlocked and the session is released.
	OutcomeHandedOff
	// OutcomeLost means another process holds the lock; the payload was written
	// unlocked and the session is released.
	OutcomeLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeHandedOff:
		return "handoff"
	case OutcomeLost:
		return "lost"
	}
	return "unknown"
}

// ConflictPolicy selects what Load does when an active lock of another
// process is found.
type ConflictPolicy int

const (
	// ConflictRequestRelease asks the holder to release and retries with backoff.
	ConflictRequestRelease ConflictPolicy = iota
	// ConflictSteal takes the lock immediately. The holder loses unsaved changes.
	ConflictSteal
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictRequestRelease:
		return "request_release"
	case ConflictSteal:
		return "steal"
	}
	return "unknown"
}

// action is the branch taken by a remote transform. It travels through
// adapter.Write.Tag so only the committed invocation decides it.
type action int

const (
	actionNone action = iota
	actionCreate
	actionLock
	actionReclaim
	actionSteal
	actionRequest
	actionSave
	actionHandoff
	actionLost
	actionRelease
)

func (a action) String() string {
	switch a {
	case actionCreate:
		return "create"
	case actionLock:
		return "lock"
	case actionReclaim:
		return "reclaim"
	case actionSteal:
		return "steal"
	case actionRequest:
		return "request"
	case actionSave:
		return "saved"
	case actionHandoff:
		return "handoff"
	case actionLost:
		return "lost"
	case actionRelease:
		return "released"
	}
	return "none"
}

// ReleaseEvent is fired by Store.Released when one of its sessions ends.
type ReleaseEvent[K comparable, T any] struct {
	Session *Session[K, T]
	Saved   bool
}
