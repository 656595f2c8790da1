package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrConflict is returned when an optimistic update keeps losing the race
	// against other writers of the same key.
	ErrConflict = errors.New("write conflict")
)

// StoreError adds the store name, key and operation to a remote failure.
type StoreError struct {
	Store string
	Key   string
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("claim: %s %s/%s: %v", e.Op, e.Store, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Wrap returns err annotated with store context, or nil when err is nil.
// Errors that already carry store context are returned unchanged.
func Wrap(store, key, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Store: store, Key: key, Op: op, Err: err}
}
