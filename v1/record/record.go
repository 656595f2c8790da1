package record

import "time"

// DeadLockDuration is the age after which a lock is presumed abandoned and
// may be reclaimed without the holder's cooperation.
const DeadLockDuration = 1800 * time.Second

// Clock returns the current time. Tests may replace it.
var Clock = time.Now

// Record is the value persisted for one key.
//
// An empty Lock means the record is unowned. A non-empty ReleaseRequest names
// the process waiting for the current holder to let go and never equals Lock.
type Record[T any] struct {
	Data           T         `json:"data"`
	UpdatedAt      time.Time `json:"updated_at"`
	Lock           string    `json:"lock,omitempty"`
	ReleaseRequest string    `json:"release_request,omitempty"`
}

// KeyInfo is the metadata the remote store keeps next to a record.
type KeyInfo struct {
	Version   string            `json:"version,omitempty"`
	UserIDs   []int64           `json:"user_ids,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// IsLocked reports whether r is held by a lock other than mine.
func IsLocked[T any](r Record[T], mine string) bool {
	return r.Lock != "" && r.Lock != mine
}

// IsStaleLock reports whether the last save of r is older than DeadLockDuration.
func IsStaleLock[T any](r Record[T]) bool {
	return IsStaleLockAt(r, Clock())
}

// IsStaleLockAt is IsStaleLock evaluated at now.
func IsStaleLockAt[T any](r Record[T], now time.Time) bool {
	return now.Sub(r.UpdatedAt) > DeadLockDuration
}

// WithLock returns a record holding data locked by lock.
func WithLock[T any](data T, lock string) Record[T] {
	return Record[T]{Data: data, UpdatedAt: Clock(), Lock: lock}
}

// WithReleaseRequested returns a record still locked by current that asks the
// holder to release in favour of requester. It keeps lastSave as the update
// time: a release request is not a save and must not refresh a stale lock.
func WithReleaseRequested[T any](data T, current, requester string, lastSave time.Time) Record[T] {
	return Record[T]{Data: data, UpdatedAt: lastSave, Lock: current, ReleaseRequest: requester}
}

// Released returns an unowned record holding data.
func Released[T any](data T) Record[T] {
	return Record[T]{Data: data, UpdatedAt: Clock()}
}

// Payload returns the application data.
func (r Record[T]) Payload() T { return r.Data }

// CurrentLock returns the holder id, empty when unowned.
func (r Record[T]) CurrentLock() string { return r.Lock }

// ReleaseRequestOf returns the id of the process waiting for the record.
func (r Record[T]) ReleaseRequestOf() string { return r.ReleaseRequest }

// LastSaveTime returns when the payload was last written.
func (r Record[T]) LastSaveTime() time.Time { return r.UpdatedAt }

// HasForeignReleaseRequest reports whether someone other than mine asked the
// holder to release r.
func HasForeignReleaseRequest[T any](r Record[T], mine string) bool {
	return r.ReleaseRequest != "" && r.ReleaseRequest != mine
}
