// Package core implements claimable sessions over a shared remote store.
//
// A Store loads records under a process lock id and hands out Sessions. A
// Session holds the record until it is released, handed off to a process that
// asked for it, or lost to a process that stole it. Locks older than
// record.DeadLockDuration are presumed abandoned and may be reclaimed.
//
// Loading a record held by another process either steals it or leaves a
// release request and waits with backoff until the holder lets go. The holder
// honours the request on its next Update, which the autosave loop and bus
// nudges trigger without caller involvement.
package core
