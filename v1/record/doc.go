// Package record defines the stored shape of a claimable record and the pure
// predicates used by the locking protocol. A record carries the application
// payload together with the id of the process holding it, a pending release
// request from a waiting process and the time of the last save.
package record
