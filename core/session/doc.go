// Package session holds per-user conversation state and the storage contract
// used to persist it with optimistic concurrency.
//
// A Store never reports "no session": absent or expired records come back as a
// fresh idle Session. Writers pass the version they read to Put; a concurrent
// writer that committed first makes Put fail with ErrConflict.
package session
