// Package kv defines the value model shared by the engine and the persistence
// layer: validated keys, typed values, entries with TTL and leases, and the
// ten mutating operations that are written to the write-ahead log.
//
// The package has no dependencies on the engine or on any file format. The
// binary helpers in encoding.go are used by both the WAL (op payloads) and
// the snapshot body (entry records) so that both formats share one value
// encoding.
//
// Time handling:
//
//   - All deadlines (value expiry and lease expiry) are wall-clock instants.
//     They are persisted as Unix nanoseconds and therefore survive restarts.
//   - A value is present iff now < ExpiresAt (or ExpiresAt is zero).
//   - A lease is valid iff now < Lease.ExpiresAt.
package kv
