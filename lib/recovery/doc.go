// Package recovery rebuilds engine state from a data directory: the newest
// loadable snapshot followed by a replay of the write-ahead log.
//
// Replay decisions are made per shard. Each snapshot shard block carries the
// WAL position observed while the shard was copied; an op is applied to a
// key only if its sequence number is at least the position of the key's
// shard (computed with the snapshot's shard count). Batch ops are filtered
// key by key. This applies every op exactly once, which matters for Incr and
// Decr.
//
// Corrupted WAL records are skipped and counted, a torn tail ends a segment.
// Snapshots that fail verification are skipped in favour of older ones; if
// none can be loaded recovery starts empty and logs an error.
package recovery
