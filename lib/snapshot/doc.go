// Package snapshot writes and loads point-in-time dumps of the engine.
//
// A snapshot file is named snapshot-<unix>-<position>.snap and consists of a
// 72 byte header followed by one block per shard:
//
//	ShardID:u32 | EntryCount:u32 | ShardPosition:u64 | Entries...
//
// Entries use the record encoding of package kv (key, value, optional expiry,
// optional lease). The header carries the SHA256 of the body; Load verifies it
// before decoding anything.
//
// Consistency: shards are copied one after another, each under its own lock,
// so the snapshot is not a global instant. The header position is read before
// the first copy and each shard block stores the position observed under the
// shard lock. Recovery replays the WAL from the header position and skips, per
// shard, every op below that shard's position.
package snapshot
