// Package maple implements the sharded, in-memory typed key-value database
// behind db.KVDB. It focuses on predictable latency under concurrent access:
// every operation touches a bounded number of shards and never performs I/O
// while holding a shard lock.
//
// Key Components:
//
//   - DB: The central database structure. It owns a fixed array of shards (default 256,
//     always a power of two), the WAL sequence counter, the garbage collector and
//     an optional db.Persister that receives one kv.Op per successful mutation.
//
//   - Shard: A partition of the key space with its own mutex, a map from key to
//     kv.Entry and an expiry heap (util.MapHeap) ordered by the instant the entry dies.
//     Keys are assigned with util.ShardIndex, a fixed-seed xxhash masked by the shard
//     count, so placement is identical across processes.
//
//   - Entry: A typed value with an optional wall-clock expiry and an optional lease.
//     An entry can hold just a lease (Lock on an absent key); Get never reports such an
//     entry as a value.
//
// Internal Mechanisms:
//
//   - Locking Discipline: Single-key operations lock exactly one shard. MSet and MDel
//     lock the distinct shards of their keys in ascending index order and release in
//     reverse order, so overlapping batches cannot deadlock. Len and Clear visit shards
//     one at a time.
//
//   - WAL Sequence Numbers: A mutation takes the next sequence number and hands its op to
//     the persister while still holding its shard lock(s). CopyShard reads the counter
//     under the same lock, which splits the ops of that shard exactly: ops with a smaller
//     sequence number are contained in the copy, later ones are not. Recovery relies on
//     this to replay Incr and Decr exactly once.
//
//   - Lazy Expiry: Operations view an entry as of now: an expired value is ignored and an
//     expired lease is dropped. Fully dead entries are removed on access.
//
//   - Recovery Mode: Import and Apply restore snapshot records and logged ops without
//     reporting them to the persister. Apply evaluates TTLs relative to the op timestamp.
//
// Garbage Collection:
//
//   - A single background goroutine wakes up every GCInterval and sweeps the expiry heap of
//     each shard, removing entries whose value and lease are both dead. The heaps are only
//     touched under the shard lock, so writers keep them current on every Store.
//
//   - Since the GC can not remove entries immediately, every read checks expiry itself. The
//     internal state may lag behind, but the values returned by the database never do.
package maple
