// Package util provides utility components for
// database implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - functions: the stable, fixed-seed key hash and shard index used by the engine,
//     snapshots and recovery
//   - mapheap: a priority queue with key-based access, used to track entry deadlines
//   - statistics: shard distribution statistics and a SizeHistogram for value sizes
//
// Every function here is deterministic across processes. Placement of a key must
// not depend on a random seed, otherwise a snapshot taken by one process would be
// loaded into the wrong shards by the next one.
package util
