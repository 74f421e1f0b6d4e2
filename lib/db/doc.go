// Package db provides the embedding interface of the typed key-value engine.
// It defines the KVDB interface that allows for consistent interaction
// with the database while abstracting implementation details.
//
// Key Components:
//
//   - KVDB Interface: The operation surface every implementation satisfies:
//     typed reads and writes (Get, Set, SetNX, Delete), atomic counters
//     (Incr, Decr), batches (MSet, MDel), advisory leases (Lock, Unlock,
//     ExtendLock) and durability controls (Flush, Snapshot).
//
//   - Persister: The hook a database calls for every successful mutation.
//     The lib/persistence package implements it on top of the WAL and snapshot
//     writers; lib/store wires both together.
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method.
//
//   - Database Information: The DatabaseInfo structure reports database state,
//     including size estimates, implementation type and implementation specific
//     metadata. Size statistics are estimated since a precise calculation is
//     expensive.
//
// Note on Time:
//   - Expiry is tracked as wall-clock deadlines. A value is present iff now < expires_at;
//     a lease is valid iff now < lease.expires_at.
//   - Implementations must never return a value that has logically expired, even if
//     the entry still exists internally pending collection.
//
// Related Packages:
//
// The engines/maple package (github.com/ValentinKolb/kvcore/lib/db/engines/maple) provides
// the sharded in-memory implementation of the KVDB interface.
//
// The testing package (github.com/ValentinKolb/kvcore/lib/db/testing) provides
// standardized tests and benchmarks for implementations of db.KVDB.
//   - RunKVDBTests: Runs a standardized test suite to validate implementations
//   - RunKVDBBenchmarks: Provides performance benchmarks for comparing implementations
package db
