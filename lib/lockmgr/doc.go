// Package lockmgr implements a locking mechanism on top of the lease
// operations of a db.KVDB. It provides a simple way to coordinate access to
// shared resources between goroutines or processes sharing one store.
//
// The lockmgr only ever stores in the provided database and has no other
// internal state. Therefore it is safe to be created multiple times on the
// same database. As long as the same database is used every time, all locks
// work as expected, and with a persistent store they survive restarts.
//
// Implementation Approach:
//
//   - Lock Acquisition: AcquireLock generates a random owner ID (a UUID) and
//     calls Lock, which grants the lease atomically to a single owner.
//
//   - Timeouts: Every lock has a TTL after which it expires, so a crashed
//     holder cannot block a resource forever. RenewLock extends it.
//
//   - Safe Release: ReleaseLock only removes a lease held by the given owner.
//     Releasing a lock that no longer exists succeeds.
//
// Usage Example:
//
//	locks := lockmgr.NewLockManager(database)
//
//	acquired, ownerID, err := locks.AcquireLock("resource:123", 30*time.Second)
//	if err != nil {
//	    // Handle error
//	}
//	if acquired {
//	    // Use the resource safely
//	    locks.ReleaseLock("resource:123", ownerID)
//	}
//
// Thread Safety:
//
//	The lockmgr is as thread-safe as the underlying database; maple
//	serializes all lease operations per key.
package lockmgr
