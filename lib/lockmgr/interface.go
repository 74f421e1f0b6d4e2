package lockmgr

import "time"

// ILockManager defines the interface for a lock provider.
type ILockManager interface {
	// AcquireLock acquires the lease on key for ttl under a freshly generated owner ID.
	// Return a boolean indicating whether the lock was acquired, the owner ID, and an error if any.
	AcquireLock(key string, ttl time.Duration) (ok bool, ownerID string, err error)

	// RenewLock extends a held lock to ttl from now.
	// Return false if the lock expired or belongs to someone else.
	RenewLock(key, ownerID string, ttl time.Duration) (ok bool, err error)

	// ReleaseLock releases the lock for the given key.
	// Return a boolean indicating whether the lock was released, and an error if any.
	// The method will also return true if the lock did not exist.
	ReleaseLock(key, ownerID string) (ok bool, err error)
}
