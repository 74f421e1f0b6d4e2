package db

import (
	"context"
	"time"

	"github.com/ValentinKolb/kvcore/lib/kv"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple Implementation = "maple"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureGet            Feature = 1 << iota // Support for Get operations
	FeatureSet                                // Support for Set and SetNX operations
	FeatureDelete                             // Support for Delete operations
	FeatureTTL                                // Support for per-key time-to-live
	FeatureCounter                            // Support for atomic Incr and Decr
	FeatureBatch                              // Support for MSet and MDel
	FeatureLease                              // Support for Lock, Unlock and ExtendLock
	FeatureGarbageCollect                     // Support for background removal of expired entries
	FeaturePersistence                        // Mutations are written to a WAL and survive restarts
)

func (f Feature) String() string {
	switch f {
	case FeatureGet:
		return "Get"
	case FeatureSet:
		return "Set"
	case FeatureDelete:
		return "Delete"
	case FeatureTTL:
		return "TTL"
	case FeatureCounter:
		return "Counter"
	case FeatureBatch:
		return "Batch"
	case FeatureLease:
		return "Lease"
	case FeatureGarbageCollect:
		return "GarbageCollect"
	case FeaturePersistence:
		return "Persistence"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes" yaml:"size_bytes"`
	Entries           int            `json:"entries" yaml:"entries"`
	DbType            Implementation `json:"db_type" yaml:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features" yaml:"supported_features"`
	Metadata          interface{}    `json:"metadata" yaml:"metadata"`
}

// --------------------------------------------------------------------------
// Persistence Hook
// --------------------------------------------------------------------------

// Persister receives the WAL operations emitted by a database.
//
// Submit is called while the database holds the lock of the shard the op
// belongs to, so implementations must not call back into the database and
// should return quickly. A nil error means the op was accepted, not that it
// is durable. Flush makes every accepted op durable.
type Persister interface {
	Submit(op *kv.Op) error
	Flush(ctx context.Context) error
	Snapshot(ctx context.Context) error
	Close() error
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines an interface for typed key-value database implementations.
//
// Keys are validated on every call: empty keys, keys longer than
// kv.MaxKeyLen bytes and keys containing null bytes fail with kv.ErrInvalidKey.
// Operations that fail never modify state.
//
// A ttl of 0 means "no expiry"; negative ttls fail with kv.ErrInvalidTTL.
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set inserts or overwrites the value of key. A lease on the key is kept.
	Set(key string, value kv.Value, ttl time.Duration) error

	// SetNX inserts the value only if key holds no unexpired value.
	// It returns true if the value was inserted.
	SetNX(key string, value kv.Value, ttl time.Duration) (bool, error)

	// Delete removes key together with its lease.
	// It returns true if an unexpired value was removed.
	Delete(key string) (bool, error)

	// Incr adds delta to the Int value of key and returns the new value.
	// An absent or expired key is treated as 0. Fails with kv.ErrTypeMismatch
	// for non-Int values and kv.ErrOverflow if the result would wrap.
	Incr(key string, delta int64) (int64, error)

	// Decr subtracts delta from the Int value of key. Same rules as Incr.
	Decr(key string, delta int64) (int64, error)

	// MSet sets all pairs with the same ttl. The batch is logged as one operation.
	MSet(pairs []kv.Pair, ttl time.Duration) error

	// MDel deletes all keys and returns the number of values removed.
	MDel(keys []string) (int, error)

	// Clear removes every entry.
	Clear() error

	// --------------------------------------------------------------------------
	// Lease Operations
	// --------------------------------------------------------------------------

	// Lock acquires the lease on key for owner, or renews it if owner already holds it.
	// It returns false if another owner holds a valid lease.
	Lock(key, owner string, ttl time.Duration) (bool, error)

	// Unlock releases the lease held by owner. It returns false if no valid lease
	// is held and fails with kv.ErrNotOwner if another owner holds it.
	Unlock(key, owner string) (bool, error)

	// ExtendLock sets the lease expiry to now+ttl. It returns false if no valid lease
	// is held and fails with kv.ErrNotOwner if another owner holds it.
	ExtendLock(key, owner string, ttl time.Duration) (bool, error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value of key.
	// The boolean return value indicates whether an unexpired value was found.
	Get(key string) (value kv.Value, ok bool, err error)

	// Len returns the approximate number of live entries.
	Len() int

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Flush blocks until every mutation accepted so far is durable.
	// Without persistence it is a no-op.
	Flush(ctx context.Context) error

	// Snapshot writes a snapshot and blocks until it is complete.
	// Without persistence it is a no-op.
	Snapshot(ctx context.Context) error

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Position returns the next WAL sequence number the database will assign.
	Position() uint64

	// Close closes the database.
	Close() (err error)
}
