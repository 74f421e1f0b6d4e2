package maple

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db"
	"github.com/ValentinKolb/kvcore/lib/db/engines/maple/internal"
	"github.com/ValentinKolb/kvcore/lib/db/util"
	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("maple")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	DefaultNumShards  = 256                    // Default number of shards, must be a power of two
	defaultGCInterval = 100 * time.Millisecond // Default interval between GC runs
	samplesPerShard   = 100                    // Entries sampled per shard by GetInfo
)

// --------------------------------------------------------------------------
// Core Maple database structure
// --------------------------------------------------------------------------

// DB is a sharded, in-memory typed key-value database.
// Every mutation is reported to an attached db.Persister as exactly one kv.Op.
type DB struct {
	shards []*internal.Shard // Fixed array of shards, len is a power of two
	clock  func() time.Time
	seq    atomic.Uint64 // Next WAL sequence number

	persister db.Persister
	closed    atomic.Bool

	// garbage collection
	gcInterval  time.Duration
	gcIsRunning atomic.Bool
	gcStop      chan struct{}
	gcDone      sync.WaitGroup

	ops   [kv.OpExtendLock + 1]*xsync.Counter // successful mutations per op type
	gets  *xsync.Counter
	swept *xsync.Counter
}

var _ db.KVDB = (*DB)(nil)

// DBOptions configures the DB behavior during initialization
type DBOptions struct {
	NumShards  int              // Number of shards, must be a power of two (0 = DefaultNumShards)
	GCInterval time.Duration    // Time between GC runs (0 = default, <0 = disabled)
	DeferGC    bool             // Do not start the GC in NewMapleDB, call StartGC later
	Clock      func() time.Time // Source of time (nil = time.Now)
}

// DefaultOptions returns the default DB options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards:  DefaultNumShards,
		GCInterval: defaultGCInterval,
		Clock:      time.Now,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMapleDB creates a new DB instance with the specified options (optional)
//
// Thread-safety: This function is not thread-safe and should only be called once
// during initialization.
func NewMapleDB(opts *DBOptions) (*DB, error) {

	// Generate default options if not provided
	if opts == nil {
		opts = DefaultOptions()
	}
	numShards := opts.NumShards
	if numShards == 0 {
		numShards = DefaultNumShards
	}
	if !util.IsPowerOfTwo(numShards) {
		return nil, fmt.Errorf("maple: shard count %d is not a power of two", numShards)
	}
	gcInterval := opts.GCInterval
	if gcInterval == 0 {
		gcInterval = defaultGCInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	// Create shards
	shards := make([]*internal.Shard, numShards)
	for i := range shards {
		shards[i] = internal.NewShard()
	}

	newDB := &DB{
		shards:     shards,
		clock:      clock,
		gcInterval: gcInterval,
		gcStop:     make(chan struct{}),
		gets:       xsync.NewCounter(),
		swept:      xsync.NewCounter(),
	}
	for i := range newDB.ops {
		newDB.ops[i] = xsync.NewCounter()
	}

	// start garbage collection
	if !opts.DeferGC {
		newDB.StartGC()
	}

	log.Debugf("created maple db with %d shards", numShards)
	return newDB, nil
}

// Attach installs the persister that receives every subsequent mutation.
//
// Thread-safety: This method is not thread-safe. It must be called before the
// database is shared with other goroutines.
func (maple *DB) Attach(p db.Persister) {
	maple.persister = p
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// shardFor returns the shard for a key
func (maple *DB) shardFor(key string) *internal.Shard {
	return internal.GetShard(key, maple.shards)
}

// begin runs the checks shared by all operations
func (maple *DB) begin(key string) error {
	if maple.closed.Load() {
		return kv.ErrClosed
	}
	return kv.ValidateKey(key)
}

func checkTTL(ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("%w: %s", kv.ErrInvalidTTL, ttl)
	}
	return nil
}

func checkLeaseTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: lease duration must be positive, got %s", kv.ErrInvalidTTL, ttl)
	}
	return nil
}

// emit assigns the next sequence number to op and hands it to the persister.
// It must be called while holding the lock of every shard op touches, so that
// WAL order is consistent with the per-shard order of mutations.
func (maple *DB) emit(op *kv.Op) error {
	maple.ops[op.Type].Inc()
	if maple.persister == nil {
		return nil
	}
	op.Seq = maple.seq.Add(1) - 1
	return maple.persister.Submit(op)
}

// lockShards locks the given shard indices in order and returns the unlock function
func (maple *DB) lockShards(order []int) func() {
	for _, idx := range order {
		maple.shards[idx].Lock()
	}
	return func() {
		for i := len(order) - 1; i >= 0; i-- {
			maple.shards[order[i]].Unlock()
		}
	}
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Set inserts or overwrites the value of key. A valid lease on the key is kept.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) Set(key string, value kv.Value, ttl time.Duration) error {
	if err := maple.begin(key); err != nil {
		return err
	}
	if err := checkTTL(ttl); err != nil {
		return err
	}

	shard := maple.shardFor(key)
	shard.Lock()
	defer shard.Unlock()

	now := maple.clock()
	setValue(shard, key, value, ttl, now)
	return maple.emit(&kv.Op{Type: kv.OpSet, Timestamp: now, Key: key, Value: value, TTL: ttl})
}

// SetNX inserts the value only if the key holds no unexpired value.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) SetNX(key string, value kv.Value, ttl time.Duration) (bool, error) {
	if err := maple.begin(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}

	shard := maple.shardFor(key)
	shard.Lock()
	defer shard.Unlock()

	now := maple.clock()
	if e, ok := shard.Load(key, now); ok && e.HasValue(now) {
		return false, nil
	}
	setValue(shard, key, value, ttl, now)
	return true, maple.emit(&kv.Op{Type: kv.OpSetNX, Timestamp: now, Key: key, Value: value, TTL: ttl})
}

// setValue stores value under key and keeps a valid lease.
// The caller must hold the shard lock.
func setValue(shard *internal.Shard, key string, value kv.Value, ttl time.Duration, now time.Time) {
	e, _ := shard.Load(key, now)
	e.Value = value
	e.ExpiresAt = kv.Deadline(now, ttl)
	shard.Store(key, e)
}

// Delete removes the entry of key, including its lease.
// It returns true if the entry held a value that had not expired before now.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) Delete(key string) (bool, error) {
	if err := maple.begin(key); err != nil {
		return false, err
	}

	shard := maple.shardFor(key)
	shard.Lock()
	defer shard.Unlock()

	now := maple.clock()
	existed, present := deleteKey(shard, key, now)
	if !existed {
		return false, nil
	}
	return present, maple.emit(&kv.Op{Type: kv.OpDelete, Timestamp: now, Key: key})
}

// deleteKey removes key. present reports whether a value was held at now,
// counting a value that expires exactly at now.
// The caller must hold the shard lock.
func deleteKey(shard *internal.Shard, key string, now time.Time) (existed, present bool) {
	e, ok := shard.Data[key]
	if !ok {
		return false, false
	}
	present = !e.Value.IsZero() && (e.ExpiresAt.IsZero() || !now.After(e.ExpiresAt))
	shard.Remove(key)
	return true, present
}

// Incr adds delta to the Int value of key and returns the result.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
// Concurrent increments of the same key never lose updates.
func (maple *DB) Incr(key string, delta int64) (int64, error) {
	return maple.addDelta(kv.OpIncr, key, delta)
}

// Decr subtracts delta from the Int value of key and returns the result.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) Decr(key string, delta int64) (int64, error) {
	return maple.addDelta(kv.OpDecr, key, delta)
}

func (maple *DB) addDelta(t kv.OpType, key string, delta int64) (int64, error) {
	if err := maple.begin(key); err != nil {
		return 0, err
	}

	shard := maple.shardFor(key)
	shard.Lock()
	defer shard.Unlock()

	now := maple.clock()
	result, err := applyDelta(shard, t, key, delta, now)
	if err != nil {
		return 0, err
	}
	return result, maple.emit(&kv.Op{Type: t, Timestamp: now, Key: key, Delta: delta})
}

// applyDelta performs Incr or Decr on the shard. Nothing is modified on error.
// The caller must hold the shard lock.
func applyDelta(shard *internal.Shard, t kv.OpType, key string, delta int64, now time.Time) (int64, error) {
	e, _ := shard.Load(key, now)

	var current int64
	if !e.Value.IsZero() {
		i, ok := e.Value.AsInt()
		if !ok {
			return 0, fmt.Errorf("%w: %s of %s value", kv.ErrTypeMismatch, t, e.Value.Kind())
		}
		current = i
	}

	var (
		result   int64
		overflow bool
	)
	if t == kv.OpIncr {
		result = current + delta
		overflow = (delta > 0 && result < current) || (delta < 0 && result > current)
	} else {
		result = current - delta
		overflow = (delta > 0 && result > current) || (delta < 0 && result < current)
	}
	if overflow {
		return 0, fmt.Errorf("%w: %d %s %d", kv.ErrOverflow, current, t, delta)
	}

	// an existing value keeps its expiry
	e.Value = kv.Int(result)
	shard.Store(key, e)
	return result, nil
}

// MSet sets all pairs with the same ttl. Later pairs win over earlier pairs
// with the same key. The whole batch is logged as a single operation.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
// Shards are locked in ascending index order.
func (maple *DB) MSet(pairs []kv.Pair, ttl time.Duration) error {
	if maple.closed.Load() {
		return kv.ErrClosed
	}
	if err := checkTTL(ttl); err != nil {
		return err
	}
	if len(pairs) == 0 {
		return nil
	}
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		if err := kv.ValidateKey(p.Key); err != nil {
			return err
		}
		keys[i] = p.Key
	}

	unlock := maple.lockShards(internal.LockOrder(keys, len(maple.shards)))
	defer unlock()

	now := maple.clock()
	for _, p := range pairs {
		setValue(maple.shardFor(p.Key), p.Key, p.Value, ttl, now)
	}

	logged := make([]kv.Pair, len(pairs))
	copy(logged, pairs)
	return maple.emit(&kv.Op{Type: kv.OpMSet, Timestamp: now, Pairs: logged, TTL: ttl})
}

// MDel deletes all keys and returns the number of values removed.
// Only keys that existed are logged.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
// Shards are locked in ascending index order.
func (maple *DB) MDel(keys []string) (int, error) {
	if maple.closed.Load() {
		return 0, kv.ErrClosed
	}
	for _, k := range keys {
		if err := kv.ValidateKey(k); err != nil {
			return 0, err
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	unlock := maple.lockShards(internal.LockOrder(keys, len(maple.shards)))
	defer unlock()

	now := maple.clock()
	count := 0
	var removed []string
	for _, k := range keys {
		existed, present := deleteKey(maple.shardFor(k), k, now)
		if !existed {
			continue
		}
		removed = append(removed, k)
		if present {
			count++
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	return count, maple.emit(&kv.Op{Type: kv.OpMDel, Timestamp: now, Keys: removed})
}

// Clear removes every entry. With a persister attached, every non-empty shard
// is logged as one MDel so the clear survives a restart.
//
// Thread-safety: This method is thread-safe. Shards are cleared one at a time,
// so concurrent writers may repopulate shards that were already cleared.
func (maple *DB) Clear() error {
	if maple.closed.Load() {
		return kv.ErrClosed
	}
	var firstErr error
	for _, shard := range maple.shards {
		shard.Lock()
		now := maple.clock()
		keys := shard.Reset()
		if len(keys) > 0 {
			if err := maple.emit(&kv.Op{Type: kv.OpMDel, Timestamp: now, Keys: keys}); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		shard.Unlock()
	}
	return firstErr
}

// --------------------------------------------------------------------------
// Lease Operations
// --------------------------------------------------------------------------

// Lock acquires the lease on key for owner or renews it if owner already holds it.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) Lock(key, owner string, ttl time.Duration) (bool, error) {
	if err := maple.begin(key); err != nil {
		return false, err
	}
	if err := checkLeaseTTL(ttl); err != nil {
		return false, err
	}

	shard := maple.shardFor(key)
	shard.Lock()
	defer shard.Unlock()

	now := maple.clock()
	e, _ := shard.Load(key, now)
	if e.Lease != nil && e.Lease.Owner != owner {
		return false, nil
	}
	e.Lease = &kv.Lease{Owner: owner, ExpiresAt: now.Add(ttl)}
	shard.Store(key, e)
	return true, maple.emit(&kv.Op{Type: kv.OpLock, Timestamp: now, Key: key, Owner: owner, TTL: ttl})
}

// Unlock releases the lease held by owner.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) Unlock(key, owner string) (bool, error) {
	if err := maple.begin(key); err != nil {
		return false, err
	}

	shard := maple.shardFor(key)
	shard.Lock()
	defer shard.Unlock()

	now := maple.clock()
	e, _ := shard.Load(key, now)
	if e.Lease == nil {
		return false, nil
	}
	if e.Lease.Owner != owner {
		return false, fmt.Errorf("%w: %q is held by %q", kv.ErrNotOwner, key, e.Lease.Owner)
	}
	e.Lease = nil
	shard.Store(key, e)
	return true, maple.emit(&kv.Op{Type: kv.OpUnlock, Timestamp: now, Key: key, Owner: owner})
}

// ExtendLock moves the expiry of the lease held by owner to now+ttl.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) ExtendLock(key, owner string, ttl time.Duration) (bool, error) {
	if err := maple.begin(key); err != nil {
		return false, err
	}
	if err := checkLeaseTTL(ttl); err != nil {
		return false, err
	}

	shard := maple.shardFor(key)
	shard.Lock()
	defer shard.Unlock()

	now := maple.clock()
	e, _ := shard.Load(key, now)
	if e.Lease == nil {
		return false, nil
	}
	if e.Lease.Owner != owner {
		return false, fmt.Errorf("%w: %q is held by %q", kv.ErrNotOwner, key, e.Lease.Owner)
	}
	e.Lease = &kv.Lease{Owner: owner, ExpiresAt: now.Add(ttl)}
	shard.Store(key, e)
	return true, maple.emit(&kv.Op{Type: kv.OpExtendLock, Timestamp: now, Key: key, Owner: owner, TTL: ttl})
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Get retrieves the value of key.
// The boolean indicates whether an unexpired value was found.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) Get(key string) (kv.Value, bool, error) {
	if err := maple.begin(key); err != nil {
		return kv.Value{}, false, err
	}
	maple.gets.Inc()

	shard := maple.shardFor(key)
	shard.Lock()
	defer shard.Unlock()

	now := maple.clock()
	e, ok := shard.Load(key, now)
	if !ok || e.Value.IsZero() {
		return kv.Value{}, false, nil
	}
	return e.Value, true, nil
}

// Len returns the number of live entries. Shards are counted one at a time,
// so the result is approximate under concurrent writes.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) Len() int {
	total := 0
	for _, shard := range maple.shards {
		shard.Lock()
		total += shard.LiveCount(maple.clock())
		shard.Unlock()
	}
	return total
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Flush blocks until every mutation accepted so far is durable.
func (maple *DB) Flush(ctx context.Context) error {
	if maple.persister == nil {
		return nil
	}
	return maple.persister.Flush(ctx)
}

// Snapshot writes a snapshot of the database and blocks until it is complete.
func (maple *DB) Snapshot(ctx context.Context) error {
	if maple.persister == nil {
		return nil
	}
	return maple.persister.Snapshot(ctx)
}

// NumShards returns the fixed number of shards.
func (maple *DB) NumShards() int {
	return len(maple.shards)
}

// Position returns the next sequence number that will be assigned to a mutation.
func (maple *DB) Position() uint64 {
	return maple.seq.Load()
}

// CopyShard returns deep copies of the live entries of shard i together with
// the sequence number observed while holding the shard lock. Every mutation of
// the shard with a smaller sequence number is contained in the copy, every
// later one is not.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) CopyShard(i int) ([]kv.Record, uint64) {
	shard := maple.shards[i]
	shard.Lock()
	defer shard.Unlock()
	return shard.Records(maple.clock()), maple.seq.Load()
}

// --------------------------------------------------------------------------
// Garbage Collection
// --------------------------------------------------------------------------

// StartGC starts the garbage collector. It does nothing if the GC is disabled,
// already running or the database is closed. Recovery opens the database with
// DeferGC so that no entry is swept between two replayed operations.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) StartGC() {
	if maple.gcInterval <= 0 || maple.closed.Load() {
		return
	}
	if maple.gcIsRunning.CompareAndSwap(false, true) {
		maple.gcDone.Add(1)
		go maple.garbageCollector()
	}
}

// stopGC stops the garbage collector and waits for it to exit.
// the gc can't be started again after it has been stopped!
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *DB) stopGC() {
	if maple.gcIsRunning.CompareAndSwap(true, false) {
		close(maple.gcStop)
		maple.gcDone.Wait()
	}
}

// garbageCollector is the main garbage collection loop
// WARNING: this method should never be called! to enable GC, use StartGC() and stopGC()
func (maple *DB) garbageCollector() {
	defer maple.gcDone.Done()

	ticker := time.NewTicker(maple.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-maple.gcStop:
			return
		case <-ticker.C:
			maple.collectGarbage()
		}
	}
}

// collectGarbage sweeps every shard once. Each shard is locked separately
// and only for the duration of its own sweep.
func (maple *DB) collectGarbage() int {
	removed := 0
	for _, shard := range maple.shards {
		shard.Lock()
		removed += shard.Sweep(maple.clock())
		shard.Unlock()
	}
	if removed > 0 {
		maple.swept.Add(int64(removed))
		log.Debugf("gc removed %d expired entries", removed)
	}
	return removed
}

// --------------------------------------------------------------------------
// KVDB Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// GetInfo returns statistics about the database
func (maple *DB) GetInfo() db.DatabaseInfo {

	// create a size histogram for the info
	histogram := util.NewSizeHistogram()
	var (
		wg             sync.WaitGroup
		mu             sync.Mutex
		samplesCount   int
		expiredBacklog int
		leases         int
		entries        int
	)
	shardSizes := make([]float64, len(maple.shards))

	// concurrently collect samples from all shards
	wg.Add(len(maple.shards))
	for shardIndex, shard := range maple.shards {
		go func(i int, s *internal.Shard) {
			defer wg.Done()
			count, expiredCount, leaseCount := 0, 0, 0

			s.Lock()
			now := maple.clock()
			size := len(s.Data)
			for key, e := range s.Data {
				if count >= samplesPerShard {
					break
				}
				count++
				histogram.AddSample(len(key) + e.Value.Size())
				if !e.Live(now) {
					expiredCount++
				}
				if e.LeaseValid(now) {
					leaseCount++
				}
			}
			s.Unlock()

			mu.Lock()
			defer mu.Unlock()
			samplesCount += count
			expiredBacklog += expiredCount
			leases += leaseCount
			entries += size
			shardSizes[i] = float64(size)
		}(shardIndex, shard)
	}

	// wait for all shards to finish
	wg.Wait()

	// weighted estimate (60% median, 40% average) plus the per entry overhead
	const entryOverhead = 48
	medianSize := histogram.MedianEstimate() + entryOverhead
	avgSize := histogram.AverageSize() + entryOverhead
	sizeBytes := entries * ((medianSize*60 + avgSize*40) / 100)

	var backlog float64
	if samplesCount > 0 {
		backlog = float64(expiredBacklog) / float64(samplesCount)
	}

	opCounts := make(map[string]int64, len(maple.ops))
	for t := kv.OpSet; t <= kv.OpExtendLock; t++ {
		opCounts[t.String()] = maple.ops[t].Value()
	}

	// Metadata for this specific database implementation
	meta := &struct {
		Position          uint64                 `json:"position" yaml:"position"`
		ShardCount        int                    `json:"shard_count" yaml:"shard_count"`
		ShardDistribution util.DistributionStats `json:"shard_distribution" yaml:"shard_distribution"`
		ExpiredBacklog    float64                `json:"expired_backlog" yaml:"expired_backlog"`
		SampledLeases     int                    `json:"sampled_leases" yaml:"sampled_leases"`
		Gets              int64                  `json:"gets" yaml:"gets"`
		Mutations         map[string]int64       `json:"mutations" yaml:"mutations"`
		Collected         int64                  `json:"collected" yaml:"collected"`
		Persistent        bool                   `json:"persistent" yaml:"persistent"`
		Info              string                 `json:"info" yaml:"info"`
	}{
		Position:          maple.seq.Load(),
		ShardCount:        len(maple.shards),
		ShardDistribution: util.NewDistributionStats(shardSizes),
		ExpiredBacklog:    backlog, // share of sampled entries that are dead but not yet collected
		SampledLeases:     leases,
		Gets:              maple.gets.Value(),
		Mutations:         opCounts,
		Collected:         maple.swept.Value(),
		Persistent:        maple.persister != nil,
		Info:              "All values (including SizeBytes) are estimates and may vary depending on the database state.",
	}

	var supported []db.Feature
	for f := db.FeatureGet; f <= db.FeaturePersistence; f <<= 1 {
		if maple.SupportsFeature(f) {
			supported = append(supported, f)
		}
	}

	return db.DatabaseInfo{
		SizeBytes:         sizeBytes,
		Entries:           entries,
		DbType:            db.ImplMaple,
		SupportedFeatures: supported,
		Metadata:          meta,
	}
}

// SupportsFeature checks if this implementation supports a specific KVDB feature
func (maple *DB) SupportsFeature(feature db.Feature) bool {
	supportedFeatures := db.FeatureGet |
		db.FeatureSet |
		db.FeatureDelete |
		db.FeatureTTL |
		db.FeatureCounter |
		db.FeatureBatch |
		db.FeatureLease
	if maple.gcInterval > 0 {
		supportedFeatures |= db.FeatureGarbageCollect
	}
	if maple.persister != nil {
		supportedFeatures |= db.FeaturePersistence
	}
	return supportedFeatures&feature == feature
}

// Close stops the garbage collector and closes the attached persister,
// which flushes the WAL. Operations called after Close fail with kv.ErrClosed.
func (maple *DB) Close() error {
	if !maple.closed.CompareAndSwap(false, true) {
		return nil
	}
	maple.stopGC()
	if maple.persister != nil {
		return maple.persister.Close()
	}
	return nil
}
