package testing

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db"
	"github.com/ValentinKolb/kvcore/lib/kv"
	"golang.org/x/sync/errgroup"
)

// DBFactory creates a new instance of a KVDB implementation that reads time from clock.
type DBFactory func(t testing.TB, clock func() time.Time) db.KVDB

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0)}
}

// Now returns the current instant of the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		tests := []struct {
			name string
			fn   func(t *testing.T, database db.KVDB, clock *Clock)
		}{
			{"Set&Get", testSetGet},
			{"KeyValidation", testKeyValidation},
			{"TTL", testTTL},
			{"SetNX", testSetNX},
			{"Delete", testDelete},
			{"IncrDecr", testIncrDecr},
			{"ConcurrentIncr", testConcurrentIncr},
			{"MSet&MDel", testMSetMDel},
			{"Lease", testLease},
			{"LeaseExpiry", testLeaseExpiry},
			{"Clear&Len", testClearLen},
			{"Closed", testClosed},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				clock := NewClock()
				database := factory(t, clock.Now)
				defer database.Close()
				tt.fn(t, database, clock)
			})
		}
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skipf("feature %s not supported", feature)
	}
}

func mustGet(t *testing.T, database db.KVDB, key string) (kv.Value, bool) {
	t.Helper()
	v, ok, err := database.Get(key)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	return v, ok
}

func expectValue(t *testing.T, database db.KVDB, key string, want kv.Value) {
	t.Helper()
	got, ok := mustGet(t, database, key)
	if !ok {
		t.Errorf("Expected key %q to hold %s, but it is absent", key, want)
		return
	}
	if !got.Equal(want) {
		t.Errorf("Expected key %q to hold %s, got %s", key, want, got)
	}
}

func expectAbsent(t *testing.T, database db.KVDB, key string) {
	t.Helper()
	if got, ok := mustGet(t, database, key); ok {
		t.Errorf("Expected key %q to be absent, got %s", key, got)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB, _ *Clock) {
	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	values := map[string]kv.Value{
		"int":     kv.Int(-42),
		"float":   kv.Float(3.25),
		"decimal": kv.Decimal("10.0500"),
		"string":  kv.String("hello"),
		"bytes":   kv.Bytes([]byte{0, 1, 2, 255}),
	}
	for k, v := range values {
		if err := database.Set(k, v, 0); err != nil {
			t.Fatalf("Set(%q) failed: %v", k, err)
		}
	}
	for k, v := range values {
		expectValue(t, database, k, v)
	}

	// overwrite with a different type
	if err := database.Set("int", kv.String("now a string"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	expectValue(t, database, "int", kv.String("now a string"))

	expectAbsent(t, database, "nonexistent-key")

	// returned bytes must be a copy
	v, _ := mustGet(t, database, "bytes")
	b, _ := v.AsBytes()
	b[0] = 'X'
	expectValue(t, database, "bytes", values["bytes"])
}

func testKeyValidation(t *testing.T, database db.KVDB, _ *Clock) {
	maxKey := strings.Repeat("k", kv.MaxKeyLen)
	if err := database.Set(maxKey, kv.Int(1), 0); err != nil {
		t.Errorf("Key of length %d should be accepted: %v", kv.MaxKeyLen, err)
	}

	invalid := []string{"", strings.Repeat("k", kv.MaxKeyLen+1), "a\x00b"}
	for _, key := range invalid {
		if err := database.Set(key, kv.Int(1), 0); !errors.Is(err, kv.ErrInvalidKey) {
			t.Errorf("Set(%q) should fail with ErrInvalidKey, got %v", key, err)
		}
		if _, _, err := database.Get(key); !errors.Is(err, kv.ErrInvalidKey) {
			t.Errorf("Get(%q) should fail with ErrInvalidKey, got %v", key, err)
		}
		if _, err := database.Incr(key, 1); !errors.Is(err, kv.ErrInvalidKey) {
			t.Errorf("Incr(%q) should fail with ErrInvalidKey, got %v", key, err)
		}
		if _, err := database.Lock(key, "o", time.Second); !errors.Is(err, kv.ErrInvalidKey) {
			t.Errorf("Lock(%q) should fail with ErrInvalidKey, got %v", key, err)
		}
	}

	// one invalid key rejects the whole batch without modifying state
	err := database.MSet([]kv.Pair{{Key: "valid", Value: kv.Int(1)}, {Key: "", Value: kv.Int(2)}}, 0)
	if !errors.Is(err, kv.ErrInvalidKey) {
		t.Errorf("MSet with an empty key should fail with ErrInvalidKey, got %v", err)
	}
	expectAbsent(t, database, "valid")

	if database.Len() != 1 {
		t.Errorf("Expected 1 entry after rejected operations, got %d", database.Len())
	}
}

func testTTL(t *testing.T, database db.KVDB, clock *Clock) {
	requireFeature(t, database, db.FeatureTTL)

	if err := database.Set("session", kv.String("data"), 10*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := database.Set("forever", kv.String("data"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	clock.Advance(10*time.Second - time.Nanosecond)
	expectValue(t, database, "session", kv.String("data"))

	// absent at exactly t + ttl
	clock.Advance(time.Nanosecond)
	expectAbsent(t, database, "session")
	expectValue(t, database, "forever", kv.String("data"))

	// a new Set without ttl clears the expiry
	if err := database.Set("session", kv.Int(1), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := database.Set("session", kv.Int(2), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	clock.Advance(time.Hour)
	expectValue(t, database, "session", kv.Int(2))

	if err := database.Set("neg", kv.Int(1), -time.Second); !errors.Is(err, kv.ErrInvalidTTL) {
		t.Errorf("Negative ttl should fail with ErrInvalidTTL, got %v", err)
	}
}

func testSetNX(t *testing.T, database db.KVDB, clock *Clock) {
	ok, err := database.SetNX("k", kv.Int(1), time.Second)
	if err != nil || !ok {
		t.Fatalf("SetNX on absent key should succeed, got %v, %v", ok, err)
	}

	ok, err = database.SetNX("k", kv.Int(2), 0)
	if err != nil || ok {
		t.Errorf("SetNX on present key should return false, got %v, %v", ok, err)
	}
	expectValue(t, database, "k", kv.Int(1))

	// an expired entry counts as absent
	clock.Advance(time.Second)
	ok, err = database.SetNX("k", kv.Int(3), 0)
	if err != nil || !ok {
		t.Errorf("SetNX on expired key should succeed, got %v, %v", ok, err)
	}
	expectValue(t, database, "k", kv.Int(3))
}

func testDelete(t *testing.T, database db.KVDB, clock *Clock) {
	requireFeature(t, database, db.FeatureDelete)

	if err := database.Set("k", kv.String("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ok, err := database.Delete("k"); err != nil || !ok {
		t.Errorf("Delete of present key should return true, got %v, %v", ok, err)
	}
	expectAbsent(t, database, "k")

	if ok, err := database.Delete("k"); err != nil || ok {
		t.Errorf("Delete of absent key should return false, got %v, %v", ok, err)
	}

	if err := database.Set("ttl", kv.String("v"), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	clock.Advance(2 * time.Second)
	if ok, err := database.Delete("ttl"); err != nil || ok {
		t.Errorf("Delete of expired key should return false, got %v, %v", ok, err)
	}
}

func testIncrDecr(t *testing.T, database db.KVDB, clock *Clock) {
	requireFeature(t, database, db.FeatureCounter)

	if n, err := database.Incr("c", 5); err != nil || n != 5 {
		t.Errorf("Incr on absent key should return 5, got %d, %v", n, err)
	}
	if n, err := database.Incr("c", -2); err != nil || n != 3 {
		t.Errorf("Incr(-2) should return 3, got %d, %v", n, err)
	}
	if n, err := database.Decr("c", 10); err != nil || n != -7 {
		t.Errorf("Decr(10) should return -7, got %d, %v", n, err)
	}
	if n, err := database.Decr("d", 4); err != nil || n != -4 {
		t.Errorf("Decr on absent key should return -4, got %d, %v", n, err)
	}
	expectValue(t, database, "c", kv.Int(-7))

	// type mismatch leaves the value untouched
	if err := database.Set("s", kv.String("x"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := database.Incr("s", 1); !errors.Is(err, kv.ErrTypeMismatch) {
		t.Errorf("Incr on String should fail with ErrTypeMismatch, got %v", err)
	}
	expectValue(t, database, "s", kv.String("x"))

	// overflow leaves the value untouched
	if err := database.Set("max", kv.Int(math.MaxInt64), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := database.Incr("max", 1); !errors.Is(err, kv.ErrOverflow) {
		t.Errorf("Incr past MaxInt64 should fail with ErrOverflow, got %v", err)
	}
	expectValue(t, database, "max", kv.Int(math.MaxInt64))
	if _, err := database.Decr("zero", math.MinInt64); !errors.Is(err, kv.ErrOverflow) {
		t.Errorf("Decr(MinInt64) on absent key should fail with ErrOverflow, got %v", err)
	}
	if n, err := database.Decr("minus-one", 1); err != nil || n != -1 {
		t.Fatalf("Decr failed: %d, %v", n, err)
	}
	if n, err := database.Decr("minus-one", math.MinInt64); err != nil || n != math.MaxInt64 {
		t.Errorf("-1 - MinInt64 should be MaxInt64, got %d, %v", n, err)
	}

	// the counter keeps its ttl, and expires into an absent key
	if err := database.Set("t", kv.Int(10), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if n, err := database.Incr("t", 1); err != nil || n != 11 {
		t.Errorf("Incr should return 11, got %d, %v", n, err)
	}
	clock.Advance(time.Second)
	expectAbsent(t, database, "t")
	if n, err := database.Incr("t", 1); err != nil || n != 1 {
		t.Errorf("Incr on expired key should start from 0, got %d, %v", n, err)
	}
}

func testConcurrentIncr(t *testing.T, database db.KVDB, _ *Clock) {
	requireFeature(t, database, db.FeatureCounter)

	const (
		workers = 4
		perWork = 10000
	)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWork; i++ {
				if _, err := database.Incr("c", 1); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Incr failed: %v", err)
	}

	expectValue(t, database, "c", kv.Int(workers*perWork))
}

func testMSetMDel(t *testing.T, database db.KVDB, _ *Clock) {
	requireFeature(t, database, db.FeatureBatch)

	pairs := make([]kv.Pair, 0, 50)
	for i := 1; i <= 50; i++ {
		pairs = append(pairs, kv.Pair{Key: fmt.Sprintf("k%d", i), Value: kv.String(fmt.Sprintf("v%d", i))})
	}
	if err := database.MSet(pairs, 0); err != nil {
		t.Fatalf("MSet failed: %v", err)
	}

	keys := make([]string, 0, 26)
	for i := 1; i <= 25; i++ {
		keys = append(keys, fmt.Sprintf("k%d", i))
	}
	keys = append(keys, "missing")

	n, err := database.MDel(keys)
	if err != nil {
		t.Fatalf("MDel failed: %v", err)
	}
	if n != 25 {
		t.Errorf("MDel should report 25 removed keys, got %d", n)
	}

	for i := 1; i <= 50; i++ {
		key := fmt.Sprintf("k%d", i)
		if i <= 25 {
			expectAbsent(t, database, key)
		} else {
			expectValue(t, database, key, kv.String(fmt.Sprintf("v%d", i)))
		}
	}

	// later pairs win
	err = database.MSet([]kv.Pair{{Key: "dup", Value: kv.Int(1)}, {Key: "dup", Value: kv.Int(2)}}, 0)
	if err != nil {
		t.Fatalf("MSet failed: %v", err)
	}
	expectValue(t, database, "dup", kv.Int(2))

	// the same key twice is only removed once
	if n, err := database.MDel([]string{"dup", "dup"}); err != nil || n != 1 {
		t.Errorf("MDel of a duplicated key should report 1, got %d, %v", n, err)
	}

	// concurrent overlapping batches must not deadlock
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				batch := []kv.Pair{
					{Key: fmt.Sprintf("x%d", (i+w)%16), Value: kv.Int(int64(i))},
					{Key: fmt.Sprintf("x%d", (i*7+w)%16), Value: kv.Int(int64(i))},
					{Key: fmt.Sprintf("x%d", (i*3)%16), Value: kv.Int(int64(i))},
				}
				if err := database.MSet(batch, 0); err != nil {
					return err
				}
				if _, err := database.MDel([]string{batch[2].Key, batch[0].Key}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent batches failed: %v", err)
	}
}

func testLease(t *testing.T, database db.KVDB, _ *Clock) {
	requireFeature(t, database, db.FeatureLease)

	if ok, err := database.Lock("r", "owner_1", time.Minute); err != nil || !ok {
		t.Fatalf("Lock on free key should succeed, got %v, %v", ok, err)
	}
	if ok, err := database.Lock("r", "owner_2", time.Minute); err != nil || ok {
		t.Errorf("Lock held by another owner should return false, got %v, %v", ok, err)
	}
	if ok, err := database.Lock("r", "owner_1", time.Minute); err != nil || !ok {
		t.Errorf("Lock by the same owner should renew, got %v, %v", ok, err)
	}

	// a lease alone is not a value
	expectAbsent(t, database, "r")

	if _, err := database.Unlock("r", "owner_2"); !errors.Is(err, kv.ErrNotOwner) {
		t.Errorf("Unlock by another owner should fail with ErrNotOwner, got %v", err)
	}
	if _, err := database.ExtendLock("r", "owner_2", time.Minute); !errors.Is(err, kv.ErrNotOwner) {
		t.Errorf("ExtendLock by another owner should fail with ErrNotOwner, got %v", err)
	}
	if ok, err := database.ExtendLock("r", "owner_1", time.Minute); err != nil || !ok {
		t.Errorf("ExtendLock by the owner should succeed, got %v, %v", ok, err)
	}
	if ok, err := database.Unlock("r", "owner_1"); err != nil || !ok {
		t.Errorf("Unlock by the owner should succeed, got %v, %v", ok, err)
	}
	if ok, err := database.Unlock("r", "owner_1"); err != nil || ok {
		t.Errorf("Unlock of a free key should return false, got %v, %v", ok, err)
	}
	if ok, err := database.ExtendLock("r", "owner_1", time.Minute); err != nil || ok {
		t.Errorf("ExtendLock of a free key should return false, got %v, %v", ok, err)
	}
	if ok, err := database.Lock("r", "owner_2", time.Minute); err != nil || !ok {
		t.Errorf("Lock after Unlock should succeed, got %v, %v", ok, err)
	}

	// values and leases live side by side
	if err := database.Set("job", kv.Int(1), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ok, _ := database.Lock("job", "w1", time.Minute); !ok {
		t.Fatal("Lock on key with value should succeed")
	}
	if err := database.Set("job", kv.Int(2), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ok, _ := database.Lock("job", "w2", time.Minute); ok {
		t.Error("Set must keep the lease")
	}
	expectValue(t, database, "job", kv.Int(2))
	if ok, _ := database.Delete("job"); !ok {
		t.Error("Delete should remove the value")
	}
	if ok, _ := database.Lock("job", "w2", time.Minute); !ok {
		t.Error("Delete should remove the lease")
	}

	if _, err := database.Lock("z", "o", 0); !errors.Is(err, kv.ErrInvalidTTL) {
		t.Errorf("Lock without duration should fail with ErrInvalidTTL, got %v", err)
	}
}

func testLeaseExpiry(t *testing.T, database db.KVDB, clock *Clock) {
	requireFeature(t, database, db.FeatureLease)

	if ok, _ := database.Lock("r", "a", 10*time.Second); !ok {
		t.Fatal("Lock should succeed")
	}

	clock.Advance(10*time.Second - time.Nanosecond)
	if ok, _ := database.Lock("r", "b", time.Second); ok {
		t.Error("Lease must be valid until its expiry")
	}

	clock.Advance(time.Nanosecond)
	if ok, err := database.ExtendLock("r", "a", time.Second); err != nil || ok {
		t.Errorf("ExtendLock of expired lease should return false, got %v, %v", ok, err)
	}
	if ok, err := database.Unlock("r", "a"); err != nil || ok {
		t.Errorf("Unlock of expired lease should return false, got %v, %v", ok, err)
	}
	if ok, _ := database.Lock("r", "b", time.Second); !ok {
		t.Error("Lock of expired lease should succeed")
	}
}

func testClearLen(t *testing.T, database db.KVDB, clock *Clock) {
	for i := 0; i < 100; i++ {
		if err := database.Set(fmt.Sprintf("k%d", i), kv.Int(int64(i)), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	if n := database.Len(); n != 100 {
		t.Errorf("Expected 100 entries, got %d", n)
	}

	if err := database.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n := database.Len(); n != 0 {
		t.Errorf("Expected 0 entries after Clear, got %d", n)
	}
	expectAbsent(t, database, "k1")

	// still usable after Clear
	if err := database.Set("k1", kv.Int(1), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	expectValue(t, database, "k1", kv.Int(1))

	// expired entries are not counted, whether collected or not
	for i := 0; i < 3; i++ {
		if err := database.Set(fmt.Sprintf("t%d", i), kv.Int(1), time.Second); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	if n := database.Len(); n != 4 {
		t.Errorf("Expected 4 entries, got %d", n)
	}
	clock.Advance(2 * time.Second)
	if n := database.Len(); n != 1 {
		t.Errorf("Expected 1 entry after the TTL passed, got %d", n)
	}
}

func testClosed(t *testing.T, database db.KVDB, _ *Clock) {
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := database.Set("k", kv.Int(1), 0); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Set after Close should fail with ErrClosed, got %v", err)
	}
	if _, _, err := database.Get("k"); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Get after Close should fail with ErrClosed, got %v", err)
	}
	if err := database.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}
