package maple

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db"
	dbtesting "github.com/ValentinKolb/kvcore/lib/db/testing"
	"github.com/ValentinKolb/kvcore/lib/db/util"
	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// recorder is a db.Persister that keeps every submitted op in memory
type recorder struct {
	mu      sync.Mutex
	ops     []*kv.Op
	flushes int
	closed  bool
}

func (r *recorder) Submit(op *kv.Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return nil
}

func (r *recorder) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

func (r *recorder) Snapshot(context.Context) error { return nil }

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) types() []kv.OpType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]kv.OpType, len(r.ops))
	for i, op := range r.ops {
		types[i] = op.Type
	}
	return types
}

func newRecordedDB(t *testing.T, clock *dbtesting.Clock) (*DB, *recorder) {
	t.Helper()
	database, err := NewMapleDB(&DBOptions{NumShards: 8, GCInterval: -1, Clock: clock.Now})
	require.NoError(t, err)
	rec := &recorder{}
	database.Attach(rec)
	t.Cleanup(func() { database.Close() })
	return database, rec
}

func TestNewMapleDBShardCount(t *testing.T) {
	for _, n := range []int{3, 6, 100, -4} {
		_, err := NewMapleDB(&DBOptions{NumShards: n})
		require.Error(t, err, "shard count %d must be rejected", n)
	}

	database, err := NewMapleDB(nil)
	require.NoError(t, err)
	defer database.Close()
	require.Equal(t, DefaultNumShards, database.NumShards())
}

func TestMutationsEmitOneOpEach(t *testing.T) {
	clock := dbtesting.NewClock()
	database, rec := newRecordedDB(t, clock)

	require.NoError(t, database.Set("a", kv.Int(1), 0))
	ok, err := database.SetNX("a", kv.Int(2), 0)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = database.Incr("n", 1)
	require.NoError(t, err)
	_, err = database.Decr("n", 1)
	require.NoError(t, err)
	_, err = database.Incr("a", 1)
	require.NoError(t, err)
	_, err = database.Incr("a", 1<<62)
	require.NoError(t, err)
	_, err = database.Incr("a", 1<<62)
	require.ErrorIs(t, err, kv.ErrOverflow)
	require.NoError(t, database.MSet([]kv.Pair{{Key: "x", Value: kv.Int(1)}, {Key: "y", Value: kv.Int(2)}}, time.Second))
	n, err := database.MDel([]string{"x", "missing"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = database.Lock("l", "o", time.Second)
	require.NoError(t, err)
	_, err = database.ExtendLock("l", "o", time.Second)
	require.NoError(t, err)
	_, err = database.Unlock("l", "o")
	require.NoError(t, err)
	_, err = database.Delete("y")
	require.NoError(t, err)
	_, err = database.Delete("never-existed")
	require.NoError(t, err)

	require.Equal(t, []kv.OpType{
		kv.OpSet, kv.OpIncr, kv.OpDecr, kv.OpIncr, kv.OpIncr,
		kv.OpMSet, kv.OpMDel, kv.OpLock, kv.OpExtendLock, kv.OpUnlock, kv.OpDelete,
	}, rec.types())

	// sequence numbers are dense and increasing
	for i, op := range rec.ops {
		require.Equal(t, uint64(i), op.Seq)
		require.Equal(t, clock.Now(), op.Timestamp)
	}
	require.Equal(t, []string{"x"}, rec.ops[6].Keys)
	require.Equal(t, uint64(len(rec.ops)), database.Position())
}

func TestClearEmitsPerShard(t *testing.T) {
	clock := dbtesting.NewClock()
	database, rec := newRecordedDB(t, clock)

	for i := 0; i < 100; i++ {
		require.NoError(t, database.Set(fmt.Sprintf("k%d", i), kv.Int(int64(i)), 0))
	}
	rec.ops = nil

	require.NoError(t, database.Clear())
	require.Zero(t, database.Len())

	total := 0
	for _, op := range rec.ops {
		require.Equal(t, kv.OpMDel, op.Type)
		total += len(op.Keys)
	}
	require.Equal(t, 100, total)
	require.LessOrEqual(t, len(rec.ops), database.NumShards())
}

func TestReplayRestoresState(t *testing.T) {
	clock := dbtesting.NewClock()
	source, rec := newRecordedDB(t, clock)

	require.NoError(t, source.Set("a", kv.String("x"), time.Hour))
	require.NoError(t, source.MSet([]kv.Pair{{Key: "b", Value: kv.Int(1)}, {Key: "c", Value: kv.Int(2)}}, 0))
	_, err := source.Incr("b", 41)
	require.NoError(t, err)
	_, err = source.MDel([]string{"c"})
	require.NoError(t, err)
	_, err = source.Lock("r", "owner_1", time.Minute)
	require.NoError(t, err)
	_, err = source.SetNX("d", kv.Float(0.5), 0)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = source.ExtendLock("r", "owner_1", time.Minute)
	require.NoError(t, err)

	target, err := NewMapleDB(&DBOptions{NumShards: 4, GCInterval: -1, Clock: clock.Now})
	require.NoError(t, err)
	defer target.Close()
	for _, op := range rec.ops {
		require.NoError(t, target.Apply(op))
	}

	require.Equal(t, source.Position(), target.Position())
	for _, key := range []string{"a", "b", "c", "d"} {
		want, wantOK, _ := source.Get(key)
		got, gotOK, _ := target.Get(key)
		require.Equal(t, wantOK, gotOK, key)
		require.True(t, want.Equal(got), "%s: want %s, got %s", key, want, got)
	}

	ok, err := target.Lock("r", "owner_2", time.Second)
	require.NoError(t, err)
	require.False(t, ok, "replayed lease must still be held")

	// the replayed lease expires one minute after the extension
	clock.Advance(time.Minute)
	ok, err = target.Lock("r", "owner_2", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCopyShardAndImport(t *testing.T) {
	clock := dbtesting.NewClock()
	source, _ := newRecordedDB(t, clock)

	for i := 0; i < 64; i++ {
		require.NoError(t, source.Set(fmt.Sprintf("k%d", i), kv.Int(int64(i)), 0))
	}
	require.NoError(t, source.Set("short", kv.Int(1), time.Second))
	_, err := source.Lock("lease-only", "o", time.Hour)
	require.NoError(t, err)
	clock.Advance(time.Second) // "short" is dead now

	target, err := NewMapleDB(&DBOptions{NumShards: 32, GCInterval: -1, Clock: clock.Now})
	require.NoError(t, err)
	defer target.Close()

	total := 0
	for i := 0; i < source.NumShards(); i++ {
		records, pos := source.CopyShard(i)
		require.Equal(t, source.Position(), pos)
		for _, r := range records {
			require.Equal(t, i, util.ShardIndex(r.Key, source.NumShards()))
			target.Import(r)
		}
		total += len(records)
	}
	require.Equal(t, 65, total)
	require.Equal(t, 65, target.Len())

	v, ok, err := target.Get("k7")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, v.Equal(kv.Int(7)))

	ok, err = target.Lock("lease-only", "other", time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCopyShardPositionSplitsConcurrentWriters(t *testing.T) {
	clock := dbtesting.NewClock()
	database, rec := newRecordedDB(t, clock)

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				if _, err := database.Incr(fmt.Sprintf("c%d", i%32), 1); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// copy while writers run; every shard copy must equal the replay of all its ops below the stamp
	copies := make([][]kv.Record, database.NumShards())
	stamps := make([]uint64, database.NumShards())
	for i := range copies {
		copies[i], stamps[i] = database.CopyShard(i)
	}
	require.NoError(t, g.Wait())

	for i := range copies {
		want := map[string]int64{}
		for _, op := range rec.ops {
			if op.Seq < stamps[i] && util.ShardIndex(op.Key, database.NumShards()) == i {
				want[op.Key] += op.Delta
			}
		}
		got := map[string]int64{}
		for _, r := range copies[i] {
			got[r.Key], _ = r.Entry.Value.AsInt()
		}
		require.Equal(t, want, got, "shard %d", i)
	}
}

func TestGarbageCollector(t *testing.T) {
	clock := dbtesting.NewClock()
	database, err := NewMapleDB(&DBOptions{NumShards: 4, GCInterval: -1, Clock: clock.Now})
	require.NoError(t, err)
	defer database.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, database.Set(fmt.Sprintf("t%d", i), kv.Int(1), time.Second))
		require.NoError(t, database.Set(fmt.Sprintf("p%d", i), kv.Int(1), 0))
	}
	_, err = database.Lock("p0", "o", time.Second)
	require.NoError(t, err)

	require.Zero(t, database.collectGarbage())
	require.Equal(t, 100, database.Len())

	clock.Advance(time.Second)
	require.Equal(t, 50, database.collectGarbage())
	require.Equal(t, 50, database.Len())

	// an expired lease on a permanent value does not remove the value
	v, ok, err := database.Get("p0")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, v.Equal(kv.Int(1)))
}

func TestGarbageCollectorRunsInBackground(t *testing.T) {
	clock := dbtesting.NewClock()
	database, err := NewMapleDB(&DBOptions{NumShards: 4, GCInterval: 5 * time.Millisecond, Clock: clock.Now})
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.Set("t", kv.Int(1), time.Second))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return database.swept.Value() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDeferredGC(t *testing.T) {
	clock := dbtesting.NewClock()
	database, err := NewMapleDB(&DBOptions{NumShards: 4, GCInterval: 5 * time.Millisecond, DeferGC: true, Clock: clock.Now})
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.Set("t", kv.Int(1), time.Second))
	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	require.False(t, database.gcIsRunning.Load())
	require.Zero(t, database.swept.Value())

	database.StartGC()
	database.StartGC()
	require.Eventually(t, func() bool { return database.swept.Value() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStartGCAfterCloseOrDisabled(t *testing.T) {
	disabled, err := NewMapleDB(&DBOptions{NumShards: 4, GCInterval: -1})
	require.NoError(t, err)
	disabled.StartGC()
	require.False(t, disabled.gcIsRunning.Load())
	require.NoError(t, disabled.Close())

	closed, err := NewMapleDB(&DBOptions{NumShards: 4, DeferGC: true})
	require.NoError(t, err)
	require.NoError(t, closed.Close())
	closed.StartGC()
	require.False(t, closed.gcIsRunning.Load())
}

func TestLenSkipsExpiredEntries(t *testing.T) {
	clock := dbtesting.NewClock()
	database, err := NewMapleDB(&DBOptions{NumShards: 4, GCInterval: -1, Clock: clock.Now})
	require.NoError(t, err)
	defer database.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, database.Set(fmt.Sprintf("t%d", i), kv.Int(1), time.Second))
	}
	require.NoError(t, database.Set("p", kv.Int(1), 0))
	_, err = database.Lock("l", "o", 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, 5, database.Len())

	clock.Advance(2 * time.Second)
	require.Equal(t, 2, database.Len())

	clock.Advance(2 * time.Second)
	require.Equal(t, 1, database.Len())
	require.Equal(t, 4, database.collectGarbage())
	require.Equal(t, 1, database.Len())
}

func TestImportKeepsExpiredRecordsForReplay(t *testing.T) {
	clock := dbtesting.NewClock()
	start := clock.Now()
	target, err := NewMapleDB(&DBOptions{NumShards: 4, GCInterval: -1, Clock: clock.Now})
	require.NoError(t, err)
	defer target.Close()

	// snapshot record of a counter that expires one second after start
	clock.Advance(10 * time.Second)
	target.Import(kv.Record{Key: "c", Entry: kv.Entry{Value: kv.Int(5), ExpiresAt: start.Add(time.Second)}})

	// an increment logged before the expiry keeps the deadline
	require.NoError(t, target.Apply(&kv.Op{Type: kv.OpIncr, Seq: 1, Timestamp: start.Add(500 * time.Millisecond), Key: "c", Delta: 1}))
	require.Equal(t, 0, target.Len())

	_, ok, err := target.Get("c")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, target.collectGarbage())

	target.Import(kv.Record{Key: "d", Entry: kv.Entry{Value: kv.Int(1), ExpiresAt: start.Add(time.Second)}})
	require.Equal(t, 1, target.collectGarbage())
}

func TestGetInfo(t *testing.T) {
	clock := dbtesting.NewClock()
	database, _ := newRecordedDB(t, clock)

	for i := 0; i < 200; i++ {
		require.NoError(t, database.Set(fmt.Sprintf("k%d", i), kv.String("value"), 0))
	}

	info := database.GetInfo()
	require.Equal(t, db.ImplMaple, info.DbType)
	require.Equal(t, 200, info.Entries)
	require.Greater(t, info.SizeBytes, 0)
	require.Contains(t, info.SupportedFeatures, db.FeaturePersistence)
	require.NotContains(t, info.SupportedFeatures, db.FeatureGarbageCollect)
	require.True(t, database.SupportsFeature(db.FeatureLease|db.FeatureBatch))
}

func TestCloseClosesPersister(t *testing.T) {
	clock := dbtesting.NewClock()
	database, rec := newRecordedDB(t, clock)

	require.NoError(t, database.Flush(context.Background()))
	require.NoError(t, database.Close())
	require.Equal(t, 1, rec.flushes)
	require.True(t, rec.closed)
}
