package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db"
	dbtesting "github.com/ValentinKolb/kvcore/lib/db/testing"
	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/ValentinKolb/kvcore/lib/persistence"
	"github.com/ValentinKolb/kvcore/lib/snapshot"
	"github.com/ValentinKolb/kvcore/lib/wal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testConfig(dir string, clock *dbtesting.Clock) *Config {
	conf := DefaultConfig(dir)
	conf.Engine.NumShards = 16
	conf.Engine.Clock = clock.Now
	conf.Persistence.TickInterval = 5 * time.Millisecond
	return conf
}

func open(t *testing.T, conf *Config) *Store {
	t.Helper()
	s, err := Open(conf)
	require.NoError(t, err)
	return s
}

func requireValue(t *testing.T, s *Store, key string, want kv.Value) {
	t.Helper()
	got, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "%s is missing", key)
	require.True(t, want.Equal(got), "%s: want %s, got %s", key, want, got)
}

func TestStoreKVDB(t *testing.T) {
	dbtesting.RunKVDBTests(t, "Store", func(t testing.TB, clock func() time.Time) db.KVDB {
		conf := DefaultConfig(t.TempDir())
		conf.Engine.NumShards = 16
		conf.Engine.Clock = clock
		s, err := Open(conf)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		return s
	})
}

func TestInMemoryStore(t *testing.T) {
	s := open(t, DefaultConfig(""))
	defer s.Close()

	require.NoError(t, s.Set("a", kv.Int(1), 0))
	require.Nil(t, s.RecoveryStats())
	require.Nil(t, s.Persistence())
	require.False(t, s.SupportsFeature(db.FeaturePersistence))
	require.NoError(t, s.Flush(context.Background()))
}

func TestBasicPersistence(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()

	s := open(t, testConfig(dir, clock))
	require.NoError(t, s.Set("a", kv.Int(1), 0))
	require.NoError(t, s.Set("b", kv.String("x"), 0))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Close())

	s = open(t, testConfig(dir, clock))
	defer s.Close()
	requireValue(t, s, "a", kv.Int(1))
	requireValue(t, s, "b", kv.String("x"))
	require.Equal(t, 2, s.RecoveryStats().WALEntriesReplayed)
}

func TestWALReplayOverSnapshot(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()
	conf := testConfig(dir, clock)
	conf.Persistence.SnapshotOps = 50

	s := open(t, conf)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("k_%d", i), kv.Int(int64(i)), 0))
	}
	require.NoError(t, s.Snapshot(context.Background()))
	for i := 100; i < 150; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("k_%d", i), kv.Int(int64(i)), 0))
	}
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Close())

	s = open(t, conf)
	defer s.Close()
	for i := 0; i < 150; i++ {
		requireValue(t, s, fmt.Sprintf("k_%d", i), kv.Int(int64(i)))
	}
	stats := s.RecoveryStats()
	require.True(t, stats.SnapshotLoaded)
	require.GreaterOrEqual(t, stats.SnapshotEntries, 50)
	require.Equal(t, 150, s.Len())
}

func TestBatchOperationsThroughRecovery(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()

	s := open(t, testConfig(dir, clock))
	pairs := make([]kv.Pair, 0, 50)
	keys := make([]string, 0, 25)
	for i := 1; i <= 50; i++ {
		pairs = append(pairs, kv.Pair{Key: fmt.Sprintf("k%d", i), Value: kv.String(fmt.Sprintf("v%d", i))})
		if i <= 25 {
			keys = append(keys, fmt.Sprintf("k%d", i))
		}
	}
	require.NoError(t, s.MSet(pairs, 0))
	n, err := s.MDel(keys)
	require.NoError(t, err)
	require.Equal(t, 25, n)
	require.NoError(t, s.Close())

	s = open(t, testConfig(dir, clock))
	defer s.Close()
	for i := 1; i <= 50; i++ {
		_, ok, err := s.Get(fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.Equal(t, i > 25, ok, "k%d", i)
	}
}

func TestLeaseSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()

	s := open(t, testConfig(dir, clock))
	ok, err := s.Lock("r", "owner_1", 60*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	s = open(t, testConfig(dir, clock))
	defer s.Close()
	ok, err = s.Lock("r", "owner_2", 60*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.ExtendLock("r", "owner_1", 60*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConcurrentIncrements(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()
	conf := testConfig(dir, clock)
	conf.Persistence.Overflow = persistence.OverflowBlock

	s := open(t, conf)
	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 10_000; i++ {
				if _, err := s.Incr("c", 1); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	requireValue(t, s, "c", kv.Int(40_000))
	require.NoError(t, s.Close())

	s = open(t, conf)
	defer s.Close()
	requireValue(t, s, "c", kv.Int(40_000))
}

func TestIncrementsExactWithConcurrentSnapshots(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()
	conf := testConfig(dir, clock)
	conf.Persistence.Overflow = persistence.OverflowBlock

	s := open(t, conf)
	ctx, cancel := context.WithCancel(context.Background())
	snapshots := make(chan error, 1)
	go func() {
		for {
			if err := s.Snapshot(context.Background()); err != nil {
				snapshots <- err
				return
			}
			if ctx.Err() != nil {
				snapshots <- nil
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 2_000; i++ {
				if _, err := s.Incr(fmt.Sprintf("c%d", i%16), 1); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	cancel()
	require.NoError(t, <-snapshots)
	require.NoError(t, s.Close())

	s = open(t, conf)
	defer s.Close()
	require.True(t, s.RecoveryStats().SnapshotLoaded)
	for i := 0; i < 16; i++ {
		requireValue(t, s, fmt.Sprintf("c%d", i), kv.Int(500))
	}
}

func TestCRCDetection(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()

	s := open(t, testConfig(dir, clock))
	require.NoError(t, s.Set("a", kv.Int(1), 0))
	require.NoError(t, s.Close())

	segments, err := wal.ListSegments(dir)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	data, err := os.ReadFile(segments[0].Path)
	require.NoError(t, err)
	data[wal.HeaderSize+4+9+5] ^= 0x01
	require.NoError(t, os.WriteFile(segments[0].Path, data, 0o644))

	s = open(t, testConfig(dir, clock))
	defer s.Close()
	require.Equal(t, 1, s.RecoveryStats().CorruptedEntries)
	_, ok, err := s.Get("a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTTLSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()

	s := open(t, testConfig(dir, clock))
	require.NoError(t, s.Set("short", kv.Int(1), time.Minute))
	require.NoError(t, s.Close())

	clock.Advance(30 * time.Second)
	s = open(t, testConfig(dir, clock))
	requireValue(t, s, "short", kv.Int(1))
	require.NoError(t, s.Close())

	clock.Advance(30 * time.Second)
	s = open(t, testConfig(dir, clock))
	defer s.Close()
	_, ok, err := s.Get("short")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExpiredCounterStaysExpiredAfterRestart(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()

	s := open(t, testConfig(dir, clock))
	require.NoError(t, s.Set("c", kv.Int(5), time.Second))
	require.NoError(t, s.Snapshot(context.Background()))
	clock.Advance(500 * time.Millisecond)
	n, err := s.Incr("c", 1)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)
	require.NoError(t, s.Close())

	// still before the deadline: the increment is replayed on top of the snapshot
	clock.Advance(200 * time.Millisecond)
	s = open(t, testConfig(dir, clock))
	requireValue(t, s, "c", kv.Int(6))
	require.NoError(t, s.Close())

	clock.Advance(10 * time.Second)
	s = open(t, testConfig(dir, clock))
	defer s.Close()
	stats := s.RecoveryStats()
	require.True(t, stats.SnapshotLoaded)
	require.Equal(t, 1, stats.SnapshotEntries)
	require.Equal(t, 1, stats.WALEntriesReplayed)
	_, ok, err := s.Get("c")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, s.Len())
}

func TestGCStartsAfterRecovery(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()
	conf := testConfig(dir, clock)
	conf.Engine.GCInterval = time.Millisecond

	s := open(t, conf)
	require.True(t, s.SupportsFeature(db.FeatureGarbageCollect))
	require.NoError(t, s.Set("t", kv.Int(1), time.Second))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return s.GetInfo().Entries == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())

	mem := open(t, DefaultConfig(""))
	defer mem.Close()
	require.True(t, mem.SupportsFeature(db.FeatureGarbageCollect))
}

func TestSnapshotOnCloseAndPrune(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()
	conf := testConfig(dir, clock)
	conf.SnapshotOnClose = true
	conf.SnapshotRetain = 1

	for round := 0; round < 3; round++ {
		s := open(t, conf)
		require.NoError(t, s.Set(fmt.Sprintf("round%d", round), kv.Int(int64(round)), 0))
		require.NoError(t, s.Close())
		clock.Advance(time.Second)
	}

	snapshots, err := snapshot.List(dir)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	s := open(t, conf)
	defer s.Close()
	require.True(t, s.RecoveryStats().SnapshotLoaded)
	require.Zero(t, s.RecoveryStats().WALEntriesReplayed)
	for round := 0; round < 3; round++ {
		requireValue(t, s, fmt.Sprintf("round%d", round), kv.Int(int64(round)))
	}
}

func TestDirectoryInUse(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()

	s := open(t, testConfig(dir, clock))
	_, err := Open(testConfig(filepath.Join(dir, "."), clock))
	require.ErrorIs(t, err, ErrDirInUse)
	require.NoError(t, s.Close())

	s = open(t, testConfig(dir, clock))
	require.NoError(t, s.Close())
}

func TestMetrics(t *testing.T) {
	s := open(t, testConfig(t.TempDir(), dbtesting.NewClock()))
	defer s.Close()

	require.NoError(t, s.Set("a", kv.Int(1), 0))
	require.NoError(t, s.Flush(context.Background()))

	var buf bytes.Buffer
	s.WritePrometheus(&buf)
	require.Contains(t, buf.String(), "kvcore_wal_appended_records_total 1")
}
