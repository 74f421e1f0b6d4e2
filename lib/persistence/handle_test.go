package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db/engines/maple"
	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/ValentinKolb/kvcore/lib/snapshot"
	"github.com/ValentinKolb/kvcore/lib/wal"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir    string
	db     *maple.DB
	handle *Handle
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()

	database, err := maple.NewMapleDB(&maple.DBOptions{NumShards: 8, GCInterval: -1})
	require.NoError(t, err)

	writer, err := wal.OpenWriter(wal.DefaultOptions(dir), nil)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.TickInterval = 5 * time.Millisecond
	opts.Snapshot = snapshot.DefaultOptions(dir)
	if mutate != nil {
		mutate(opts)
	}
	handle := Start(writer, database, opts)
	database.Attach(handle)
	t.Cleanup(func() { database.Close() })

	return &fixture{dir: dir, db: database, handle: handle}
}

func readWAL(t *testing.T, dir string) []*kv.Op {
	t.Helper()
	segments, err := wal.ListSegments(dir)
	require.NoError(t, err)

	var ops []*kv.Op
	for _, seg := range segments {
		r, err := wal.OpenReader(seg.Path)
		require.NoError(t, err)
		for {
			op, err := r.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			ops = append(ops, op)
		}
		require.NoError(t, r.Close())
	}
	return ops
}

func TestFlushMakesOpsDurable(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 100; i++ {
		require.NoError(t, f.db.Set(fmt.Sprintf("k%d", i), kv.Int(int64(i)), 0))
	}
	require.NoError(t, f.db.Flush(context.Background()))

	ops := readWAL(t, f.dir)
	require.Len(t, ops, 100)
	for i, op := range ops {
		require.Equal(t, uint64(i), op.Seq)
		require.Equal(t, kv.OpSet, op.Type)
	}

	stats := f.handle.Stats()
	require.Equal(t, uint64(100), stats.AppendedRecords)
	require.True(t, stats.Running)

	var buf bytes.Buffer
	f.handle.WritePrometheus(&buf)
	require.Contains(t, buf.String(), "kvcore_wal_appended_records_total 100")
}

func TestCloseDrainsQueue(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.TickInterval = time.Hour })

	for i := 0; i < 500; i++ {
		_, err := f.db.Incr("c", 1)
		require.NoError(t, err)
	}
	require.NoError(t, f.db.Close())
	require.False(t, f.handle.Running())

	ops := readWAL(t, f.dir)
	require.Len(t, ops, 500)

	// later calls fail instead of blocking
	require.ErrorIs(t, f.handle.Flush(context.Background()), ErrStopped)
	require.NoError(t, f.handle.Close())
}

func TestExplicitSnapshot(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, f.db.Set(fmt.Sprintf("k%d", i), kv.Int(int64(i)), 0))
	}
	require.NoError(t, f.db.Snapshot(context.Background()))

	snapshots, err := snapshot.List(f.dir)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	data, err := snapshot.Load(snapshots[0].Path)
	require.NoError(t, err)
	require.Equal(t, uint64(20), data.Header.TotalEntries)
	require.Equal(t, uint64(1), f.handle.Stats().Snapshots)
}

func TestSnapshotByOpCount(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SnapshotOps = 10 })

	for i := 0; i < 25; i++ {
		require.NoError(t, f.db.Set(fmt.Sprintf("k%d", i), kv.Int(int64(i)), 0))
	}
	require.Eventually(t, func() bool {
		return f.handle.Stats().Snapshots >= 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSnapshotWithoutConfiguration(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Snapshot = nil })
	require.Error(t, f.handle.Snapshot(context.Background()))
}

func TestPruneWALAfterSnapshot(t *testing.T) {
	dir := t.TempDir()
	database, err := maple.NewMapleDB(&maple.DBOptions{NumShards: 4, GCInterval: -1})
	require.NoError(t, err)

	walOpts := wal.DefaultOptions(dir)
	walOpts.MaxSegmentSize = wal.HeaderSize + 1 // rotate after every record
	writer, err := wal.OpenWriter(walOpts, nil)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Snapshot = &snapshot.Options{Dir: dir, Retain: 1}
	handle := Start(writer, database, opts)
	database.Attach(handle)
	defer database.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, database.Set(fmt.Sprintf("k%d", i), kv.Int(int64(i)), 0))
	}
	require.NoError(t, database.Flush(context.Background()))
	before, err := wal.ListSegments(dir)
	require.NoError(t, err)
	require.Len(t, before, 11)

	require.NoError(t, database.Snapshot(context.Background()))
	after, err := wal.ListSegments(dir)
	require.NoError(t, err)
	require.Len(t, after, 1, "only the active segment remains")
	require.Equal(t, uint64(10), handle.Stats().PrunedSegments)
}

// stalled returns a handle whose loop is not running, so the queue never drains
func stalled(opts Options) *Handle {
	h := &Handle{
		opts: opts.withDefaults(),
		cmds: make(chan command, opts.QueueSize),
		done: make(chan struct{}),
	}
	h.metrics = newHandleMetrics(h)
	return h
}

func TestOverflowDrop(t *testing.T) {
	h := stalled(Options{QueueSize: 1, Overflow: OverflowDrop})
	op := &kv.Op{Type: kv.OpSet, Key: "a", Value: kv.Int(1)}

	require.NoError(t, h.Submit(op))
	require.NoError(t, h.Submit(op))
	require.NoError(t, h.Submit(op))
	require.Equal(t, uint64(2), h.Stats().DroppedOps)
	require.Equal(t, 1, h.Stats().QueueLength)
}

func TestOverflowBlock(t *testing.T) {
	h := stalled(Options{QueueSize: 1, Overflow: OverflowBlock, EnqueueTimeout: 10 * time.Millisecond})
	op := &kv.Op{Type: kv.OpSet, Key: "a", Value: kv.Int(1)}

	require.NoError(t, h.Submit(op))
	require.ErrorIs(t, h.Submit(op), ErrQueueFull)

	close(h.done)
	require.ErrorIs(t, h.Submit(op), ErrStopped)
	require.Equal(t, uint64(2), h.Stats().DroppedOps)
}

func TestFailureStopsLoop(t *testing.T) {
	dir := t.TempDir()
	writer, err := wal.OpenWriter(wal.DefaultOptions(dir), nil)
	require.NoError(t, err)
	require.NoError(t, writer.Close()) // every append fails from now on

	var failures atomic.Int32
	h := Start(writer, nil, &Options{
		MaxIOErrors: 3,
		OnFailure:   func(error) { failures.Add(1) },
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Submit(&kv.Op{Type: kv.OpDelete, Seq: uint64(i), Key: "a"}))
	}
	require.Eventually(t, func() bool { return !h.Running() }, 5*time.Second, time.Millisecond)

	require.Equal(t, int32(1), failures.Load())
	require.ErrorIs(t, h.Err(), wal.ErrClosed)
	require.ErrorIs(t, h.Flush(context.Background()), ErrStopped)

	// ops are dropped without blocking the caller
	require.NoError(t, h.Submit(&kv.Op{Type: kv.OpDelete, Key: "a"}))
	require.Equal(t, uint64(1), h.Stats().DroppedOps)
	require.True(t, errors.Is(h.Close(), wal.ErrClosed))
}

func TestParseOverflow(t *testing.T) {
	for in, want := range map[string]Overflow{"": OverflowDrop, "drop": OverflowDrop, "block": OverflowBlock} {
		got, err := ParseOverflow(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseOverflow("maybe")
	require.Error(t, err)
}
