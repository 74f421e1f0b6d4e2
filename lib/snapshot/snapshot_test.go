package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db/engines/maple"
	dbtesting "github.com/ValentinKolb/kvcore/lib/db/testing"
	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/stretchr/testify/require"
)

// discard accepts every op so that the engine assigns sequence numbers
type discard struct{}

func (discard) Submit(*kv.Op) error { return nil }
func (discard) Flush(context.Context) error { return nil }
func (discard) Snapshot(context.Context) error { return nil }
func (discard) Close() error { return nil }

func newEngine(t *testing.T, clock *dbtesting.Clock, shards int) *maple.DB {
	t.Helper()
	database, err := maple.NewMapleDB(&maple.DBOptions{NumShards: shards, GCInterval: -1, Clock: clock.Now})
	require.NoError(t, err)
	database.Attach(discard{})
	t.Cleanup(func() { database.Close() })
	return database
}

func fill(t *testing.T, database *maple.DB) {
	t.Helper()
	for i := 0; i < 100; i++ {
		require.NoError(t, database.Set(fmt.Sprintf("k%d", i), kv.Int(int64(i)), 0))
	}
	require.NoError(t, database.Set("s", kv.String("text"), time.Hour))
	require.NoError(t, database.Set("b", kv.Bytes([]byte{1, 2, 3}), 0))
	require.NoError(t, database.Set("d", kv.Decimal("12.50"), 0))
	ok, err := database.Lock("r", "owner_1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateAndLoad(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()
	source := newEngine(t, clock, 8)
	fill(t, source)

	opts := &Options{Dir: dir, Retain: 3, Clock: clock.Now}
	info, err := Create(source, opts)
	require.NoError(t, err)
	require.Equal(t, uint64(104), info.Entries)
	require.Equal(t, FileName(clock.Now(), source.Position()), filepath.Base(info.Path))

	data, err := Load(info.Path)
	require.NoError(t, err)
	require.Equal(t, uint32(8), data.Header.NumShards)
	require.Equal(t, uint64(104), data.Header.TotalEntries)
	require.Len(t, data.Shards, 8)

	// load into an engine with a different shard count
	target := newEngine(t, clock, 32)
	for _, shard := range data.Shards {
		for _, r := range shard.Records {
			target.Import(r)
		}
	}
	require.Equal(t, source.Len(), target.Len())
	for _, key := range []string{"k0", "k99", "s", "b", "d"} {
		want, _, _ := source.Get(key)
		got, ok, err := target.Get(key)
		require.NoError(t, err)
		require.True(t, ok, key)
		require.True(t, want.Equal(got), key)
	}
	ok, err := target.Lock("r", "owner_2", time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	// the expiry survives the round trip
	clock.Advance(time.Hour)
	_, ok, err = target.Get("s")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadRejectsCorruption(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()
	source := newEngine(t, clock, 4)
	fill(t, source)

	info, err := Create(source, &Options{Dir: dir, Clock: clock.Now})
	require.NoError(t, err)
	raw, err := os.ReadFile(info.Path)
	require.NoError(t, err)

	t.Run("Body", func(t *testing.T) {
		b := append([]byte(nil), raw...)
		b[len(b)-3] ^= 0x10
		path := filepath.Join(t.TempDir(), "body.snap")
		require.NoError(t, os.WriteFile(path, b, 0o644))
		_, err := Load(path)
		require.ErrorIs(t, err, ErrChecksumMismatch)
	})

	t.Run("Magic", func(t *testing.T) {
		b := append([]byte(nil), raw...)
		b[0] = 'X'
		path := filepath.Join(t.TempDir(), "magic.snap")
		require.NoError(t, os.WriteFile(path, b, 0o644))
		_, err := Load(path)
		require.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("Version", func(t *testing.T) {
		b := append([]byte(nil), raw...)
		b[11] = Version + 1
		path := filepath.Join(t.TempDir(), "version.snap")
		require.NoError(t, os.WriteFile(path, b, 0o644))
		_, err := Load(path)
		require.ErrorIs(t, err, ErrUnsupportedVersion)
		_, err = ReadHeader(path)
		require.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("Short", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "short.snap")
		require.NoError(t, os.WriteFile(path, raw[:10], 0o644))
		_, err := Load(path)
		require.ErrorIs(t, err, ErrInvalidMagic)
	})
}

func TestListAndPrune(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewClock()
	source := newEngine(t, clock, 4)

	opts := &Options{Dir: dir, Retain: 2, Clock: clock.Now}
	for i := 0; i < 4; i++ {
		require.NoError(t, source.Set(fmt.Sprintf("k%d", i), kv.Int(1), 0))
		_, err := Create(source, opts)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	snapshots, err := List(dir)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	require.Greater(t, snapshots[0].Position, snapshots[1].Position)

	oldest, ok, err := Oldest(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snapshots[1].Position, oldest)
}

func TestListOrdersTiesByTime(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		FileName(time.Unix(100, 0), 5),
		FileName(time.Unix(300, 0), 5),
		FileName(time.Unix(200, 0), 9),
		"unrelated.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	snapshots, err := List(dir)
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
	require.Equal(t, uint64(9), snapshots[0].Position)
	require.Equal(t, time.Unix(300, 0), snapshots[1].Timestamp)
	require.Equal(t, time.Unix(100, 0), snapshots[2].Timestamp)
}

func TestListOrdersTiesByHeader(t *testing.T) {
	dir := t.TempDir()
	write := func(nameTime, createdAt time.Time) string {
		name := FileName(nameTime, 5)
		h := Header{Version: Version, CreatedAt: createdAt, Position: 5}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), encodeHeader(h), 0o644))
		return name
	}
	base := time.Unix(1_700_000_000, 0)
	older := write(base.Add(2*time.Second), base.Add(100*time.Millisecond))
	newer := write(base.Add(time.Second), base.Add(900*time.Millisecond))

	snapshots, err := List(dir)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	require.Equal(t, newer, filepath.Base(snapshots[0].Path))
	require.Equal(t, older, filepath.Base(snapshots[1].Path))
	require.Equal(t, base.Add(900*time.Millisecond).UnixNano(), snapshots[0].CreatedAt.UnixNano())
}

func TestParseFileName(t *testing.T) {
	ts, pos, ok := ParseFileName("snapshot-1700000000-42.snap")
	require.True(t, ok)
	require.Equal(t, time.Unix(1_700_000_000, 0), ts)
	require.Equal(t, uint64(42), pos)

	for _, bad := range []string{"snapshot-1-2-3.snap", "snapshot-x-1.snap", "wal-1.log", "snapshot-1-2.tmp"} {
		_, _, ok := ParseFileName(bad)
		require.False(t, ok, bad)
	}
}
