package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1_700_000_000, 0)

func testOps() []*kv.Op {
	return []*kv.Op{
		{Type: kv.OpSet, Seq: 0, Timestamp: epoch, Key: "a", Value: kv.Int(1)},
		{Type: kv.OpSet, Seq: 1, Timestamp: epoch, Key: "b", Value: kv.String("x"), TTL: time.Minute},
		{Type: kv.OpIncr, Seq: 2, Timestamp: epoch.Add(time.Second), Key: "a", Delta: 41},
		{Type: kv.OpMSet, Seq: 3, Timestamp: epoch, Pairs: []kv.Pair{{Key: "c", Value: kv.Float(1.5)}, {Key: "d", Value: kv.Bytes([]byte{0, 1})}}},
		{Type: kv.OpMDel, Seq: 4, Timestamp: epoch, Keys: []string{"c", "d"}},
		{Type: kv.OpLock, Seq: 5, Timestamp: epoch, Key: "r", Owner: "owner_1", TTL: time.Minute},
	}
}

func openTestWriter(t *testing.T, dir string, mutate func(*Options)) *Writer {
	t.Helper()
	opts := DefaultOptions(dir)
	opts.Clock = func() time.Time { return epoch }
	if mutate != nil {
		mutate(opts)
	}
	w, err := OpenWriter(opts, nil)
	require.NoError(t, err)
	return w
}

func readAll(t *testing.T, path string) ([]*kv.Op, int, *Reader) {
	t.Helper()
	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	var ops []*kv.Op
	corrupted := 0
	for {
		op, err := r.Next()
		if err == io.EOF {
			return ops, corrupted, r
		}
		if errors.Is(err, ErrCorruptedRecord) {
			corrupted++
			continue
		}
		require.NoError(t, err)
		ops = append(ops, op)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	for _, op := range testOps() {
		b := EncodeRecord(op)
		got, n, err := DecodeRecord(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		require.True(t, op.Equal(got), "want %s, got %s", op, got)
	}
}

func TestRecordDetectsEveryByteFlip(t *testing.T) {
	op := &kv.Op{Type: kv.OpSet, Seq: 7, Timestamp: epoch, Key: "key", Value: kv.String("value"), TTL: time.Second}
	b := EncodeRecord(op)

	// every byte after the length prefix is covered by the checksum
	for i := lengthSize; i < len(b); i++ {
		flipped := append([]byte(nil), b...)
		flipped[i] ^= 0x01
		_, _, err := DecodeRecord(flipped)
		require.ErrorIs(t, err, ErrCorruptedRecord, "flip at byte %d not detected", i)
	}
}

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir, nil)

	for _, op := range testOps() {
		_, err := w.Append(op)
		require.NoError(t, err)
	}
	require.True(t, w.ShouldFlush())
	require.NoError(t, w.Flush())
	require.False(t, w.ShouldFlush())
	require.Equal(t, uint64(6), w.Position().NextSeq)
	require.NoError(t, w.Close())

	segments, err := ListSegments(dir)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	require.Equal(t, "wal-0000000000000001.log", filepath.Base(segments[0].Path))

	ops, corrupted, r := readAll(t, segments[0].Path)
	require.Zero(t, corrupted)
	require.False(t, r.Truncated())
	require.Equal(t, uint32(Version), r.Header().Version)
	require.Len(t, ops, 6)
	for i, want := range testOps() {
		require.True(t, want.Equal(ops[i]), "record %d", i)
	}
}

func TestReaderRejectsBadHeader(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, SegmentName(1))
	require.NoError(t, os.WriteFile(bad, []byte("NOTAWAL!aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 0o644))
	_, err := OpenReader(bad)
	require.ErrorIs(t, err, ErrInvalidMagic)

	header := encodeHeader(Header{Version: Version + 1, CreatedAt: epoch})
	future := filepath.Join(dir, SegmentName(2))
	require.NoError(t, os.WriteFile(future, header, 0o644))
	_, err = OpenReader(future)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestReaderStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir, nil)
	for _, op := range testOps() {
		_, err := w.Append(op)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := w.Segments()[0].Path
	info, err := os.Stat(path)
	require.NoError(t, err)

	// cut the last record in half
	last := EncodeRecord(testOps()[5])
	require.NoError(t, os.Truncate(path, info.Size()-int64(len(last)/2)))

	ops, corrupted, r := readAll(t, path)
	require.Zero(t, corrupted)
	require.True(t, r.Truncated())
	require.Len(t, ops, 5)
}

func TestReaderSkipsCorruptedRecord(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir, nil)
	for _, op := range testOps() {
		_, err := w.Append(op)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	path := w.Segments()[0].Path

	// flip one payload byte of the second record
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	offset := HeaderSize + len(EncodeRecord(testOps()[0])) + lengthSize + 9 + 2
	data[offset] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	var corrupted *CorruptedRecordError
	require.ErrorAs(t, err, &corrupted)
	require.Equal(t, int64(HeaderSize+len(EncodeRecord(testOps()[0]))), corrupted.Offset)

	// the reader continues with the records after the corrupted one
	remaining := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		remaining++
	}
	require.Equal(t, 4, remaining)
}

func TestRotationAndReopen(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir, func(o *Options) { o.MaxSegmentSize = HeaderSize + 64 })

	for i, op := range testOps() {
		_, err := w.Append(op)
		require.NoError(t, err)
		if w.ShouldRotate() {
			require.NoError(t, w.Rotate(), "rotate after record %d", i)
		}
	}
	require.NoError(t, w.Close())
	require.Greater(t, len(w.Segments()), 2)

	// a new writer never appends to an existing segment
	w2 := openTestWriter(t, dir, nil)
	defer w2.Close()
	require.Equal(t, w.Segments()[len(w.Segments())-1].ID+1, w2.Position().Segment)
	require.Equal(t, uint64(6), w2.Position().NextSeq)

	// all records are still readable in order
	segments, err := ListSegments(dir)
	require.NoError(t, err)
	var all []*kv.Op
	for _, seg := range segments {
		ops, corrupted, _ := readAll(t, seg.Path)
		require.Zero(t, corrupted)
		all = append(all, ops...)
	}
	require.Len(t, all, 6)
	for i, op := range all {
		require.Equal(t, uint64(i), op.Seq)
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir, nil)
	defer w.Close()

	for _, op := range testOps() {
		_, err := w.Append(op)
		require.NoError(t, err)
		require.NoError(t, w.Rotate())
	}
	require.Len(t, w.Segments(), 7)

	removed, err := w.Prune(3)
	require.NoError(t, err)
	require.Len(t, removed, 3)
	for _, path := range removed {
		_, err := os.Stat(path)
		require.True(t, os.IsNotExist(err))
	}

	// the active segment survives even though it is empty
	segments := w.Segments()
	require.Len(t, segments, 4)
	require.Equal(t, uint64(3), segments[0].MaxSeq)
}

func TestShouldFlushInterval(t *testing.T) {
	now := epoch
	w := openTestWriter(t, t.TempDir(), func(o *Options) {
		o.FlushInterval = time.Second
		o.Clock = func() time.Time { return now }
	})
	defer w.Close()

	_, err := w.Append(testOps()[0])
	require.NoError(t, err)
	require.False(t, w.ShouldFlush())

	now = now.Add(time.Second)
	require.True(t, w.ShouldFlush())
}

func TestScanSegment(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir, nil)
	for _, op := range testOps()[2:] {
		_, err := w.Append(op)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	info, corrupted, err := ScanSegment(w.Segments()[0].Path)
	require.NoError(t, err)
	require.Zero(t, corrupted)
	require.Equal(t, uint64(1), info.ID)
	require.Equal(t, 4, info.Records)
	require.Equal(t, uint64(5), info.MaxSeq)
}
