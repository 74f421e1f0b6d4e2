package wal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/multierr"
)

var log = logger.GetLogger("wal")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

const (
	DefaultMaxSegmentSize = 64 << 20 // 64 MiB
	DefaultFlushBytes     = 1 << 20  // 1 MiB of unflushed records
	DefaultBufferSize     = 64 << 10 // 64 KiB userspace buffer
)

// Options configures a Writer.
type Options struct {
	Dir            string           // Data directory, created if missing
	MaxSegmentSize int64            // ShouldRotate reports true once the active segment reaches this size
	FlushInterval  time.Duration    // ShouldFlush reports true once this much time passed since the last flush (0 = after every append)
	FlushBytes     int              // ShouldFlush reports true once this many bytes are unflushed
	BufferSize     int              // Size of the userspace write buffer
	Clock          func() time.Time // Source of time (nil = time.Now)
}

// DefaultOptions returns the default writer options for dir.
func DefaultOptions(dir string) *Options {
	return &Options{
		Dir:            dir,
		MaxSegmentSize: DefaultMaxSegmentSize,
		FlushInterval:  0,
		FlushBytes:     DefaultFlushBytes,
		BufferSize:     DefaultBufferSize,
		Clock:          time.Now,
	}
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxSegmentSize <= 0 {
		out.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if out.FlushBytes <= 0 {
		out.FlushBytes = DefaultFlushBytes
	}
	if out.BufferSize <= 0 {
		out.BufferSize = DefaultBufferSize
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// Position identifies the append cursor of a Writer.
// NextSeq is the logical WAL position: the sequence number after the last appended record.
type Position struct {
	Segment uint64
	Offset  int64
	NextSeq uint64
}

func (p Position) String() string {
	return fmt.Sprintf("%s@%d (next seq %d)", SegmentName(p.Segment), p.Offset, p.NextSeq)
}

// Writer appends records to the active segment of a WAL directory.
//
// Thread-safety: A Writer is not thread-safe. It is owned by a single goroutine
// (the persistence loop).
type Writer struct {
	opts Options

	file    *os.File
	buf     *bufio.Writer
	current SegmentInfo
	closed  []SegmentInfo // Segments before current, ascending

	unflushed int
	lastFlush time.Time
	nextSeq   uint64
	isClosed  bool
}

// OpenWriter opens the WAL in opts.Dir for appending. A new segment is always
// started after the highest existing id, so a torn tail of an older segment is
// never followed by new records in the same file.
//
// known carries segment metadata gathered by recovery (keyed by id). Segments
// on disk that are not in known are scanned to learn their sequence range.
func OpenWriter(opts *Options, known map[uint64]SegmentInfo) (*Writer, error) {
	if opts == nil || opts.Dir == "" {
		return nil, errors.New("wal: data directory is required")
	}
	o := opts.withDefaults()

	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	existing, err := ListSegments(o.Dir)
	if err != nil {
		return nil, err
	}

	w := &Writer{opts: o}
	var nextID uint64 = 1
	for _, seg := range existing {
		info, ok := known[seg.ID]
		if !ok {
			scanned, _, err := ScanSegment(seg.Path)
			if err != nil {
				log.Warningf("could not scan segment %s: %v", seg.Path, err)
			}
			info = scanned
		}
		info.ID, info.Path, info.Size = seg.ID, seg.Path, seg.Size
		w.closed = append(w.closed, info)
		if info.Records > 0 && info.MaxSeq+1 > w.nextSeq {
			w.nextSeq = info.MaxSeq + 1
		}
		nextID = seg.ID + 1
	}

	if err := w.openSegment(nextID); err != nil {
		return nil, err
	}
	log.Infof("opened wal in %s, active segment %s (%d older segments)", o.Dir, SegmentName(nextID), len(w.closed))
	return w, nil
}

// openSegment creates segment id, writes its header and makes the file durable.
func (w *Writer) openSegment(id uint64) error {
	path := filepath.Join(w.opts.Dir, SegmentName(id))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create wal segment: %w", err)
	}

	header := encodeHeader(Header{Version: Version, CreatedAt: w.opts.Clock()})
	if _, err := file.Write(header); err != nil {
		return multierr.Append(fmt.Errorf("write wal header: %w", err), file.Close())
	}
	if err := file.Sync(); err != nil {
		return multierr.Append(fmt.Errorf("sync wal header: %w", err), file.Close())
	}
	if err := syncDir(w.opts.Dir); err != nil {
		log.Warningf("could not sync directory %s: %v", w.opts.Dir, err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, w.opts.BufferSize)
	w.current = SegmentInfo{ID: id, Path: path, Size: HeaderSize}
	w.lastFlush = w.opts.Clock()
	w.unflushed = 0
	return nil
}

// Append frames op and writes it to the userspace buffer. It returns the
// number of bytes written. The record is not durable until Flush returns.
func (w *Writer) Append(op *kv.Op) (int, error) {
	if w.isClosed {
		return 0, ErrClosed
	}
	record := EncodeRecord(op)
	n, err := w.buf.Write(record)
	w.current.Size += int64(n)
	w.unflushed += n
	if err != nil {
		return n, fmt.Errorf("append wal record: %w", err)
	}

	w.current.Records++
	if op.Seq > w.current.MaxSeq || w.current.Records == 1 {
		w.current.MaxSeq = op.Seq
	}
	if op.Seq+1 > w.nextSeq {
		w.nextSeq = op.Seq + 1
	}
	return n, nil
}

// Flush writes the userspace buffer to the file and syncs it to stable storage.
func (w *Writer) Flush() error {
	if w.isClosed {
		return ErrClosed
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush wal buffer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal segment: %w", err)
	}
	w.unflushed = 0
	w.lastFlush = w.opts.Clock()
	return nil
}

// ShouldFlush reports whether unflushed records should be flushed now.
func (w *Writer) ShouldFlush() bool {
	if w.unflushed == 0 {
		return false
	}
	if w.opts.FlushInterval <= 0 || w.unflushed >= w.opts.FlushBytes {
		return true
	}
	return w.opts.Clock().Sub(w.lastFlush) >= w.opts.FlushInterval
}

// ShouldRotate reports whether the active segment reached its maximum size.
func (w *Writer) ShouldRotate() bool {
	return w.current.Size >= w.opts.MaxSegmentSize
}

// Rotate flushes and closes the active segment and starts the next one.
func (w *Writer) Rotate() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close wal segment: %w", err)
	}
	w.closed = append(w.closed, w.current)
	log.Debugf("rotated wal segment %s (%d bytes, %d records)", SegmentName(w.current.ID), w.current.Size, w.current.Records)
	return w.openSegment(w.current.ID + 1)
}

// Position returns the current append cursor.
func (w *Writer) Position() Position {
	return Position{Segment: w.current.ID, Offset: w.current.Size, NextSeq: w.nextSeq}
}

// Unflushed returns the number of appended bytes not yet flushed.
func (w *Writer) Unflushed() int { return w.unflushed }

// Segments returns the known segments including the active one, ascending by id.
func (w *Writer) Segments() []SegmentInfo {
	out := make([]SegmentInfo, 0, len(w.closed)+1)
	out = append(out, w.closed...)
	return append(out, w.current)
}

// Prune removes closed segments whose records all have a sequence number
// below before. The active segment is never removed. It returns the removed paths.
func (w *Writer) Prune(before uint64) ([]string, error) {
	var (
		removed []string
		keep    []SegmentInfo
		errs    error
	)
	for _, seg := range w.closed {
		if seg.Records > 0 && seg.MaxSeq >= before {
			keep = append(keep, seg)
			continue
		}
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("remove wal segment: %w", err))
			keep = append(keep, seg)
			continue
		}
		removed = append(removed, seg.Path)
	}
	w.closed = keep
	if len(removed) > 0 {
		if err := syncDir(w.opts.Dir); err != nil {
			errs = multierr.Append(errs, err)
		}
		log.Infof("pruned %d wal segments below seq %d", len(removed), before)
	}
	return removed, errs
}

// Close flushes and closes the active segment.
func (w *Writer) Close() error {
	if w.isClosed {
		return nil
	}
	err := w.Flush()
	w.isClosed = true
	return multierr.Append(err, w.file.Close())
}
