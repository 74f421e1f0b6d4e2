package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ValentinKolb/kvcore/lib/kv"
)

// Reader iterates over the records of a single segment.
//
// Next returns io.EOF at the end of the segment. A torn tail (a partially
// written length or body) also ends the stream; Truncated reports it.
// A record with a bad checksum, an unknown op type or an undecodable payload
// yields a *CorruptedRecordError and the reader continues with the next record.
//
// Thread-safety: A Reader is not thread-safe.
type Reader struct {
	path   string
	file   *os.File
	r      *bufio.Reader
	header Header

	offset    int64 // offset of the next record
	truncated bool
	done      bool
}

// OpenReader opens the segment at path and validates its header.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal segment: %w", err)
	}

	r := bufio.NewReaderSize(file, DefaultBufferSize)
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		file.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s: short header", ErrInvalidMagic, path)
		}
		return nil, fmt.Errorf("read wal header: %w", err)
	}
	header, err := decodeHeader(buf)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Reader{
		path:   path,
		file:   file,
		r:      r,
		header: header,
		offset: HeaderSize,
	}, nil
}

// Header returns the segment header.
func (r *Reader) Header() Header { return r.header }

// Offset returns the file offset of the next record.
func (r *Reader) Offset() int64 { return r.offset }

// Truncated reports whether the segment ended with an incomplete record.
func (r *Reader) Truncated() bool { return r.truncated }

// Next returns the next op of the segment.
func (r *Reader) Next() (*kv.Op, error) {
	if r.done {
		return nil, io.EOF
	}
	start := r.offset

	var lenBuf [lengthSize]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return nil, r.end(err)
	}
	bodyLen := int(binary.BigEndian.Uint32(lenBuf[:]))

	if bodyLen == 0 {
		// zero filled tail, nothing was written here
		r.truncated = true
		r.done = true
		return nil, io.EOF
	}
	if bodyLen < minBodySize || bodyLen > MaxRecordSize {
		// the framing is lost, later records can not be located
		r.done = true
		return nil, &CorruptedRecordError{Path: r.path, Offset: start, Reason: fmt.Sprintf("invalid length %d", bodyLen)}
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, r.end(err)
	}
	r.offset += int64(lengthSize + bodyLen)

	op, err := decodeBody(body)
	if err != nil {
		return nil, &CorruptedRecordError{Path: r.path, Offset: start, Reason: err.Error()}
	}
	return op, nil
}

// end converts a read error into the end of the stream.
func (r *Reader) end(err error) error {
	r.done = true
	switch {
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.truncated = true
		log.Warningf("segment %s has a torn tail at offset %d", r.path, r.offset)
		return io.EOF
	default:
		return fmt.Errorf("read wal segment %s: %w", r.path, err)
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ScanSegment reads the whole segment at path and returns its metadata
// (record count and highest sequence number) and the number of corrupted records.
func ScanSegment(path string) (SegmentInfo, int, error) {
	info := SegmentInfo{Path: path}
	if id, ok := ParseSegmentName(filepath.Base(path)); ok {
		info.ID = id
	}
	if st, err := os.Stat(path); err == nil {
		info.Size = st.Size()
	}

	r, err := OpenReader(path)
	if err != nil {
		return info, 0, err
	}
	defer r.Close()

	corrupted := 0
	for {
		op, err := r.Next()
		if err == io.EOF {
			return info, corrupted, nil
		}
		if errors.Is(err, ErrCorruptedRecord) {
			corrupted++
			continue
		}
		if err != nil {
			return info, corrupted, err
		}
		if info.Records == 0 || op.Seq > info.MaxSeq {
			info.MaxSeq = op.Seq
		}
		info.Records++
	}
}
