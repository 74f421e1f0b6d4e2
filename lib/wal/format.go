package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/ValentinKolb/kvcore/lib/kv"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	Magic       = "KVWAL001" // File format identifier
	Version     = 1          // Bumped whenever the record or payload encoding changes
	HeaderSize  = 32         // Magic[8] | Version:u32 | CreatedAt:i64 | Reserved[12]
	lengthSize  = 4          // Length:u32 prefix, not counted in Length itself
	minBodySize = 8 + 1 + 4  // Timestamp:i64 | OpType:u8 | CRC32:u32

	// MaxRecordSize bounds the Length field. Larger values can only come from corruption.
	MaxRecordSize = 256 << 20
)

var (
	ErrInvalidMagic       = errors.New("wal: invalid magic")
	ErrUnsupportedVersion = errors.New("wal: unsupported version")
	ErrCorruptedRecord    = errors.New("wal: corrupted record")
	ErrClosed             = errors.New("wal: writer closed")
)

// CorruptedRecordError describes a record that was skipped by the reader.
type CorruptedRecordError struct {
	Path   string
	Offset int64 // offset of the Length field
	Reason string
}

func (e *CorruptedRecordError) Error() string {
	return fmt.Sprintf("wal: corrupted record in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

func (e *CorruptedRecordError) Unwrap() error { return ErrCorruptedRecord }

// --------------------------------------------------------------------------
// Header
// --------------------------------------------------------------------------

// Header is the fixed size header at the start of every segment.
type Header struct {
	Version   uint32
	CreatedAt time.Time
}

func encodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	copy(b, Magic)
	binary.BigEndian.PutUint32(b[8:], h.Version)
	binary.BigEndian.PutUint64(b[12:], uint64(h.CreatedAt.UnixNano()))
	return b
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize || string(b[:8]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	h := Header{
		Version:   binary.BigEndian.Uint32(b[8:]),
		CreatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[12:]))),
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d (expected %d)", ErrUnsupportedVersion, h.Version, Version)
	}
	return h, nil
}

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// EncodeRecord frames op as
// Length:u32 | Timestamp:i64 | OpType:u8 | Payload | CRC32:u32,
// all big-endian. Length counts everything after itself and the CRC covers
// everything between Length and the CRC.
func EncodeRecord(op *kv.Op) []byte {
	payload := kv.EncodeOpPayload(op)
	bodyLen := minBodySize + len(payload)

	b := make([]byte, lengthSize+bodyLen)
	binary.BigEndian.PutUint32(b[0:], uint32(bodyLen))
	binary.BigEndian.PutUint64(b[4:], uint64(op.Timestamp.UnixNano()))
	b[12] = byte(op.Type)
	copy(b[13:], payload)

	crc := crc32.ChecksumIEEE(b[lengthSize : len(b)-4])
	binary.BigEndian.PutUint32(b[len(b)-4:], crc)
	return b
}

// DecodeRecord decodes a single framed record from the start of b and returns
// the op and the number of bytes consumed.
func DecodeRecord(b []byte) (*kv.Op, int, error) {
	if len(b) < lengthSize {
		return nil, 0, fmt.Errorf("%w: short length prefix", ErrCorruptedRecord)
	}
	bodyLen := int(binary.BigEndian.Uint32(b))
	if bodyLen < minBodySize || bodyLen > MaxRecordSize {
		return nil, 0, fmt.Errorf("%w: invalid length %d", ErrCorruptedRecord, bodyLen)
	}
	if len(b) < lengthSize+bodyLen {
		return nil, 0, fmt.Errorf("%w: truncated body", ErrCorruptedRecord)
	}
	op, err := decodeBody(b[lengthSize : lengthSize+bodyLen])
	if err != nil {
		return nil, lengthSize + bodyLen, fmt.Errorf("%w: %s", ErrCorruptedRecord, err.Error())
	}
	return op, lengthSize + bodyLen, nil
}

// decodeBody verifies the checksum of a record body and decodes it.
// The returned error is a plain description, callers wrap it.
func decodeBody(body []byte) (*kv.Op, error) {
	n := len(body)
	want := binary.BigEndian.Uint32(body[n-4:])
	if got := crc32.ChecksumIEEE(body[:n-4]); got != want {
		return nil, fmt.Errorf("crc mismatch (stored %08x, computed %08x)", want, got)
	}
	t := kv.OpType(body[8])
	if !t.Valid() {
		return nil, fmt.Errorf("unknown op type %d", t)
	}
	ts := time.Unix(0, int64(binary.BigEndian.Uint64(body[0:8])))
	return kv.DecodeOpPayload(t, ts, body[9:n-4])
}
