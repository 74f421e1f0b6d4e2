package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	Magic      = "KVSNAP01" // File format identifier
	Version    = 1          // Bumped whenever the body or record encoding changes
	HeaderSize = 72         // See Header

	shardHeaderSize = 4 + 4 + 8 // ShardID:u32 | EntryCount:u32 | ShardPosition:u64
)

var (
	ErrInvalidMagic       = errors.New("snapshot: invalid magic")
	ErrUnsupportedVersion = errors.New("snapshot: unsupported version")
	ErrChecksumMismatch   = errors.New("snapshot: checksum mismatch")
	ErrMalformed          = errors.New("snapshot: malformed body")
)

// Header is the fixed size header of a snapshot file:
//
//	Magic[8] | Version:u32 | CreatedAt:i64 | NumShards:u32 |
//	TotalEntries:u64 | WalPosition:u64 | SHA256[32]
//
// The checksum covers the body, i.e. everything after the header.
type Header struct {
	Version      uint32
	CreatedAt    time.Time
	NumShards    uint32
	TotalEntries uint64
	Position     uint64 // WAL position stamped before the first shard was copied
	Checksum     [32]byte
}

func encodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	copy(b, Magic)
	binary.BigEndian.PutUint32(b[8:], h.Version)
	binary.BigEndian.PutUint64(b[12:], uint64(h.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint32(b[20:], h.NumShards)
	binary.BigEndian.PutUint64(b[24:], h.TotalEntries)
	binary.BigEndian.PutUint64(b[32:], h.Position)
	copy(b[40:], h.Checksum[:])
	return b
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize || string(b[:8]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	h := Header{
		Version:      binary.BigEndian.Uint32(b[8:]),
		CreatedAt:    time.Unix(0, int64(binary.BigEndian.Uint64(b[12:]))),
		NumShards:    binary.BigEndian.Uint32(b[20:]),
		TotalEntries: binary.BigEndian.Uint64(b[24:]),
		Position:     binary.BigEndian.Uint64(b[32:]),
	}
	copy(h.Checksum[:], b[40:HeaderSize])
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d (expected %d)", ErrUnsupportedVersion, h.Version, Version)
	}
	return h, nil
}
