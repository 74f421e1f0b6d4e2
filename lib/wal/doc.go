// Package wal implements the write-ahead log: an append-only sequence of
// segment files in a data directory, each holding CRC-protected records of
// kv.Op values.
//
// File layout:
//
//	Header (32 bytes): Magic[8]="KVWAL001" | Version:u32 | CreatedAt:i64 | Reserved[12]
//	Record:            Length:u32 | Timestamp:i64 | OpType:u8 | Payload | CRC32:u32
//
// All integers are big-endian. Length excludes itself, the CRC (IEEE) covers
// everything between Length and the CRC. The payload is produced by
// kv.EncodeOpPayload and starts with the sequence number of the op, which is
// the logical WAL position of the record.
//
// Segments are named wal-<id>.log with zero padded, increasing ids. The
// Writer always appends to a fresh segment after the highest existing id and
// rotates once a segment reaches Options.MaxSegmentSize.
//
// Durability: Append only fills a userspace buffer. Flush writes the buffer
// and fsyncs the segment; every record appended before Flush returned is
// durable afterwards.
//
// Reading: the Reader tolerates a torn tail (it ends the stream and reports
// Truncated) and skips single corrupted records, returning a
// *CorruptedRecordError for each of them.
package wal
