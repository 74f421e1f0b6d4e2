// Package persistence connects the engine to the write-ahead log and the
// snapshot writer.
//
// A Handle owns a wal.Writer and runs one long-lived goroutine that consumes
// a bounded queue of commands:
//
//	LogOp          append the op; rotate and flush when the writer asks for it;
//	               start a snapshot once SnapshotOps ops were logged
//	Flush          flush and fsync, then reply
//	CreateSnapshot start a snapshot (or join the next one), reply when written
//	Shutdown       drain the queue, wait for a running snapshot, close the WAL
//
// A ticker (TickInterval) flushes when the flush interval elapsed and starts
// snapshots by op count or SnapshotInterval.
//
// Snapshots run in a helper goroutine so that appends continue while the
// shards are copied. At most one snapshot runs at a time. After a successful
// snapshot, closed WAL segments that are covered by every retained snapshot
// are removed.
//
// Back-pressure: the engine calls Submit while holding shard locks. With the
// default OverflowDrop policy a full queue drops the op and logs a rate
// limited warning, which favors availability over durability. OverflowBlock
// waits for space instead (bounded by EnqueueTimeout).
//
// Failure: after MaxIOErrors consecutive I/O errors the loop stops, calls
// OnFailure once and drops every later op. The engine keeps serving from
// memory; Err and Running report the state.
//
// Metrics of each handle live in their own VictoriaMetrics set and are
// exposed through WritePrometheus and Stats.
package persistence
