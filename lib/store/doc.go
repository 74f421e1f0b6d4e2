// Package store opens a durable key-value store: a maple engine whose state
// is recovered from a data directory and whose mutations are logged back to it.
//
// Open performs the startup sequence:
//
//  1. create the engine with its garbage collector held back (maple.NewMapleDB)
//  2. recover the newest loadable snapshot and replay the WAL (recovery.Recover),
//     then start the garbage collector
//  3. open a WAL writer on a fresh segment (wal.OpenWriter)
//  4. start the persistence loop and attach it to the engine (persistence.Start)
//
// The returned Store embeds the engine, so it satisfies db.KVDB directly.
// Closing the store closes the engine, which drains the persistence queue,
// flushes the WAL and stops the loop. With SnapshotOnClose a final snapshot
// is written first, which keeps the next recovery short.
//
// A data directory can only be opened once per process; a second Open fails
// with ErrDirInUse until the first store is closed. An empty DataDir yields a
// plain in-memory store without persistence.
package store
