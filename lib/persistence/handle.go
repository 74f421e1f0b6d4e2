package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db"
	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/ValentinKolb/kvcore/lib/snapshot"
	"github.com/ValentinKolb/kvcore/lib/wal"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("persistence")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Overflow selects what Submit does when the queue is full.
type Overflow int

const (
	// OverflowDrop drops the op and logs a warning. This is the default: the
	// engine stays available when the disk is slow, at the cost of losing the
	// dropped ops on a crash.
	OverflowDrop Overflow = iota

	// OverflowBlock waits until the op is enqueued (or EnqueueTimeout elapses).
	OverflowBlock
)

func (o Overflow) String() string {
	if o == OverflowBlock {
		return "block"
	}
	return "drop"
}

// ParseOverflow parses "drop" or "block".
func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "", "drop":
		return OverflowDrop, nil
	case "block":
		return OverflowBlock, nil
	}
	return OverflowDrop, fmt.Errorf("unknown overflow policy %q", s)
}

const (
	DefaultQueueSize    = 10_000
	DefaultTickInterval = 100 * time.Millisecond
	DefaultMaxIOErrors  = 5
)

var (
	ErrQueueFull = errors.New("persistence: queue full, op not logged")
	ErrStopped   = errors.New("persistence: handle stopped")
)

// Options configures a Handle.
type Options struct {
	QueueSize      int           // Capacity of the command queue
	Overflow       Overflow      // Policy for a full queue
	EnqueueTimeout time.Duration // Maximum wait in OverflowBlock mode (0 = no limit)
	TickInterval   time.Duration // Interval of the periodic flush and snapshot check

	SnapshotOps      int               // Snapshot after this many logged ops (0 = disabled)
	SnapshotInterval time.Duration     // Snapshot after this much time if ops were logged (0 = disabled)
	Snapshot         *snapshot.Options // Snapshot directory and retention (nil = snapshots disabled)
	PruneWAL         bool              // Remove WAL segments covered by every retained snapshot

	MaxIOErrors int              // Consecutive I/O errors after which the loop stops
	OnFailure   func(err error)  // Called once when the loop stops because of I/O errors
	Clock       func() time.Time // Source of time (nil = time.Now)
}

// DefaultOptions returns the default handle options.
func DefaultOptions() *Options {
	return &Options{
		QueueSize:    DefaultQueueSize,
		Overflow:     OverflowDrop,
		TickInterval: DefaultTickInterval,
		PruneWAL:     true,
		MaxIOErrors:  DefaultMaxIOErrors,
		Clock:        time.Now,
	}
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	if out.TickInterval <= 0 {
		out.TickInterval = DefaultTickInterval
	}
	if out.MaxIOErrors <= 0 {
		out.MaxIOErrors = DefaultMaxIOErrors
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

type commandKind int

const (
	cmdLogOp commandKind = iota
	cmdFlush
	cmdSnapshot
	cmdShutdown
)

type command struct {
	kind  commandKind
	op    *kv.Op
	reply chan error // nil for cmdLogOp
}

type snapshotResult struct {
	info *snapshot.Info
	err  error
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

// Handle owns the WAL writer and runs the persistence loop in a single
// background goroutine. It implements db.Persister.
//
// Thread-safety: All exported methods are thread-safe.
type Handle struct {
	opts   Options
	writer *wal.Writer
	source snapshot.Source

	cmds    chan command
	done    chan struct{} // closed when the loop exited
	metrics *handleMetrics

	running   atomic.Bool
	failure   atomic.Pointer[error]
	closeOnce sync.Once
	closeErr  error

	// drop warnings are rate limited
	dropMu       sync.Mutex
	lastDropWarn time.Time
	droppedSince uint64

	// owned by the loop goroutine
	opsSinceSnapshot int
	lastSnapshot     time.Time
	ioErrors         int
	lastIOErr        error
	snapshotting     bool
	snapshotWaiters  []chan error // answered by the running snapshot
	queuedWaiters    []chan error // arrived while a snapshot was running
	snapshotDone     chan snapshotResult
}

var _ db.Persister = (*Handle)(nil)

// Start starts the persistence loop for writer. source is the engine the
// snapshots are taken from; it may be nil if snapshots are disabled.
func Start(writer *wal.Writer, source snapshot.Source, opts *Options) *Handle {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := opts.withDefaults()
	if source == nil {
		o.Snapshot = nil
	}

	h := &Handle{
		opts:         o,
		writer:       writer,
		source:       source,
		cmds:         make(chan command, o.QueueSize),
		done:         make(chan struct{}),
		lastSnapshot: o.Clock(),
		snapshotDone: make(chan snapshotResult, 1),
	}
	h.metrics = newHandleMetrics(h)
	h.running.Store(true)

	go h.run()
	log.Infof("persistence started (queue %d, overflow %s)", o.QueueSize, o.Overflow)
	return h
}

// Running reports whether the loop is still running.
func (h *Handle) Running() bool { return h.running.Load() }

// Err returns the error that stopped the loop, if any.
func (h *Handle) Err() error {
	if p := h.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// Position returns the append cursor of the writer. It must only be used
// after the handle was closed or for diagnostics.
func (h *Handle) Position() wal.Position { return h.writer.Position() }

// Submit enqueues op for logging. It is called by the engine while holding
// shard locks and never waits for I/O.
//
// In OverflowDrop mode a full queue drops the op and Submit returns nil.
// In OverflowBlock mode Submit waits for space and returns ErrQueueFull if
// EnqueueTimeout elapses first. After the loop stopped, ops are dropped; in
// OverflowBlock mode Submit then returns ErrStopped.
func (h *Handle) Submit(op *kv.Op) error {
	cmd := command{kind: cmdLogOp, op: op}

	if h.opts.Overflow == OverflowDrop {
		select {
		case <-h.done:
			h.dropped(op, "persistence stopped")
			return nil
		default:
		}
		select {
		case h.cmds <- cmd:
		default:
			h.dropped(op, "queue full")
		}
		return nil
	}

	var timeout <-chan time.Time
	if h.opts.EnqueueTimeout > 0 {
		timer := time.NewTimer(h.opts.EnqueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case h.cmds <- cmd:
		return nil
	case <-h.done:
		h.dropped(op, "persistence stopped")
		return ErrStopped
	case <-timeout:
		h.dropped(op, "enqueue timeout")
		return ErrQueueFull
	}
}

// dropped counts a dropped op and logs at most one warning per second.
func (h *Handle) dropped(op *kv.Op, reason string) {
	h.metrics.droppedOps.Inc()

	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	h.droppedSince++
	now := time.Now()
	if now.Sub(h.lastDropWarn) < time.Second {
		return
	}
	log.Warningf("dropped %d wal ops (%s), last: %s", h.droppedSince, reason, op)
	h.lastDropWarn = now
	h.droppedSince = 0
}

// Flush blocks until every op enqueued before the call is durable.
func (h *Handle) Flush(ctx context.Context) error {
	return h.call(ctx, cmdFlush)
}

// Snapshot creates a snapshot and blocks until it is written.
func (h *Handle) Snapshot(ctx context.Context) error {
	if h.opts.Snapshot == nil {
		return errors.New("persistence: snapshots are not configured")
	}
	return h.call(ctx, cmdSnapshot)
}

func (h *Handle) call(ctx context.Context, kind commandKind) error {
	reply := make(chan error, 1)
	select {
	case h.cmds <- command{kind: kind, reply: reply}:
	case <-h.done:
		return h.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		// the loop may have replied right before exiting
		select {
		case err := <-reply:
			return err
		default:
			return h.stoppedErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) stoppedErr() error {
	if err := h.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStopped, err)
	}
	return ErrStopped
}

// Close drains the queue, waits for a running snapshot, flushes and closes
// the WAL and stops the loop. Calling Close more than once returns the
// result of the first call.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		reply := make(chan error, 1)
		select {
		case h.cmds <- command{kind: cmdShutdown, reply: reply}:
			select {
			case h.closeErr = <-reply:
			case <-h.done:
				select {
				case h.closeErr = <-reply:
				default:
					h.closeErr = h.Err()
				}
			}
		case <-h.done:
			h.closeErr = h.Err()
		}
		<-h.done
	})
	return h.closeErr
}

// --------------------------------------------------------------------------
// Loop
// --------------------------------------------------------------------------

func (h *Handle) run() {
	defer close(h.done)
	defer h.running.Store(false)

	ticker := time.NewTicker(h.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-h.cmds:
			switch cmd.kind {
			case cmdLogOp:
				h.logOp(cmd.op)
			case cmdFlush:
				cmd.reply <- h.flush()
			case cmdSnapshot:
				h.requestSnapshot(cmd.reply)
			case cmdShutdown:
				cmd.reply <- h.shutdown()
				return
			}

		case res := <-h.snapshotDone:
			h.finishSnapshot(res)

		case <-ticker.C:
			if h.writer.ShouldFlush() {
				h.flush()
			}
			h.maybeSnapshot()
		}

		if h.ioErrors >= h.opts.MaxIOErrors {
			h.fail()
			return
		}
	}
}

func (h *Handle) logOp(op *kv.Op) {
	n, err := h.writer.Append(op)
	if err != nil {
		h.ioError(err)
		return
	}
	h.ioErrors = 0
	h.metrics.appendedRecords.Inc()
	h.metrics.appendedBytes.Add(n)
	h.opsSinceSnapshot++

	if h.writer.ShouldRotate() {
		if err := h.writer.Rotate(); err != nil {
			h.ioError(err)
			return
		}
		h.metrics.rotations.Inc()
		h.metrics.flushes.Inc()
	}
	if h.writer.ShouldFlush() {
		h.flush()
	}
	if h.opts.SnapshotOps > 0 && h.opsSinceSnapshot >= h.opts.SnapshotOps {
		h.startSnapshot()
	}
}

func (h *Handle) flush() error {
	start := time.Now()
	if err := h.writer.Flush(); err != nil {
		h.ioError(err)
		return err
	}
	h.ioErrors = 0
	h.metrics.flushes.Inc()
	h.metrics.flushDuration.UpdateDuration(start)
	return nil
}

func (h *Handle) ioError(err error) {
	h.ioErrors++
	h.metrics.ioErrors.Inc()
	h.lastIOErr = err
	log.Errorf("wal i/o error (%d/%d): %v", h.ioErrors, h.opts.MaxIOErrors, err)
}

// fail stops the loop after repeated I/O errors. Commands still in the queue
// are answered by their callers through h.done.
func (h *Handle) fail() {
	err := h.lastIOErr
	h.failure.Store(&err)
	log.Errorf("persistence stopped after %d consecutive i/o errors, mutations are no longer logged: %v", h.ioErrors, err)

	for h.snapshotting {
		select {
		case res := <-h.snapshotDone:
			h.finishSnapshot(res)
		case cmd := <-h.cmds:
			if cmd.kind == cmdLogOp {
				h.dropped(cmd.op, "persistence failed")
			} else {
				cmd.reply <- fmt.Errorf("%w: %w", ErrStopped, err)
			}
		}
	}
	for _, w := range h.snapshotWaiters {
		w <- fmt.Errorf("%w: %w", ErrStopped, err)
	}
	h.snapshotWaiters = nil

	if closeErr := h.writer.Close(); closeErr != nil {
		log.Warningf("could not close wal: %v", closeErr)
	}
	if h.opts.OnFailure != nil {
		h.opts.OnFailure(err)
	}
}

func (h *Handle) maybeSnapshot() {
	if h.opts.Snapshot == nil || h.opsSinceSnapshot == 0 {
		return
	}
	byOps := h.opts.SnapshotOps > 0 && h.opsSinceSnapshot >= h.opts.SnapshotOps
	byTime := h.opts.SnapshotInterval > 0 && h.opts.Clock().Sub(h.lastSnapshot) >= h.opts.SnapshotInterval
	if byOps || byTime {
		h.startSnapshot()
	}
}

// requestSnapshot registers an explicit snapshot request. A request that
// arrives while a snapshot is running is answered by the next one, which
// reflects every op accepted before the request.
func (h *Handle) requestSnapshot(reply chan error) {
	if h.snapshotting {
		h.queuedWaiters = append(h.queuedWaiters, reply)
		return
	}
	h.snapshotWaiters = append(h.snapshotWaiters, reply)
	h.startSnapshot()
}

// startSnapshot starts a snapshot in a helper goroutine unless one is running.
// The loop keeps appending while shards are copied.
func (h *Handle) startSnapshot() {
	if h.opts.Snapshot == nil || h.snapshotting {
		return
	}
	h.snapshotting = true
	h.opsSinceSnapshot = 0
	h.lastSnapshot = h.opts.Clock()

	go func() {
		info, err := snapshot.Create(h.source, h.opts.Snapshot)
		h.snapshotDone <- snapshotResult{info: info, err: err}
	}()
}

func (h *Handle) finishSnapshot(res snapshotResult) {
	h.snapshotting = false
	if res.err != nil {
		h.metrics.snapshotErrors.Inc()
		log.Errorf("snapshot failed: %v", res.err)
	} else {
		h.metrics.snapshots.Inc()
		h.metrics.snapshotDuration.Update(res.info.Duration.Seconds())
		h.pruneWAL()
	}

	for _, w := range h.snapshotWaiters {
		w <- res.err
	}
	h.snapshotWaiters, h.queuedWaiters = h.queuedWaiters, nil
	if len(h.snapshotWaiters) > 0 {
		h.startSnapshot()
	}
}

// pruneWAL removes the segments that every retained snapshot already covers.
func (h *Handle) pruneWAL() {
	if !h.opts.PruneWAL {
		return
	}
	oldest, ok, err := snapshot.Oldest(h.opts.Snapshot.Dir)
	if err != nil || !ok {
		return
	}
	removed, err := h.writer.Prune(oldest)
	if err != nil {
		log.Warningf("could not prune wal: %v", err)
	}
	h.metrics.prunedSegments.Add(len(removed))
}

// shutdown drains queued ops, waits for a running snapshot and closes the writer.
func (h *Handle) shutdown() error {
	var flushWaiters []chan error
	handle := func(cmd command) {
		switch cmd.kind {
		case cmdLogOp:
			h.logOp(cmd.op)
		case cmdFlush:
			flushWaiters = append(flushWaiters, cmd.reply)
		case cmdSnapshot:
			cmd.reply <- ErrStopped
		case cmdShutdown:
			flushWaiters = append(flushWaiters, cmd.reply)
		}
	}

	for drained := false; !drained; {
		select {
		case cmd := <-h.cmds:
			handle(cmd)
		default:
			drained = true
		}
	}
	// keep consuming while the snapshot copies shards, a blocked Submit may hold a shard lock
	for h.snapshotting {
		select {
		case res := <-h.snapshotDone:
			h.finishSnapshot(res)
		case cmd := <-h.cmds:
			handle(cmd)
		}
	}
	for _, w := range h.snapshotWaiters {
		w <- ErrStopped
	}
	h.snapshotWaiters = nil

	err := h.writer.Close()
	for _, w := range flushWaiters {
		w <- err
	}
	if err != nil {
		log.Errorf("persistence shutdown failed: %v", err)
		return err
	}
	h.metrics.flushes.Inc()
	log.Infof("persistence stopped, wal at %s", h.writer.Position())
	return nil
}
