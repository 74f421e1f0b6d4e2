package persistence

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// handleMetrics groups the counters of one Handle in its own metrics.Set so
// several stores can live in one process.
type handleMetrics struct {
	set *metrics.Set

	appendedRecords *metrics.Counter
	appendedBytes   *metrics.Counter
	flushes         *metrics.Counter
	rotations       *metrics.Counter
	snapshots       *metrics.Counter
	snapshotErrors  *metrics.Counter
	droppedOps      *metrics.Counter
	ioErrors        *metrics.Counter
	prunedSegments  *metrics.Counter

	flushDuration    *metrics.Histogram
	snapshotDuration *metrics.Histogram
}

func newHandleMetrics(h *Handle) *handleMetrics {
	set := metrics.NewSet()
	m := &handleMetrics{
		set:              set,
		appendedRecords:  set.NewCounter("kvcore_wal_appended_records_total"),
		appendedBytes:    set.NewCounter("kvcore_wal_appended_bytes_total"),
		flushes:          set.NewCounter("kvcore_wal_flushes_total"),
		rotations:        set.NewCounter("kvcore_wal_rotations_total"),
		snapshots:        set.NewCounter("kvcore_snapshots_total"),
		snapshotErrors:   set.NewCounter("kvcore_snapshot_errors_total"),
		droppedOps:       set.NewCounter("kvcore_persistence_dropped_ops_total"),
		ioErrors:         set.NewCounter("kvcore_persistence_io_errors_total"),
		prunedSegments:   set.NewCounter("kvcore_wal_pruned_segments_total"),
		flushDuration:    set.NewHistogram("kvcore_wal_flush_duration_seconds"),
		snapshotDuration: set.NewHistogram("kvcore_snapshot_duration_seconds"),
	}
	set.NewGauge("kvcore_persistence_queue_length", func() float64 {
		return float64(len(h.cmds))
	})
	set.NewGauge("kvcore_persistence_running", func() float64 {
		if h.Running() {
			return 1
		}
		return 0
	})
	return m
}

// WritePrometheus writes the metrics of the handle in Prometheus text format.
func (h *Handle) WritePrometheus(w io.Writer) {
	h.metrics.set.WritePrometheus(w)
}

// Stats is a point-in-time copy of the handle counters.
type Stats struct {
	AppendedRecords uint64 `json:"appended_records" yaml:"appended_records"`
	AppendedBytes   uint64 `json:"appended_bytes" yaml:"appended_bytes"`
	Flushes         uint64 `json:"flushes" yaml:"flushes"`
	Rotations       uint64 `json:"rotations" yaml:"rotations"`
	Snapshots       uint64 `json:"snapshots" yaml:"snapshots"`
	SnapshotErrors  uint64 `json:"snapshot_errors" yaml:"snapshot_errors"`
	DroppedOps      uint64 `json:"dropped_ops" yaml:"dropped_ops"`
	IOErrors        uint64 `json:"io_errors" yaml:"io_errors"`
	PrunedSegments  uint64 `json:"pruned_segments" yaml:"pruned_segments"`
	QueueLength     int    `json:"queue_length" yaml:"queue_length"`
	Running         bool   `json:"running" yaml:"running"`
}

// Stats returns the current counters.
func (h *Handle) Stats() Stats {
	m := h.metrics
	return Stats{
		AppendedRecords: m.appendedRecords.Get(),
		AppendedBytes:   m.appendedBytes.Get(),
		Flushes:         m.flushes.Get(),
		Rotations:       m.rotations.Get(),
		Snapshots:       m.snapshots.Get(),
		SnapshotErrors:  m.snapshotErrors.Get(),
		DroppedOps:      m.droppedOps.Get(),
		IOErrors:        m.ioErrors.Get(),
		PrunedSegments:  m.prunedSegments.Get(),
		QueueLength:     len(h.cmds),
		Running:         h.Running(),
	}
}
