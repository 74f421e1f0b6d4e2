package recovery

import (
	"errors"
	"io"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db/util"
	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/ValentinKolb/kvcore/lib/snapshot"
	"github.com/ValentinKolb/kvcore/lib/wal"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("recovery")

// Target is the engine the state is restored into. All calls happen before the
// engine is shared, none of them is reported to a persister.
type Target interface {
	Import(rec kv.Record)
	Apply(op *kv.Op) error
	SetPosition(next uint64)
}

// Stats describes a recovery run.
type Stats struct {
	SnapshotLoaded     bool          `json:"snapshot_loaded" yaml:"snapshot_loaded"`
	SnapshotEntries    int           `json:"snapshot_entries" yaml:"snapshot_entries"`
	WALEntriesReplayed int           `json:"wal_entries_replayed" yaml:"wal_entries_replayed"`
	CorruptedEntries   int           `json:"corrupted_entries" yaml:"corrupted_entries"`
	Duration           time.Duration `json:"duration" yaml:"duration"`

	SnapshotPath      string `json:"snapshot_path,omitempty" yaml:"snapshot_path,omitempty"`
	SnapshotPosition  uint64 `json:"snapshot_position" yaml:"snapshot_position"`
	SnapshotsRejected int    `json:"snapshots_rejected" yaml:"snapshots_rejected"`
	WALSegments       int    `json:"wal_segments" yaml:"wal_segments"`
	SegmentsRejected  int    `json:"segments_rejected" yaml:"segments_rejected"`
	TruncatedSegments int    `json:"truncated_segments" yaml:"truncated_segments"`
	SkippedEntries    int    `json:"skipped_entries" yaml:"skipped_entries"` // already contained in the snapshot
	ReplayErrors      int    `json:"replay_errors" yaml:"replay_errors"`
	NextSeq           uint64 `json:"next_seq" yaml:"next_seq"`
}

// Result is returned by Recover.
type Result struct {
	Stats Stats

	// Segments holds the metadata of every readable WAL segment, keyed by id.
	// It is handed to wal.OpenWriter so that the segments need not be scanned twice.
	Segments map[uint64]wal.SegmentInfo
}

// positions decides which logged ops are not yet contained in the snapshot.
type positions struct {
	numShards int      // shard count of the snapshot, 0 without snapshot
	perShard  []uint64 // position observed while each shard was copied
	start     uint64   // header position, ops below are always contained
}

func (p *positions) contains(seq uint64, key string) bool {
	if p.numShards == 0 {
		return false
	}
	return seq < p.perShard[util.ShardIndex(key, p.numShards)]
}

// filter drops the parts of op that the snapshot already contains and
// reports whether anything is left to apply.
func (p *positions) filter(op *kv.Op) bool {
	if op.Seq < p.start {
		return false
	}
	switch op.Type {
	case kv.OpMSet:
		pairs := op.Pairs[:0:0]
		for _, pair := range op.Pairs {
			if !p.contains(op.Seq, pair.Key) {
				pairs = append(pairs, pair)
			}
		}
		op.Pairs = pairs
		return len(pairs) > 0
	case kv.OpMDel:
		keys := op.Keys[:0:0]
		for _, k := range op.Keys {
			if !p.contains(op.Seq, k) {
				keys = append(keys, k)
			}
		}
		op.Keys = keys
		return len(keys) > 0
	default:
		return !p.contains(op.Seq, op.Key)
	}
}

// Recover restores the state stored in dir into target.
//
//  1. Snapshots are tried from the highest WAL position down (newest first
//     among equal positions). A snapshot that fails verification is skipped.
//     If none loads, recovery starts empty.
//  2. All WAL segments are replayed in id order. An op is applied to a shard
//     only if its sequence number is at least the position stored for that
//     shard in the snapshot. Corrupted records are counted and skipped.
//
// Recover only fails on errors that make the directory unreadable.
func Recover(target Target, dir string) (*Result, error) {
	start := time.Now()
	res := &Result{Segments: make(map[uint64]wal.SegmentInfo)}
	stats := &res.Stats

	pos, err := loadSnapshot(target, dir, stats)
	if err != nil {
		return nil, err
	}

	segments, err := wal.ListSegments(dir)
	if err != nil {
		return nil, err
	}
	stats.WALSegments = len(segments)

	next := stats.NextSeq
	for _, seg := range segments {
		info, err := replaySegment(target, seg, pos, stats)
		if err != nil {
			return nil, err
		}
		res.Segments[seg.ID] = info
		if info.Records > 0 && info.MaxSeq+1 > next {
			next = info.MaxSeq + 1
		}
	}
	stats.NextSeq = next
	target.SetPosition(next)

	stats.Duration = time.Since(start)
	log.Infof("recovered %s: snapshot=%t (%d entries), replayed %d wal entries from %d segments, %d corrupted, took %s",
		dir, stats.SnapshotLoaded, stats.SnapshotEntries, stats.WALEntriesReplayed, stats.WALSegments, stats.CorruptedEntries, stats.Duration)
	return res, nil
}

// loadSnapshot imports the best loadable snapshot and returns the replay positions.
func loadSnapshot(target Target, dir string, stats *Stats) (*positions, error) {
	candidates, err := snapshot.List(dir)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		data, err := snapshot.Load(c.Path)
		if err != nil {
			stats.SnapshotsRejected++
			log.Warningf("rejecting snapshot %s, trying an older one: %v", c.Path, err)
			continue
		}

		if !util.IsPowerOfTwo(int(data.Header.NumShards)) {
			stats.SnapshotsRejected++
			log.Warningf("rejecting snapshot %s: shard count %d is not a power of two", c.Path, data.Header.NumShards)
			continue
		}

		pos := &positions{
			numShards: int(data.Header.NumShards),
			perShard:  make([]uint64, len(data.Shards)),
			start:     data.Header.Position,
		}
		next := data.Header.Position
		for i, shard := range data.Shards {
			pos.perShard[i] = shard.Position
			if shard.Position > next {
				next = shard.Position
			}
			for _, r := range shard.Records {
				target.Import(r)
			}
			stats.SnapshotEntries += len(shard.Records)
		}
		stats.SnapshotLoaded = true
		stats.SnapshotPath = c.Path
		stats.SnapshotPosition = data.Header.Position
		stats.NextSeq = next
		target.SetPosition(next)
		log.Infof("loaded snapshot %s at position %d (%d entries)", c.Path, data.Header.Position, stats.SnapshotEntries)
		return pos, nil
	}

	if len(candidates) > 0 {
		log.Errorf("none of the %d snapshots in %s could be loaded, starting empty and replaying the remaining wal", len(candidates), dir)
	}
	return &positions{}, nil
}

// replaySegment applies the ops of one segment and returns its metadata.
func replaySegment(target Target, seg wal.SegmentInfo, pos *positions, stats *Stats) (wal.SegmentInfo, error) {
	info := seg

	r, err := wal.OpenReader(seg.Path)
	if err != nil {
		if errors.Is(err, wal.ErrInvalidMagic) || errors.Is(err, wal.ErrUnsupportedVersion) {
			stats.SegmentsRejected++
			log.Errorf("skipping wal segment: %v", err)
			return info, nil
		}
		return info, err
	}
	defer r.Close()

	for {
		op, err := r.Next()
		if err == io.EOF {
			break
		}
		var corrupted *wal.CorruptedRecordError
		if errors.As(err, &corrupted) {
			stats.CorruptedEntries++
			log.Warningf("skipping %v", corrupted)
			continue
		}
		if err != nil {
			return info, err
		}

		if info.Records == 0 || op.Seq > info.MaxSeq {
			info.MaxSeq = op.Seq
		}
		info.Records++

		if !pos.filter(op) {
			stats.SkippedEntries++
			continue
		}
		if err := target.Apply(op); err != nil {
			stats.ReplayErrors++
			log.Warningf("could not replay %s from %s: %v", op, seg.Path, err)
			continue
		}
		stats.WALEntriesReplayed++
	}
	if r.Truncated() {
		stats.TruncatedSegments++
	}
	return info, nil
}
