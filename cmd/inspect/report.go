package inspect

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/kvcore/cmd/util"
	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/ValentinKolb/kvcore/lib/snapshot"
	"github.com/ValentinKolb/kvcore/lib/wal"
)

// --------------------------------------------------------------------------
// Views (the shape of yaml and json output)
// --------------------------------------------------------------------------

// OpView is the printable form of a WAL op
type OpView struct {
	Seq       uint64            `json:"seq" yaml:"seq"`
	Type      string            `json:"type" yaml:"type"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
	Key       string            `json:"key,omitempty" yaml:"key,omitempty"`
	Value     string            `json:"value,omitempty" yaml:"value,omitempty"`
	TTL       string            `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	Delta     int64             `json:"delta,omitempty" yaml:"delta,omitempty"`
	Owner     string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	Pairs     map[string]string `json:"pairs,omitempty" yaml:"pairs,omitempty"`
	Keys      []string          `json:"keys,omitempty" yaml:"keys,omitempty"`
}

// WALReport describes one WAL segment
type WALReport struct {
	Path      string    `json:"path" yaml:"path"`
	Version   uint32    `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Records   int       `json:"records" yaml:"records"`
	Corrupted []string  `json:"corrupted,omitempty" yaml:"corrupted,omitempty"`
	Truncated bool      `json:"truncated" yaml:"truncated"`
	Ops       []OpView  `json:"ops,omitempty" yaml:"ops,omitempty"`
}

// RecordView is the printable form of a snapshot record
type RecordView struct {
	Key       string     `json:"key" yaml:"key"`
	Value     string     `json:"value,omitempty" yaml:"value,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Owner     string     `json:"lease_owner,omitempty" yaml:"lease_owner,omitempty"`
	LeaseEnd  *time.Time `json:"lease_expires_at,omitempty" yaml:"lease_expires_at,omitempty"`
}

// ShardView describes one shard block of a snapshot
type ShardView struct {
	ID       uint32       `json:"id" yaml:"id"`
	Position uint64       `json:"position" yaml:"position"`
	Count    int          `json:"count" yaml:"count"`
	Records  []RecordView `json:"records,omitempty" yaml:"records,omitempty"`
}

// SnapshotReport describes one snapshot file
type SnapshotReport struct {
	Path         string      `json:"path" yaml:"path"`
	Version      uint32      `json:"version" yaml:"version"`
	CreatedAt    time.Time   `json:"created_at" yaml:"created_at"`
	NumShards    uint32      `json:"num_shards" yaml:"num_shards"`
	TotalEntries uint64      `json:"total_entries" yaml:"total_entries"`
	Position     uint64      `json:"position" yaml:"position"`
	Checksum     string      `json:"checksum" yaml:"checksum"`
	Shards       []ShardView `json:"shards,omitempty" yaml:"shards,omitempty"`
}

func opView(op *kv.Op) OpView {
	v := OpView{
		Seq:       op.Seq,
		Type:      op.Type.String(),
		Timestamp: op.Timestamp.UTC(),
		Key:       op.Key,
		Delta:     op.Delta,
		Owner:     op.Owner,
		Keys:      op.Keys,
	}
	if !op.Value.IsZero() {
		v.Value = op.Value.String()
	}
	if op.TTL > 0 {
		v.TTL = op.TTL.String()
	}
	if len(op.Pairs) > 0 {
		v.Pairs = make(map[string]string, len(op.Pairs))
		for _, p := range op.Pairs {
			v.Pairs[p.Key] = p.Value.String()
		}
	}
	return v
}

func recordView(r kv.Record) RecordView {
	v := RecordView{Key: r.Key}
	if !r.Entry.Value.IsZero() {
		v.Value = r.Entry.Value.String()
	}
	if !r.Entry.ExpiresAt.IsZero() {
		t := r.Entry.ExpiresAt.UTC()
		v.ExpiresAt = &t
	}
	if l := r.Entry.Lease; l != nil {
		t := l.ExpiresAt.UTC()
		v.Owner = l.Owner
		v.LeaseEnd = &t
	}
	return v
}

// --------------------------------------------------------------------------
// Report builders
// --------------------------------------------------------------------------

// BuildWALReport reads a segment. With withOps false only the counts are reported.
func BuildWALReport(path string, withOps bool) (*WALReport, error) {
	r, err := wal.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	h := r.Header()
	report := &WALReport{
		Path:      path,
		Version:   h.Version,
		CreatedAt: h.CreatedAt.UTC(),
	}
	for {
		op, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var corrupted *wal.CorruptedRecordError
		if errors.As(err, &corrupted) {
			report.Corrupted = append(report.Corrupted, fmt.Sprintf("offset %d: %s", corrupted.Offset, corrupted.Reason))
			continue
		}
		if err != nil {
			return nil, err
		}
		report.Records++
		if withOps {
			report.Ops = append(report.Ops, opView(op))
		}
	}
	report.Truncated = r.Truncated()
	return report, nil
}

// BuildSnapshotReport loads and verifies a snapshot. With withRecords false
// only the shard blocks are reported.
func BuildSnapshotReport(path string, withRecords bool) (*SnapshotReport, error) {
	data, err := snapshot.Load(path)
	if err != nil {
		return nil, err
	}

	h := data.Header
	report := &SnapshotReport{
		Path:         path,
		Version:      h.Version,
		CreatedAt:    h.CreatedAt.UTC(),
		NumShards:    h.NumShards,
		TotalEntries: h.TotalEntries,
		Position:     h.Position,
		Checksum:     fmt.Sprintf("%x", h.Checksum),
		Shards:       make([]ShardView, 0, len(data.Shards)),
	}
	for _, shard := range data.Shards {
		view := ShardView{ID: shard.ID, Position: shard.Position, Count: len(shard.Records)}
		if withRecords {
			for _, rec := range shard.Records {
				view.Records = append(view.Records, recordView(rec))
			}
		}
		report.Shards = append(report.Shards, view)
	}
	return report, nil
}

// --------------------------------------------------------------------------
// Text output
// --------------------------------------------------------------------------

func writeWALText(w io.Writer, r *WALReport) {
	fmt.Fprintf(w, "segment   %s\n", r.Path)
	fmt.Fprintf(w, "version   %d\n", r.Version)
	fmt.Fprintf(w, "created   %s\n", util.FormatTime(r.CreatedAt))
	fmt.Fprintf(w, "records   %d\n", r.Records)
	fmt.Fprintf(w, "corrupted %d\n", len(r.Corrupted))
	fmt.Fprintf(w, "truncated %t\n", r.Truncated)
	for _, c := range r.Corrupted {
		fmt.Fprintf(w, "  ! %s\n", c)
	}
	for _, op := range r.Ops {
		fmt.Fprintf(w, "  %8d  %s  %-10s", op.Seq, util.FormatTime(op.Timestamp), op.Type)
		if op.Key != "" {
			fmt.Fprintf(w, " key=%q", op.Key)
		}
		if op.Value != "" {
			fmt.Fprintf(w, " value=%s", op.Value)
		}
		if op.Delta != 0 {
			fmt.Fprintf(w, " delta=%d", op.Delta)
		}
		if op.Owner != "" {
			fmt.Fprintf(w, " owner=%q", op.Owner)
		}
		if len(op.Pairs) > 0 {
			fmt.Fprintf(w, " pairs=%d", len(op.Pairs))
		}
		if len(op.Keys) > 0 {
			fmt.Fprintf(w, " keys=%d", len(op.Keys))
		}
		if op.TTL != "" {
			fmt.Fprintf(w, " ttl=%s", op.TTL)
		}
		fmt.Fprintln(w)
	}
}

func writeSnapshotText(w io.Writer, r *SnapshotReport) {
	fmt.Fprintf(w, "snapshot  %s\n", r.Path)
	fmt.Fprintf(w, "version   %d\n", r.Version)
	fmt.Fprintf(w, "created   %s\n", util.FormatTime(r.CreatedAt))
	fmt.Fprintf(w, "position  %d\n", r.Position)
	fmt.Fprintf(w, "shards    %d\n", r.NumShards)
	fmt.Fprintf(w, "entries   %d\n", r.TotalEntries)
	fmt.Fprintf(w, "sha256    %s\n", r.Checksum)
	for _, shard := range r.Shards {
		if shard.Count == 0 && len(shard.Records) == 0 {
			continue
		}
		fmt.Fprintf(w, "  shard %d: %d entries (position %d)\n", shard.ID, shard.Count, shard.Position)
		for _, rec := range shard.Records {
			fmt.Fprintf(w, "    %q", rec.Key)
			if rec.Value != "" {
				fmt.Fprintf(w, " = %s", rec.Value)
			}
			if rec.ExpiresAt != nil {
				fmt.Fprintf(w, " expires %s", util.FormatTime(*rec.ExpiresAt))
			}
			if rec.Owner != "" {
				fmt.Fprintf(w, " leased by %q until %s", rec.Owner, util.FormatTime(*rec.LeaseEnd))
			}
			fmt.Fprintln(w)
		}
	}
}
