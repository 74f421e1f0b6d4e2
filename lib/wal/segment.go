package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

// SegmentInfo describes a segment file in the data directory.
type SegmentInfo struct {
	ID   uint64
	Path string
	Size int64

	// Filled by recovery or the writer: the largest sequence number in the
	// segment. Records is 0 for segments without valid records.
	MaxSeq  uint64
	Records int
}

// SegmentName returns the file name of segment id.
func SegmentName(id uint64) string {
	return fmt.Sprintf("%s%016d%s", segmentPrefix, id, segmentSuffix)
}

// ParseSegmentName extracts the id from a segment file name.
func ParseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ListSegments returns the segments in dir in ascending id order.
// A missing directory is treated as empty.
func ListSegments(dir string) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list wal segments: %w", err)
	}

	var segments []SegmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := ParseSegmentName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat wal segment %s: %w", e.Name(), err)
		}
		segments = append(segments, SegmentInfo{
			ID:   id,
			Path: filepath.Join(dir, e.Name()),
			Size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })
	return segments, nil
}

// syncDir fsyncs a directory so that created, renamed and removed files are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
