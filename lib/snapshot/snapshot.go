package snapshot

import (
	"bufio"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/multierr"
)

var log = logger.GetLogger("snapshot")

const (
	DefaultRetain = 3

	filePrefix = "snapshot-"
	fileSuffix = ".snap"
	tempSuffix = ".tmp"
)

// Source is the state a snapshot is taken from.
type Source interface {
	NumShards() int

	// Position returns the next WAL sequence number.
	Position() uint64

	// CopyShard returns the live records of shard i and the WAL sequence
	// number observed while the shard was locked.
	CopyShard(i int) ([]kv.Record, uint64)
}

// Options configures snapshot creation.
type Options struct {
	Dir    string           // Data directory
	Retain int              // Number of snapshots kept after a successful Create (<=0 keeps all)
	Clock  func() time.Time // Source of time (nil = time.Now)
}

// DefaultOptions returns the default options for dir.
func DefaultOptions(dir string) *Options {
	return &Options{Dir: dir, Retain: DefaultRetain, Clock: time.Now}
}

// Info describes a snapshot file.
type Info struct {
	Path      string
	Timestamp time.Time // from the file name
	Position  uint64    // from the file name
	CreatedAt time.Time // from the header, Timestamp if the header is unreadable
	Entries   uint64
	Size      int64
	Duration  time.Duration
}

// FileName returns the snapshot file name for a creation time and WAL position.
func FileName(createdAt time.Time, position uint64) string {
	return fmt.Sprintf("%s%d-%d%s", filePrefix, createdAt.Unix(), position, fileSuffix)
}

// ParseFileName extracts the creation time and WAL position from a snapshot file name.
func ParseFileName(name string) (time.Time, uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, 0, false
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), "-")
	if len(parts) != 2 {
		return time.Time{}, 0, false
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	pos, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	return time.Unix(ts, 0), pos, true
}

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// Create writes a snapshot of src into opts.Dir.
//
// The WAL position P is read before the first shard is copied. Every shard is
// copied under its own lock and stored with the position observed under that
// lock, so replaying the WAL from P while skipping ops below a shard's own
// position applies every op exactly once.
//
// The file is written to a temporary name, synced and atomically renamed.
// Afterwards all but the newest opts.Retain snapshots are removed.
func Create(src Source, opts *Options) (*Info, error) {
	if opts == nil || opts.Dir == "" {
		return nil, errors.New("snapshot: data directory is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	start := time.Now()
	createdAt := clock()

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	position := src.Position()
	numShards := src.NumShards()

	tmp, err := os.CreateTemp(opts.Dir, filePrefix+"*"+tempSuffix)
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (*Info, error) {
		err = multierr.Append(err, tmp.Close())
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, rmErr)
		}
		return nil, err
	}

	// reserve the header, it is written once the checksum is known
	if _, err := tmp.Write(make([]byte, HeaderSize)); err != nil {
		return fail(fmt.Errorf("write snapshot header: %w", err))
	}

	hash := sha256.New()
	buf := bufio.NewWriterSize(io.MultiWriter(tmp, hash), 256<<10)
	var total uint64
	for i := 0; i < numShards; i++ {
		records, shardPos := src.CopyShard(i)

		enc := kv.NewEncoder(shardHeaderSize + 64*len(records))
		enc.Uint32(uint32(i))
		enc.Uint32(uint32(len(records)))
		enc.Uint64(shardPos)
		for _, r := range records {
			enc.Record(r)
		}
		if _, err := buf.Write(enc.Bytes()); err != nil {
			return fail(fmt.Errorf("write snapshot shard %d: %w", i, err))
		}
		total += uint64(len(records))
	}
	if err := buf.Flush(); err != nil {
		return fail(fmt.Errorf("write snapshot body: %w", err))
	}

	header := Header{
		Version:      Version,
		CreatedAt:    createdAt,
		NumShards:    uint32(numShards),
		TotalEntries: total,
		Position:     position,
	}
	copy(header.Checksum[:], hash.Sum(nil))
	if _, err := tmp.WriteAt(encodeHeader(header), 0); err != nil {
		return fail(fmt.Errorf("write snapshot header: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync snapshot: %w", err))
	}
	size, _ := tmp.Seek(0, io.SeekEnd)
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close snapshot: %w", err)
	}

	path := filepath.Join(opts.Dir, FileName(createdAt, position))
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("rename snapshot: %w", err)
	}
	if err := syncDir(opts.Dir); err != nil {
		log.Warningf("could not sync directory %s: %v", opts.Dir, err)
	}

	info := &Info{
		Path:      path,
		Timestamp: time.Unix(createdAt.Unix(), 0),
		Position:  position,
		Entries:   total,
		Size:      size,
		Duration:  time.Since(start),
	}
	log.Infof("created snapshot %s (%d entries, %d bytes) in %s", filepath.Base(path), total, size, info.Duration)

	if opts.Retain > 0 {
		if _, err := Prune(opts.Dir, opts.Retain); err != nil {
			log.Warningf("could not prune snapshots: %v", err)
		}
	}
	return info, nil
}

// --------------------------------------------------------------------------
// Loader
// --------------------------------------------------------------------------

// Shard is the content of one shard in a snapshot.
type Shard struct {
	ID       uint32
	Position uint64 // WAL sequence number observed while the shard was copied
	Records  []kv.Record
}

// Data is a fully loaded and verified snapshot.
type Data struct {
	Path   string
	Header Header
	Shards []Shard
}

// ReadHeader reads and validates only the header of the snapshot at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	b := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, b); err != nil {
		return Header{}, fmt.Errorf("%w: %s: short header", ErrInvalidMagic, path)
	}
	return decodeHeader(b)
}

// Load reads the snapshot at path. The body checksum is verified before
// anything is decoded, so a corrupted snapshot is never partially returned.
func Load(path string) (*Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %s: short header", ErrInvalidMagic, path)
	}
	header, err := decodeHeader(raw[:HeaderSize])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	body := raw[HeaderSize:]
	if sum := sha256.Sum256(body); sum != header.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, path)
	}

	dec := kv.NewDecoder(body)
	shards := make([]Shard, 0, header.NumShards)
	var total uint64
	for i := uint32(0); i < header.NumShards; i++ {
		id := dec.Uint32()
		count := dec.Uint32()
		pos := dec.Uint64()
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("%w: shard %d header: %v", ErrMalformed, i, err)
		}
		if id != i {
			return nil, fmt.Errorf("%w: expected shard %d, found %d", ErrMalformed, i, id)
		}
		// every record takes at least 4+1+1 bytes
		if uint64(count)*6 > uint64(dec.Remaining()) {
			return nil, fmt.Errorf("%w: shard %d claims %d entries", ErrMalformed, i, count)
		}

		shard := Shard{ID: id, Position: pos, Records: make([]kv.Record, 0, count)}
		for j := uint32(0); j < count; j++ {
			r := dec.Record()
			if err := dec.Err(); err != nil {
				return nil, fmt.Errorf("%w: shard %d entry %d: %v", ErrMalformed, i, j, err)
			}
			shard.Records = append(shard.Records, r)
		}
		total += uint64(count)
		shards = append(shards, shard)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, dec.Remaining())
	}
	if total != header.TotalEntries {
		return nil, fmt.Errorf("%w: header claims %d entries, body holds %d", ErrMalformed, header.TotalEntries, total)
	}

	return &Data{Path: path, Header: header, Shards: shards}, nil
}

// --------------------------------------------------------------------------
// Listing and Retention
// --------------------------------------------------------------------------

// List returns the snapshots in dir ordered for recovery: highest WAL
// position first, then by header creation time, newest first.
// A missing directory is treated as empty.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, pos, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		info := Info{Path: filepath.Join(dir, e.Name()), Timestamp: ts, Position: pos, CreatedAt: ts}
		if st, err := e.Info(); err == nil {
			info.Size = st.Size()
		}
		if h, err := ReadHeader(info.Path); err == nil {
			info.CreatedAt = h.CreatedAt
		}
		out = append(out, info)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position > out[j].Position
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Path > out[j].Path
	})
	return out, nil
}

// Prune removes all but the first retain snapshots of List(dir) together with
// leftover temporary files. It returns the removed paths.
func Prune(dir string, retain int) ([]string, error) {
	snapshots, err := List(dir)
	if err != nil {
		return nil, err
	}

	var (
		removed []string
		errs    error
	)
	if retain > 0 && len(snapshots) > retain {
		for _, s := range snapshots[retain:] {
			if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
				errs = multierr.Append(errs, err)
				continue
			}
			removed = append(removed, s.Path)
		}
	}

	temps, _ := filepath.Glob(filepath.Join(dir, filePrefix+"*"+tempSuffix))
	for _, path := range temps {
		// a concurrent Create may still be writing its temp file
		if st, err := os.Stat(path); err == nil && time.Since(st.ModTime()) < time.Hour {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed = append(removed, path)
		}
	}

	if len(removed) > 0 {
		log.Debugf("pruned %d snapshot files in %s", len(removed), dir)
	}
	return removed, errs
}

// Oldest returns the lowest WAL position among the snapshots kept in dir.
// It returns false if dir holds no snapshot.
func Oldest(dir string) (uint64, bool, error) {
	snapshots, err := List(dir)
	if err != nil || len(snapshots) == 0 {
		return 0, false, err
	}
	return snapshots[len(snapshots)-1].Position, true, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
