package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db"
	"github.com/ValentinKolb/kvcore/lib/db/engines/maple"
	"github.com/ValentinKolb/kvcore/lib/persistence"
	"github.com/ValentinKolb/kvcore/lib/recovery"
	"github.com/ValentinKolb/kvcore/lib/snapshot"
	"github.com/ValentinKolb/kvcore/lib/wal"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

var log = logger.GetLogger("store")

// ErrDirInUse is returned by Open if another Store of this process uses the directory.
var ErrDirInUse = errors.New("store: data directory already in use")

// openDirs holds the absolute data directories of all open stores.
var openDirs = xsync.NewMapOf[string, struct{}]()

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config configures a Store.
type Config struct {
	DataDir string // Directory for WAL segments and snapshots ("" = in-memory only)

	Engine      maple.DBOptions
	WAL         wal.Options // Dir is set to DataDir
	Persistence persistence.Options

	SnapshotRetain  int           // Snapshots kept on disk
	SnapshotOnClose bool          // Write a snapshot before closing
	CloseTimeout    time.Duration // Upper bound for the snapshot on close
}

// DefaultConfig returns the default configuration for dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:        dataDir,
		Engine:         *maple.DefaultOptions(),
		WAL:            *wal.DefaultOptions(dataDir),
		Persistence:    *persistence.DefaultOptions(),
		SnapshotRetain: snapshot.DefaultRetain,
		CloseTimeout:   time.Minute,
	}
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store is a maple database that is recovered from and logged to a data
// directory. All db.KVDB operations are served by the embedded engine.
//
// Thread-safety: All methods are thread-safe.
type Store struct {
	*maple.DB

	dir             string
	handle          *persistence.Handle
	recovery        *recovery.Stats
	snapshotOnClose bool
	closeTimeout    time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ db.KVDB = (*Store)(nil)

// Open creates the engine, recovers the state stored in conf.DataDir and
// starts the persistence loop. Without a data directory the store is a plain
// in-memory engine.
func Open(conf *Config) (*Store, error) {
	if conf == nil {
		conf = DefaultConfig("")
	}

	// the sweeper must not run while recovery replays ops at their original timestamps
	engineOpts := conf.Engine
	engineOpts.DeferGC = true
	engine, err := maple.NewMapleDB(&engineOpts)
	if err != nil {
		return nil, err
	}
	if conf.DataDir == "" {
		engine.StartGC()
		log.Infof("opened in-memory store with %d shards", engine.NumShards())
		return &Store{DB: engine}, nil
	}

	dir, err := filepath.Abs(conf.DataDir)
	if err != nil {
		return nil, multierr.Append(err, engine.Close())
	}
	if _, loaded := openDirs.LoadOrStore(dir, struct{}{}); loaded {
		return nil, multierr.Append(fmt.Errorf("%w: %s", ErrDirInUse, dir), engine.Close())
	}
	fail := func(err error) (*Store, error) {
		openDirs.Delete(dir)
		return nil, multierr.Append(err, engine.Close())
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(fmt.Errorf("create data directory: %w", err))
	}

	res, err := recovery.Recover(engine, dir)
	if err != nil {
		return fail(fmt.Errorf("recover %s: %w", dir, err))
	}
	engine.StartGC()

	walOpts := conf.WAL
	walOpts.Dir = dir
	if walOpts.Clock == nil {
		walOpts.Clock = conf.Engine.Clock
	}
	writer, err := wal.OpenWriter(&walOpts, res.Segments)
	if err != nil {
		return fail(err)
	}

	persistOpts := conf.Persistence
	persistOpts.Snapshot = &snapshot.Options{Dir: dir, Retain: conf.SnapshotRetain, Clock: conf.Engine.Clock}
	if persistOpts.Clock == nil {
		persistOpts.Clock = conf.Engine.Clock
	}
	handle := persistence.Start(writer, engine, &persistOpts)
	engine.Attach(handle)

	stats := res.Stats
	log.Infof("opened store in %s (%d entries, next seq %d)", dir, engine.Len(), stats.NextSeq)
	return &Store{
		DB:              engine,
		dir:             dir,
		handle:          handle,
		recovery:        &stats,
		snapshotOnClose: conf.SnapshotOnClose,
		closeTimeout:    conf.CloseTimeout,
	}, nil
}

// Dir returns the absolute data directory, or "" for an in-memory store.
func (s *Store) Dir() string { return s.dir }

// RecoveryStats returns the statistics of the recovery run at Open, or nil
// for an in-memory store.
func (s *Store) RecoveryStats() *recovery.Stats { return s.recovery }

// Persistence returns the persistence handle, or nil for an in-memory store.
func (s *Store) Persistence() *persistence.Handle { return s.handle }

// WritePrometheus writes the persistence metrics in Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) {
	if s.handle != nil {
		s.handle.WritePrometheus(w)
	}
}

// Close optionally writes a final snapshot, then closes the engine, which
// drains and closes the persistence loop. Later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var errs error
		if s.handle != nil && s.snapshotOnClose && s.handle.Running() {
			timeout := s.closeTimeout
			if timeout <= 0 {
				timeout = time.Minute
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := s.DB.Snapshot(ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("snapshot on close: %w", err))
			}
			cancel()
		}
		errs = multierr.Append(errs, s.DB.Close())
		if s.dir != "" {
			openDirs.Delete(s.dir)
			log.Infof("closed store in %s", s.dir)
		}
		s.closeErr = errs
	})
	return s.closeErr
}
