package recovery

import (
	"context"
	"fmt"
	"io"

	cmdUtil "github.com/ValentinKolb/kvcore/cmd/util"
	"github.com/ValentinKolb/kvcore/lib/db/engines/maple"
	librecovery "github.com/ValentinKolb/kvcore/lib/recovery"
	"github.com/ValentinKolb/kvcore/lib/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RecoverCmd recovers a data directory and prints the recovery statistics
var RecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover a data directory and report the result",
	Long: `Load the newest valid snapshot of the data directory, replay the WAL on top
of it and print the recovery statistics. The directory is only read.

With --compact the recovered state is written to a new snapshot and WAL
segments that are covered by the retained snapshots are removed.`,
	RunE: run,
}

// Report is the output of the recover command
type Report struct {
	DataDir string            `json:"data_dir" yaml:"data_dir"`
	Entries int               `json:"entries" yaml:"entries"`
	Stats   librecovery.Stats `json:"stats" yaml:"stats"`
	Compact bool              `json:"compacted" yaml:"compacted"`
}

func init() {
	cmdUtil.SetupStoreFlags(RecoverCmd)

	key := "format"
	RecoverCmd.Flags().String(key, string(cmdUtil.FormatText), cmdUtil.WrapString("Output format (text, yaml, json)"))

	key = "compact"
	RecoverCmd.Flags().Bool(key, false, cmdUtil.WrapString("Write a snapshot of the recovered state and prune the WAL"))
}

func run(cmd *cobra.Command, _ []string) error {
	format, err := cmdUtil.ParseFormat(viper.GetString("format"))
	if err != nil {
		return err
	}
	conf, err := cmdUtil.GetStoreConfig()
	if err != nil {
		return err
	}

	var report *Report
	if viper.GetBool("compact") {
		report, err = Compact(conf)
	} else {
		report, err = Inspect(conf)
	}
	if err != nil {
		return err
	}

	if format != cmdUtil.FormatText {
		return cmdUtil.Encode(cmd.OutOrStdout(), format, report)
	}
	writeText(cmd.OutOrStdout(), report)
	return nil
}

// Inspect recovers conf.DataDir into a throwaway engine without modifying the directory
func Inspect(conf *store.Config) (*Report, error) {
	engineOpts := conf.Engine
	engineOpts.GCInterval = -1
	engine, err := maple.NewMapleDB(&engineOpts)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	res, err := librecovery.Recover(engine, conf.DataDir)
	if err != nil {
		return nil, err
	}
	return &Report{DataDir: conf.DataDir, Entries: engine.Len(), Stats: res.Stats}, nil
}

// Compact opens the store, writes a snapshot and closes it again
func Compact(conf *store.Config) (*Report, error) {
	s, err := store.Open(conf)
	if err != nil {
		return nil, err
	}
	report := &Report{DataDir: s.Dir(), Entries: s.Len(), Stats: *s.RecoveryStats(), Compact: true}

	if err := s.Snapshot(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return report, s.Close()
}

func writeText(w io.Writer, r *Report) {
	s := r.Stats
	fmt.Fprintf(w, "data dir            %s\n", r.DataDir)
	fmt.Fprintf(w, "entries             %d\n", r.Entries)
	if s.SnapshotLoaded {
		fmt.Fprintf(w, "snapshot            %s (position %d, %d entries)\n", s.SnapshotPath, s.SnapshotPosition, s.SnapshotEntries)
	} else {
		fmt.Fprintf(w, "snapshot            none\n")
	}
	fmt.Fprintf(w, "snapshots rejected  %d\n", s.SnapshotsRejected)
	fmt.Fprintf(w, "wal segments        %d (%d rejected, %d truncated)\n", s.WALSegments, s.SegmentsRejected, s.TruncatedSegments)
	fmt.Fprintf(w, "replayed            %d\n", s.WALEntriesReplayed)
	fmt.Fprintf(w, "skipped             %d\n", s.SkippedEntries)
	fmt.Fprintf(w, "corrupted           %d\n", s.CorruptedEntries)
	fmt.Fprintf(w, "replay errors       %d\n", s.ReplayErrors)
	fmt.Fprintf(w, "next seq            %d\n", s.NextSeq)
	fmt.Fprintf(w, "duration            %s\n", s.Duration)
	if r.Compact {
		fmt.Fprintf(w, "compacted           true\n")
	}
}
