package inspect

import (
	"fmt"

	"github.com/ValentinKolb/kvcore/cmd/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// InspectCommands is the parent command of all inspection commands
	InspectCommands = &cobra.Command{
		Use:   "inspect",
		Short: "Print the contents of WAL segments and snapshots",
		Long:  `Print the header and the records of WAL segment files (wal-*.log) and snapshot files (snapshot-*.snap). Snapshots are verified against their checksum before they are printed.`,
	}
	walCmd = &cobra.Command{
		Use:   "wal <segment>...",
		Short: "Print WAL segments",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runWAL,
	}
	snapshotCmd = &cobra.Command{
		Use:   "snapshot <file>...",
		Short: "Verify and print snapshots",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSnapshot,
	}
)

func init() {
	InspectCommands.AddCommand(walCmd)
	InspectCommands.AddCommand(snapshotCmd)

	key := "format"
	InspectCommands.PersistentFlags().String(key, string(util.FormatText), util.WrapString("Output format (text, yaml, json)"))

	key = "summary"
	InspectCommands.PersistentFlags().Bool(key, false, util.WrapString("Only print headers and counts, not the individual records"))
}

func runWAL(cmd *cobra.Command, args []string) error {
	format, err := util.ParseFormat(viper.GetString("format"))
	if err != nil {
		return err
	}

	reports := make([]*WALReport, 0, len(args))
	for _, path := range args {
		report, err := BuildWALReport(path, !viper.GetBool("summary"))
		if err != nil {
			return err
		}
		reports = append(reports, report)
	}

	if format != util.FormatText {
		return util.Encode(cmd.OutOrStdout(), format, reports)
	}
	for i, report := range reports {
		if i > 0 {
			fmt.Fprintln(cmd.OutOrStdout())
		}
		writeWALText(cmd.OutOrStdout(), report)
	}
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	format, err := util.ParseFormat(viper.GetString("format"))
	if err != nil {
		return err
	}

	reports := make([]*SnapshotReport, 0, len(args))
	for _, path := range args {
		report, err := BuildSnapshotReport(path, !viper.GetBool("summary"))
		if err != nil {
			return err
		}
		reports = append(reports, report)
	}

	if format != util.FormatText {
		return util.Encode(cmd.OutOrStdout(), format, reports)
	}
	for i, report := range reports {
		if i > 0 {
			fmt.Fprintln(cmd.OutOrStdout())
		}
		writeSnapshotText(cmd.OutOrStdout(), report)
	}
	return nil
}
