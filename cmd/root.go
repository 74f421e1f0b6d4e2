package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/ValentinKolb/kvcore/cmd/inspect"
	"github.com/ValentinKolb/kvcore/cmd/recovery"
	"github.com/ValentinKolb/kvcore/cmd/serve"
	"github.com/ValentinKolb/kvcore/cmd/util"
	"github.com/ValentinKolb/kvcore/lib/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kvcore",
		Short: "embedded key-value store with WAL and snapshots",
		Long: fmt.Sprintf(`kvcore (v%s)

A sharded in-memory key-value store with TTLs, atomic counters and
leases, made durable by a write-ahead log and periodic snapshots.

The commands work on a data directory: inspect its files, verify that
it recovers, or serve a store with operational HTTP endpoints.`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return logging.InitLoggers(viper.GetString("log-level"), viper.GetString("log-levels"))
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kvcore",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kvcore v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(inspect.InspectCommands)
	RootCmd.AddCommand(recovery.RecoverCmd)
	serve.Version = Version
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "log-levels"
	RootCmd.PersistentFlags().String(key, "", util.WrapString(fmt.Sprintf("Per package log levels overriding --log-level, as comma separated pkg=level pairs (packages: %s)", strings.Join(logging.Packages, ", "))))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
