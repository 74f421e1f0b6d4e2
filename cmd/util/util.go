package util

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ValentinKolb/kvcore/lib/persistence"
	"github.com/ValentinKolb/kvcore/lib/store"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitConfig loads .env files and makes viper read KVCORE_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("kvcore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupStoreFlags adds the flags read by GetStoreConfig to a command
func SetupStoreFlags(cmd *cobra.Command) {
	defaults := store.DefaultConfig("")

	key := "data-dir"
	cmd.Flags().String(key, "data", WrapString("Directory holding the WAL segments and snapshots"))

	key = "shards"
	cmd.Flags().Int(key, defaults.Engine.NumShards, WrapString("Number of engine shards (rounded up to a power of two)"))

	key = "gc-interval"
	cmd.Flags().Duration(key, defaults.Engine.GCInterval, WrapString("Interval of the background sweep of expired entries (negative disables it)"))

	key = "queue-size"
	cmd.Flags().Int(key, defaults.Persistence.QueueSize, WrapString("Capacity of the persistence queue"))

	key = "overflow"
	cmd.Flags().String(key, defaults.Persistence.Overflow.String(), WrapString("What happens to mutations when the persistence queue is full (drop, block)"))

	key = "enqueue-timeout"
	cmd.Flags().Duration(key, 0, WrapString("Upper bound for a blocked enqueue with overflow=block (0 waits forever)"))

	key = "flush-interval"
	cmd.Flags().Duration(key, defaults.WAL.FlushInterval, WrapString("Maximum time buffered WAL records stay unflushed (0 flushes after every record)"))

	key = "max-segment-size"
	cmd.Flags().Int64(key, defaults.WAL.MaxSegmentSize, WrapString("Size in bytes after which the WAL rotates to a new segment"))

	key = "snapshot-ops"
	cmd.Flags().Int(key, 100_000, WrapString("Take a snapshot after this many logged operations (0 disables it)"))

	key = "snapshot-interval"
	cmd.Flags().Duration(key, 10*time.Minute, WrapString("Take a snapshot at this interval (0 disables it)"))

	key = "snapshot-retain"
	cmd.Flags().Int(key, defaults.SnapshotRetain, WrapString("Number of snapshots kept on disk"))

	key = "snapshot-on-close"
	cmd.Flags().Bool(key, true, WrapString("Write a snapshot when the store is closed"))
}

// GetStoreConfig reads the store configuration from viper
func GetStoreConfig() (*store.Config, error) {
	conf := store.DefaultConfig(viper.GetString("data-dir"))
	if conf.DataDir == "" {
		return nil, fmt.Errorf("data-dir must not be empty")
	}

	overflow, err := persistence.ParseOverflow(viper.GetString("overflow"))
	if err != nil {
		return nil, err
	}

	conf.Engine.NumShards = viper.GetInt("shards")
	conf.Engine.GCInterval = viper.GetDuration("gc-interval")
	conf.Persistence.QueueSize = viper.GetInt("queue-size")
	conf.Persistence.Overflow = overflow
	conf.Persistence.EnqueueTimeout = viper.GetDuration("enqueue-timeout")
	conf.Persistence.SnapshotOps = viper.GetInt("snapshot-ops")
	conf.Persistence.SnapshotInterval = viper.GetDuration("snapshot-interval")
	conf.WAL.FlushInterval = viper.GetDuration("flush-interval")
	conf.WAL.MaxSegmentSize = viper.GetInt64("max-segment-size")
	conf.SnapshotRetain = viper.GetInt("snapshot-retain")
	conf.SnapshotOnClose = viper.GetBool("snapshot-on-close")

	if conf.Persistence.QueueSize <= 0 {
		return nil, fmt.Errorf("queue-size must be positive, got %d", conf.Persistence.QueueSize)
	}
	if conf.Persistence.EnqueueTimeout < 0 {
		return nil, fmt.Errorf("enqueue-timeout must not be negative, got %s", conf.Persistence.EnqueueTimeout)
	}
	return conf, nil
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

// Format is an output format of the inspection commands
type Format string

const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat validates an output format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatYAML, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("invalid format %q (expected one of: text, yaml, json)", s)
	}
}

// Encode writes v as YAML or JSON. Text output is produced by the commands themselves.
func Encode(w io.Writer, format Format, v any) error {
	switch format {
	case FormatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("format %q cannot be encoded", format)
	}
}

// FormatTime renders a timestamp in the text output
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
