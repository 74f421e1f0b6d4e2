// Package cmd implements the command-line interface of kvcore. The commands
// operate on a data directory produced by lib/store.
//
// The package is organized into several subpackages:
//
//   - inspect: Print the header and records of WAL segments and snapshots
//   - recovery: Run recovery on a data directory and report its statistics
//   - serve: Open a durable store and expose metrics and status over HTTP
//   - util: Shared utilities for flags, configuration and output (internal use)
//
// Every flag can also be set as environment variable KVCORE_<FLAG>
// (e.g. KVCORE_DATA_DIR=/var/lib/kvcore), optionally from a .env file.
//
// See kvcore -help for a list of all commands.
package cmd
