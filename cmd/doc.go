// Package cmd implements the command-line interface of sqlkv. It opens a SQLite file
// with the flags (or SQLKV_* environment variables) given and runs one store
// operation per command.
//
// The package is organized into several subpackages:
//
//   - kv: One command per store operation (create, set, get, ids, info, etc.)
//   - perf: Fill a table with test items and stream it back to measure throughput
//   - util: Shared utilities for flags, configuration and output (internal use)
//
// See sqlkv -help for a list of all commands.
package cmd
