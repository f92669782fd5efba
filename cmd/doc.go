// Package cmd implements the command-line interface of deposit. Every command
// opens the configured Deposit, runs one operation and closes it again, so the
// kv backend is persisted through its snapshot file between invocations.
//
// The package is organized into several subpackages:
//
//   - table: Data commands (get, put, del, all, count, clear, patch, query, info, stats)
//   - perf: Benchmarks of a scratch Deposit on either backend
//   - util: Shared utilities for flags, configuration and output (internal use)
//
// See deposit -help for a list of all commands.
package cmd
