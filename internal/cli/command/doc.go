// Package command provides CLI command definitions for tokmesh-cli.
//
// It uses urfave/cli/v2 for command parsing and supports both
// single-command mode and interactive REPL mode.
//
//   - root.go: root command, global flags, Cluster wiring
//   - tree.go: directory/file subcommands (mkdir, ls, rm, write, cat, ...)
//   - condition.go: condition-precondition and timeout subcommands
//
// Commands follow a consistent pattern of parsing flags, calling the
// Cluster facade, and formatting output via internal/cli/output.
package command
