// Package repl provides interactive mode for TokMesh CLI.
//
// This package implements the Read-Eval-Print Loop for interactive sessions:
//
//   - repl.go: Main REPL loop and command dispatch
//   - completer.go: Command-name completion by prefix
//   - history.go: Command history with file Load/Save
//
// Features:
//
//   - One command per input line, run through the CLI app
//   - "exit" or "quit" ends the loop
//   - Each entered line is added to the in-memory history
//
// Input is read as plain lines: the loop offers no line editing, and it
// does not use the completer or load or save the history file.
//
// @design DS-0602
package repl
