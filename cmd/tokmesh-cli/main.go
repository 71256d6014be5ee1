// Package main provides the entry point for tokmesh-cli.
//
// tokmesh-cli is the command-line client for kvtree, supporting both
// single-command mode and interactive REPL mode.
package main

import (
	"fmt"
	"os"

	"github.com/kvtree/kvtree/internal/cli/command"
	"github.com/kvtree/kvtree/internal/cli/repl"
)

func main() {
	app := command.App()
	defer command.CloseCluster(app)

	if len(os.Args) == 1 {
		r := repl.New(app)
		if err := r.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
