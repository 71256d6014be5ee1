package command

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

// ConditionCommand gets or sets the facade's condition precondition,
// attached to every subsequent mutating call until cleared.
func ConditionCommand() *cli.Command {
	return &cli.Command{
		Name:  "condition",
		Usage: "get or set the condition precondition for subsequent writes",
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "show the current condition",
				Action: func(c *cli.Context) error {
					path, expected, ok := GetCluster(c).GetCondition()
					if !ok {
						fmt.Println("(no condition set)")
						return nil
					}
					fmt.Printf("%s == %q\n", path, expected)
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "require path's contents to equal expected before the next mutation",
				ArgsUsage: "<path> <expected>",
				Action: func(c *cli.Context) error {
					path := c.Args().Get(0)
					expected := c.Args().Get(1)
					if path == "" {
						return fmt.Errorf("missing required path argument")
					}
					return GetCluster(c).SetCondition(path, []byte(expected))
				},
			},
			{
				Name:  "clear",
				Usage: "remove the condition precondition",
				Action: func(c *cli.Context) error {
					return GetCluster(c).SetCondition("", nil)
				},
			},
		},
	}
}

// TimeoutCommand gets or sets the facade's per-call timeout.
func TimeoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "timeout",
		Usage: "get or set the per-call timeout",
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "show the current timeout in nanoseconds",
				Action: func(c *cli.Context) error {
					fmt.Println(GetCluster(c).GetTimeout())
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "set the timeout (duration, e.g. 10s; 0 disables)",
				ArgsUsage: "<duration>",
				Action: func(c *cli.Context) error {
					d, err := time.ParseDuration(c.Args().First())
					if err != nil {
						return fmt.Errorf("parse duration: %w", err)
					}
					GetCluster(c).SetTimeout(int64(d))
					return nil
				},
			},
		},
	}
}
