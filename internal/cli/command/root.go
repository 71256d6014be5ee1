package command

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kvtree/kvtree/internal/client"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// defaultPort is the port assumed for any host in -hosts that doesn't name
// its own, matching tokmesh-server's default -http-addr.
const defaultPort uint16 = 8080

// clusterKey is the App.Metadata key the Cluster facade is stashed under
// between the Before hook and each command's Action.
const clusterKey = "cluster"

// App creates the CLI application.
func App() *cli.App {
	app := &cli.App{
		Name:    "tokmesh-cli",
		Usage:   "kvtree command-line client",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			MakeDirectoryCommand(),
			ListDirectoryCommand(),
			RemoveDirectoryCommand(),
			WriteCommand(),
			ReadCommand(),
			RemoveFileCommand(),
			PrintWorkingDirectoryCommand(),
			ChangeDirectoryCommand(),
			ConditionCommand(),
			TimeoutCommand(),
		},
		Before: func(c *cli.Context) error {
			if _, ok := c.App.Metadata[clusterKey]; ok {
				return nil // reused across REPL invocations of the same App
			}
			cluster, err := connectCluster(c)
			if err != nil {
				return err
			}
			c.App.Metadata[clusterKey] = cluster
			return nil
		},
	}

	return app
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "hosts",
			Aliases: []string{"s"},
			Usage:   "comma-separated kvtree cluster addresses (e.g., localhost:8080,localhost:8081)",
			EnvVars: []string{"KVTREE_HOSTS"},
			Value:   "localhost:8080",
		},
		&cli.StringFlag{
			Name:    "cluster-uuid",
			Usage:   "expected cluster identity; empty skips the check",
			EnvVars: []string{"KVTREE_CLUSTER_UUID"},
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "per-call timeout (0 disables)",
			Value: 10 * time.Second,
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
			Value:   "table",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"V"},
			Usage:   "enable verbose output",
		},
	}
}

// GlobalFlags holds the flags available to all commands.
type GlobalFlags struct {
	Hosts       string
	ClusterUUID string
	Timeout     time.Duration
	Output      string // table, json, yaml
	Verbose     bool
}

// ParseGlobalFlags extracts global flags from context.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	return &GlobalFlags{
		Hosts:       c.String("hosts"),
		ClusterUUID: c.String("cluster-uuid"),
		Timeout:     c.Duration("timeout"),
		Output:      c.String("output"),
		Verbose:     c.Bool("verbose"),
	}
}

// connectCluster builds the client.Cluster facade this run will drive: an
// HTTP transport, a LeaderRPC over -hosts, and the exactly-once session
// helper, wired the way internal/client's own tests construct them.
func connectCluster(c *cli.Context) (*client.Cluster, error) {
	flags := ParseGlobalFlags(c)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	transport := client.NewConnectTransport(httpClient)
	leader, err := client.NewLeaderRPC(transport, flags.Hosts, defaultPort, flags.ClusterUUID, nil)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	helper := client.NewExactlyOnceRPCHelper(leader, client.DefaultKeepAliveInterval, nil)
	cluster := client.NewCluster(leader, helper)
	cluster.SetTimeout(int64(flags.Timeout))
	return cluster, nil
}

// GetCluster retrieves the Cluster facade stashed by App's Before hook.
func GetCluster(c *cli.Context) *client.Cluster {
	if cluster, ok := c.App.Metadata[clusterKey].(*client.Cluster); ok {
		return cluster
	}
	return nil
}

// CloseCluster closes app's Cluster facade, if one was connected. The
// caller invokes this once at process exit (single-command mode) or REPL
// exit, rather than after every command, since the facade's session spans
// the whole run.
func CloseCluster(app *cli.App) {
	cluster, ok := app.Metadata[clusterKey].(*client.Cluster)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cluster.Close(ctx, 5*time.Second)
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
