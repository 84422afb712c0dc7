// Command overlayd is the process entrypoint for one overlay node: it
// loads a TOML config, sizes GOMAXPROCS to the container's cgroup quota,
// and starts a node.Node. It is deliberately thin — the admin/client
// protocol and the query/join/testbed CLI tools spec.md §1 names as out
// of scope stay out of scope here too; overlayd only starts the node and
// dumps its internal stats to a terminal.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/netmesh/overlay/config"
	"github.com/netmesh/overlay/internal/debugdump"
	"github.com/netmesh/overlay/node"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:  "overlayd",
		Usage: "run one overlay network node",
		Commands: []*cli.Command{
			startCommand,
			versionCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "overlayd:", err)
		os.Exit(1)
	}
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "print the overlayd version",
	Action: func(c *cli.Context) error {
		fmt.Println("overlayd", version)
		return nil
	},
}

var startCommand = &cli.Command{
	Name:  "start",
	Usage: "start a node from a config file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to a TOML config file; defaults built in if omitted",
		},
		&cli.DurationFlag{
			Name:  "stats-interval",
			Usage: "how often to dump internal stats to stdout (0 disables)",
			Value: 0,
		},
	},
	Action: runStart,
}

func runStart(c *cli.Context) error {
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		fmt.Fprintf(os.Stderr, "overlayd: "+format+"\n", args...)
	}))
	if err != nil {
		fmt.Fprintln(os.Stderr, "overlayd: GOMAXPROCS:", err)
	}
	defer undo()

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer n.Stop()

	fmt.Printf("overlayd: node %s started\n", n.Self())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if interval := c.Duration("stats-interval"); interval > 0 {
		ticker = time.NewTicker(interval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-stop:
			fmt.Println("overlayd: shutting down")
			return nil
		case <-tick:
			debugdump.Render(os.Stdout, n.Metrics(), n.Manager(), n.Registry())
		}
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
