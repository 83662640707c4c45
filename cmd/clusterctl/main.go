package main

import (
	"os"
	"time"

	"github.com/pyropy/slotcluster/core/topology"
	"github.com/pyropy/slotcluster/lib/logger"
	"github.com/urfave/cli/v2"
)

var log, _ = logger.New("clusterctl")

func main() {
	app := &cli.App{
		Name:  "clusterctl",
		Usage: "inspect and change the cluster topology held by the broker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "broker",
				Value:   "127.0.0.1:7799",
				EnvVars: []string{"CLUSTERCTL_BROKER"},
				Usage:   "Address of the broker API",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
				Usage: "Timeout of a single broker request",
			},
		},
		Commands: []*cli.Command{
			topologyCmd,
			proxiesCmd,
			applyCmd,
			addChunkCmd,
			removeChunkCmd,
			assignCmd,
			migrateCmd,
			transitionCmd,
			rollbackCmd,
			finishedCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalw("clusterctl", "ERROR", err)
	}
}

func brokerClient(ctx *cli.Context) *topology.Client {
	return topology.NewClient(ctx.String("broker"), ctx.Duration("timeout"))
}
