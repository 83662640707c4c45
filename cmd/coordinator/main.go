package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pyropy/slotcluster/core/coordinator"
	"github.com/pyropy/slotcluster/core/topology"
	"github.com/pyropy/slotcluster/lib/logger"
)

var log, _ = logger.New("coordinator")

func main() {
	if err := run(); err != nil {
		log.Fatalw("startup", "ERROR", err)
	}
}

func run() error {
	cfg, err := coordinator.GetConfig()
	if err != nil {
		log.Errorw("startup", "error", "config error")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := topology.NewClient(cfg.BrokerAddr, cfg.PingTimeout*5)
	prober := coordinator.NewNetworkProber(cfg.PingTimeout)
	defer prober.Close()

	c := coordinator.New(cfg, client, prober, log)

	log.Infow("startup", "status", "coordinator started", "id", cfg.ID, "broker", client.Addr())
	defer log.Infow("shutdown", "status", "coordinator stopped", "id", cfg.ID)

	go c.Start(ctx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	log.Infow("shutdown", "status", "coordinator stopping", "id", cfg.ID)

	return nil
}
