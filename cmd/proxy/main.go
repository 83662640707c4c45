package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pyropy/slotcluster/core/proxy"
	"github.com/pyropy/slotcluster/core/topology"
	"github.com/pyropy/slotcluster/lib/logger"
	"go.uber.org/multierr"
)

var log, _ = logger.New("proxy")

func main() {
	if err := run(); err != nil {
		log.Fatalw("startup", "ERROR", err)
	}
}

func run() (err error) {
	cfg, err := proxy.GetConfig()
	if err != nil {
		log.Errorw("startup", "error", "config error")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := topology.NewClient(cfg.Broker.Addr, cfg.Backend.Timeout)
	cache := topology.NewCache(log, cfg.Broker.MaxStaleness)
	refresher := topology.NewRefresher(client, cache, log, cfg.Broker.RefreshInterval)

	backends := proxy.NewBackends(cfg.Backend.Timeout)
	defer func() { err = multierr.Append(err, backends.Close()) }()

	tracker := proxy.NewMigrationTracker(backends, log)
	cache.OnSwap(tracker.Observe)

	if _, err := refresher.Refresh(ctx); err != nil {
		log.Warnw("startup", "status", "initial topology fetch failed", "broker", client.Addr(), "ERROR", err)
	}

	go refresher.Start(ctx)
	go proxy.NewHeartbeatService(client, cache, log, cfg.Server.Address, cfg.Server.AdminAddress, cfg.Broker.HeartbeatInterval).Start(ctx)

	l, err := net.Listen("tcp", cfg.Server.AdminListen)
	if err != nil {
		log.Errorw("startup", "error", "admin listen failed", "address", cfg.Server.AdminListen)
		return err
	}

	admin := &http.Server{Handler: proxy.NewAdminAPI(cfg.Server.Address, cache, backends, tracker, log), ReadHeaderTimeout: 5 * time.Second}
	failed := make(chan error, 2)
	go func() {
		if err := admin.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()
	log.Infow("startup", "status", "admin api started", "address", l.Addr().String())

	server := proxy.NewServer(cfg.Server.Address, cache, backends, tracker, log)
	listening := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(cfg.Server.Listen, listening); err != nil {
			failed <- err
		}
	}()
	if err := <-listening; err != nil {
		log.Errorw("startup", "error", "resp listen failed", "address", cfg.Server.Listen)
		return err
	}

	log.Infow("startup", "status", "proxy started", "address", server.Addr(), "advertised", cfg.Server.Address, "epoch", cache.Epoch())
	defer log.Infow("shutdown", "status", "proxy stopped", "address", cfg.Server.Address)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-shutdown:
	case err := <-failed:
		log.Errorw("shutdown", "status", "listener failed", "ERROR", err)
		return multierr.Append(err, server.Close())
	}

	log.Infow("shutdown", "status", "proxy stopping", "address", cfg.Server.Address)
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	return multierr.Combine(server.Close(), admin.Shutdown(sctx))
}
