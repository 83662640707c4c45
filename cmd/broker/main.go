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

	"github.com/pyropy/slotcluster/core/broker"
	"github.com/pyropy/slotcluster/lib/logger"
	"go.uber.org/multierr"
)

var log, _ = logger.New("broker")

func main() {
	if err := run(); err != nil {
		log.Fatalw("startup", "ERROR", err)
	}
}

func run() (err error) {
	cfg, err := broker.GetConfig()
	if err != nil {
		log.Errorw("startup", "error", "config error")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := broker.OpenStore(ctx, cfg.DataPath, log)
	if err != nil {
		log.Errorw("startup", "error", "failed to open metadata store", "path", cfg.DataPath)
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	registry, err := broker.NewProxyRegistry(ctx, store, cfg.FailureThreshold)
	if err != nil {
		log.Errorw("startup", "error", "failed to load proxy registry")
		return err
	}

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Errorw("startup", "error", "net listen failed", "address", cfg.Listen)
		return err
	}

	srv := &http.Server{Handler: broker.NewAPI(store, registry, log), ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Infow("startup", "status", "broker api started", "address", l.Addr().String(), "epoch", store.Epoch())
	defer log.Infow("shutdown", "status", "broker api stopped", "address", l.Addr().String())

	go broker.NewFinishedTaskMonitor(store, log, cfg.FinishedTaskRetention).Start(ctx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-shutdown:
	case err := <-serveErr:
		log.Errorw("shutdown", "status", "broker api failed", "ERROR", err)
		return err
	}

	log.Infow("shutdown", "status", "broker api stopping", "address", l.Addr().String())
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	return srv.Shutdown(sctx)
}
