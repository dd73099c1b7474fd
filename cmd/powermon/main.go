// Command powermon runs the headless power monitor: it serves the HTTP API,
// exports Prometheus metrics and optionally publishes frames to Redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/internal/api"
	"github.com/clint456/powermon/internal/config"
	"github.com/clint456/powermon/internal/logger"
	"github.com/clint456/powermon/internal/metrics"
	"github.com/clint456/powermon/internal/monitor"
	"github.com/clint456/powermon/internal/publish"
	"github.com/clint456/powermon/internal/settings"
)

func main() {
	configPath := flag.String("config", "", "configuration file")
	connect := flag.Bool("connect", false, "connect to the instrument at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log, *connect); err != nil {
		log.WithError(err).Fatal("powermon exited")
	}
}

func run(cfg *config.Config, log *logrus.Logger, connect bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defaults := settings.Defaults()
	defaults.CommandPort = cfg.Serial.CommandPort
	defaults.DataPort = cfg.Serial.DataPort
	defaults.BaudRate = cfg.Serial.BaudRate

	store, err := settings.Open(cfg.Settings.Path, defaults)
	if err != nil {
		return err
	}
	log.WithField("file", store.Path()).Info("settings loaded")

	m := metrics.New()

	deps := monitor.Deps{
		Config:    cfg,
		Settings:  store,
		Logger:    log,
		Observer:  m,
		OnCapture: func(n int) { m.CaptureRecords.Add(float64(n)) },
	}

	var history api.HistorySource
	if cfg.Redis.Enabled {
		pub, err := publish.New(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		pub.OnError(func(error) { m.PublishErrors.Inc() })
		deps.Publisher = pub
		history = pub
	}

	mon := monitor.New(deps)
	defer func() {
		if err := mon.Close(); err != nil {
			log.WithError(err).Warn("disconnect on shutdown failed")
		}
	}()

	if connect {
		if _, err := mon.Connect(ctx, monitor.ConnectRequest{}); err != nil {
			log.WithError(err).Error("initial connect failed, waiting for API requests")
		}
	}

	srv := api.NewServer(cfg.API, mon, m.Handler(), log)
	if history != nil {
		srv.ServeHistory(history)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
