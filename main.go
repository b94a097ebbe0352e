package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coindash/config"
	"coindash/internal/bus"
	"coindash/internal/dashboard"
	"coindash/internal/feed"
	"coindash/internal/metrics"
	"coindash/internal/okx"
	"coindash/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Coindash.Name,
		"version": cfg.Coindash.Version,
		"symbols": len(cfg.Tracked.Symbols),
	}).Info("starting coindash")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.CloudWatchRegion != "" {
			logger.InitCloudWatch(cfg.Metrics.CloudWatchRegion, cfg.Metrics.CloudWatchNamespace)
		}
		metrics.Init(cfg.Metrics.Address)
	}

	client := okx.NewClient(cfg.Source.Okx)
	events := bus.New(cfg.Events.Buffer)
	engine := feed.New(cfg, client, events)

	loadCtx, loadCancel := context.WithTimeout(ctx, 2*time.Minute)
	assets, err := engine.InitialLoad(loadCtx)
	loadCancel()
	if err != nil {
		var missing *feed.ErrMissingSymbols
		if errors.As(err, &missing) {
			log.WithFields(logger.Fields{"missing": missing.Symbols}).Error("exchange does not list every tracked symbol")
		} else {
			log.WithError(err).Error("initial market data load failed")
		}
		os.Exit(1)
	}
	log.WithFields(logger.Fields{"assets": len(assets)}).Info("initial market data loaded")

	// Pin the refresh scheduler for the process lifetime so REST consumers
	// see live data even when no stream subscriber is connected.
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start market data engine")
		os.Exit(1)
	}

	server := dashboard.NewServer(cfg.Dashboard, engine, log)

	serverErr := make(chan error, 1)
	if server != nil {
		go func() {
			serverErr <- server.Run(ctx)
		}()
	} else {
		log.WithComponent("main").Info("dashboard disabled; engine serves stream subscribers only")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverDone := false
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-serverErr:
		serverDone = true
		if err != nil {
			log.WithError(err).Error("dashboard server failed")
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		engine.Close()
		events.Close()
		if server != nil && !serverDone {
			<-serverErr
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("coindash stopped")
}
