// Package main is the modelgate server entry point: it loads configuration,
// assembles the gateway and runs the HTTP front until shutdown.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/openmux/modelgate/internal/api"
	"github.com/openmux/modelgate/internal/config"
	"github.com/openmux/modelgate/internal/gateway"
	"github.com/openmux/modelgate/internal/health"
	"github.com/openmux/modelgate/internal/logging"
	log "github.com/openmux/modelgate/internal/logging"
	"github.com/openmux/modelgate/internal/usage"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownGrace = 15 * time.Second

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var (
		configPath string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to get working directory: %v", err)
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		logging.SetLevel(slog.LevelDebug)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	log.Infof("modelgate Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)
	log.Infof("loaded %d credentials and %d models", len(cfg.Credentials), len(cfg.Models))

	sink, err := usage.NewSink(cfg.Usage)
	if err != nil {
		log.Fatalf("failed to initialize usage sink: %v", err)
	}

	gw := gateway.New(cfg, sink)
	monitor := health.NewMonitor(gw.Registry(), cfg.Health)
	monitor.Start()

	watcherCtx, cancelWatcher := context.WithCancel(context.Background())
	defer cancelWatcher()
	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		gw.ApplyConfig(next)
	})
	if err = watcher.Start(watcherCtx); err != nil {
		log.WithError(err).Warn("config watcher unavailable, hot reload disabled")
	}

	server := api.NewServer(cfg, gw, monitor)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Infof("received %s, shutting down", sig)
	case err = <-serveErr:
		if err != nil {
			log.WithError(err).Error("api server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	cancelWatcher()
	monitor.Stop()
	if sink != nil {
		if err = sink.Stop(); err != nil {
			log.WithError(err).Warn("usage sink shutdown incomplete")
		}
	}
	log.Info("shutdown complete")
}
