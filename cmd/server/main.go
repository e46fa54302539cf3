package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mescon/autopulse/internal/api"
	"github.com/mescon/autopulse/internal/clock"
	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/db"
	"github.com/mescon/autopulse/internal/logger"
	"github.com/mescon/autopulse/internal/metrics"
	"github.com/mescon/autopulse/internal/service"
	"github.com/mescon/autopulse/internal/targets"
	"github.com/mescon/autopulse/internal/triggers"
	"github.com/mescon/autopulse/internal/watcher"
	"github.com/mescon/autopulse/internal/webhooks"
)

const (
	checkpointInterval = 5 * time.Minute
	maintenanceCron    = "0 3 * * *"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("autopulse %s\n", config.Version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Opts.LogFile, cfg.Opts.LogFileRollover)
	logger.SetLevel(cfg.Opts.LogLevel)
	defer logger.Close()

	logger.Infof("Starting autopulse %s", config.Version)
	logger.Infof("Configuration:")
	logger.Infof("  Listen: %s:%d", cfg.App.Host, cfg.App.Port)
	logger.Infof("  Database: %s", cfg.App.DatabasePath)
	logger.Infof("  Triggers: %d, Targets: %d, Webhooks: %d",
		len(cfg.Triggers), len(cfg.Targets), len(cfg.Webhooks))
	logger.Infof("  Path check: %v, Max retries: %d, Cleanup after: %d days",
		cfg.Opts.CheckPath, cfg.Opts.MaxRetries, cfg.Opts.CleanupDays)
	if len(cfg.Anchors) > 0 {
		logger.Infof("  Anchors: %v", cfg.Anchors)
	}

	repo, err := db.NewRepository(cfg.App.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	stopCheckpoint := repo.StartPeriodicCheckpoint(checkpointInterval)
	store := db.NewStore(repo)

	reg, err := triggers.NewRegistry(cfg)
	if err != nil {
		logger.Errorf("Failed to build triggers: %v", err)
		os.Exit(1)
	}
	tgts, err := targets.BuildAll(cfg)
	if err != nil {
		logger.Errorf("Failed to build targets: %v", err)
		os.Exit(1)
	}

	hub := api.NewHub()
	sinks := append(webhooks.BuildSinks(cfg), hub)
	batcher := webhooks.NewBatcher(sinks)

	metricsService := metrics.NewService()
	clk := clock.NewRealClock()
	runner := service.NewRunner(cfg, store, reg, tgts, batcher, metricsService, clk)

	ctx, cancel := context.WithCancel(context.Background())

	queue := watcher.NewQueue()
	for _, trig := range reg.Notify() {
		w, err := watcher.New(trig, queue, clk)
		if err != nil {
			logger.Errorf("Failed to build watcher %s: %v", trig.Name(), err)
			os.Exit(1)
		}
		name := trig.Name()
		go func() {
			if err := w.Start(ctx); err != nil {
				logger.Errorf("Watcher %s stopped: %v", name, err)
			}
		}()
		logger.Infof("Watching paths for trigger %s", name)
	}
	go runner.ConsumeWatch(ctx, queue)
	go runner.Run(ctx)
	go batcher.Run(ctx)

	maintenance := cron.New()
	if _, err := maintenance.AddFunc(maintenanceCron, func() {
		if err := repo.RunMaintenance(); err != nil {
			logger.Errorf("Database maintenance failed: %v", err)
		}
	}); err != nil {
		logger.Errorf("Failed to schedule maintenance: %v", err)
		os.Exit(1)
	}
	maintenance.Start()

	server := api.NewServer(api.ServerDeps{
		Config:   cfg,
		Store:    store,
		Runner:   runner,
		Registry: reg,
		Metrics:  metricsService,
		Hub:      hub,
	})
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)
		logger.Infof("Listening on %s", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server failed: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Infof("Received %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	queue.Close()
	maintenance.Stop()
	stopCheckpoint()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown error: %v", err)
	}
	if err := repo.GracefulClose(); err != nil {
		logger.Errorf("Failed to close database: %v", err)
	}
	logger.Infof("Shutdown complete")
}
