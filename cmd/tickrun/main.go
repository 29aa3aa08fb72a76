package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/config"
	"github.com/patrickspencer/tickrun/internal/engine"
	"github.com/patrickspencer/tickrun/internal/logging"
	"github.com/patrickspencer/tickrun/internal/metrics"
	"github.com/patrickspencer/tickrun/internal/notify"
	"github.com/patrickspencer/tickrun/internal/realtime"
	"github.com/patrickspencer/tickrun/internal/runlog"
	"github.com/patrickspencer/tickrun/internal/runner"
	"github.com/patrickspencer/tickrun/internal/store"
	"github.com/patrickspencer/tickrun/internal/web"
	"github.com/patrickspencer/tickrun/internal/web/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Check for subcommands before flag parsing.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run-once":
			os.Exit(runOnce(os.Args[2:]))
		case "validate":
			os.Exit(runValidate(os.Args[2:]))
		case "watchdog":
			os.Exit(runWatchdog(os.Args[2:]))
		}
	}

	configPath := flag.String("config", "", "path to configuration file (default: ./tickrun.yaml or ~/.config/tickrun/tickrun.yaml)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("tickrun exited with error")
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	if cfg.File != "" {
		logger.Info().Str("path", cfg.File).Msg("config loaded")
	}

	var (
		archive engine.Archive
		runs    store.RunStore
	)
	if cfg.Archive.IsEnabled() {
		st, err := store.NewSQLiteStore(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("open run archive: %w", err)
		}
		defer st.Close()
		if n, err := st.MarkInterrupted(ctx, time.Now()); err != nil {
			logger.Warn().Err(err).Msg("failed to close interrupted runs")
		} else if n > 0 {
			logger.Warn().Int64("runs", n).Msg("marked runs left over from a previous process as failed")
		}
		archive, runs = st, st
		logger.Info().Str("path", cfg.Archive.Path).Msg("run archive opened")
	} else {
		logger.Info().Msg("run archive disabled")
	}

	var runLogs *runlog.Manager
	if cfg.RunLogs.IsEnabled() {
		runLogs = runlog.NewManager(
			cfg.RunLogs.Dir,
			cfg.RunLogs.MaxBytesPerRun,
			cfg.RunLogs.RetentionDays,
			cfg.RunLogs.MaxTotalMB*1024*1024,
		)
		if err := os.MkdirAll(runLogs.BaseDir(), 0755); err != nil {
			return fmt.Errorf("create run logs directory %s: %w", runLogs.BaseDir(), err)
		}
		if _, err := runLogs.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("run log cleanup failed")
		}
		logger.Info().
			Str("dir", runLogs.BaseDir()).
			Int64("max_bytes_per_run", cfg.RunLogs.MaxBytesPerRun).
			Int("retention_days", cfg.RunLogs.RetentionDays).
			Int64("max_total_mb", cfg.RunLogs.MaxTotalMB).
			Msg("run log storage enabled")
	} else {
		logger.Info().Msg("run log storage disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	events := realtime.NewBroker()
	sinks := []notify.Sink{notify.LogSink{Log: logger}, notify.BrokerSink{Broker: events}}
	if cfg.Notify.Command != "" {
		sinks = append(sinks, notify.CommandSink{Command: cfg.Notify.Command, Timeout: cfg.Notify.Timeout})
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		RatePerSec: cfg.Notify.RatePerSec,
		QueueSize:  cfg.Notify.QueueSize,
	}, logger, sinks...)

	defsFile := config.NewDefinitionsFile(cfg.DefinitionsFile, logger)
	eng := engine.New(engine.Options{
		Source:            defsFile,
		Launcher:          runner.NewRunner(cfg.MaxOutputBytes, logger),
		Archive:           archive,
		RunLogs:           runLogs,
		Broker:            events,
		Notifier:          dispatcher,
		Metrics:           m,
		Logger:            logger,
		Defaults:          cfg.Defaults,
		TickInterval:      cfg.TickInterval,
		RestartFloor:      cfg.RestartFloor,
		DefaultWorkingDir: cfg.DefaultWorkingDir,
	})
	eng.Start(ctx)

	srv := web.NewServer(web.Options{
		Addr: cfg.Listen,
		API: &api.API{
			Engine:  eng,
			Store:   runs,
			RunLogs: runLogs,
			Events:  events,
			Config:  cfg,
			Log:     logger,
		},
		Gatherer: reg,
		Metrics:  m,
		Logger:   logger,
	})
	srv.RegisterOnShutdown(events.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		if err := srv.Run(gctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.WatchDefinitions {
		g.Go(func() error {
			return defsFile.Watch(gctx, func(defs []command.Definition) {
				logger.Info().Int("commands", len(defs)).Msg("definitions file changed, reloading")
				eng.Apply(defs)
			})
		})
	}
	if runLogs != nil {
		g.Go(func() error {
			cleanupLoop(gctx, runLogs, cfg.RunLogs.CleanupInterval, logger)
			return nil
		})
	}

	logger.Info().
		Str("listen", cfg.Listen).
		Str("definitions", defsFile.Path()).
		Msg("tickrun started")
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("systemd notify failed")
	} else if ok {
		logger.Debug().Msg("notified systemd of readiness")
	}

	<-gctx.Done()
	logger.Info().Msg("shutting down...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err == nil {
		logger.Info().Msg("tickrun stopped")
	}
	return err
}

func cleanupLoop(ctx context.Context, logs *runlog.Manager, every time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := logs.Cleanup()
			if err != nil {
				logger.Warn().Err(err).Msg("run log cleanup failed")
				continue
			}
			if stats.Expired+stats.Evicted > 0 {
				logger.Info().
					Int("expired", stats.Expired).
					Int("evicted", stats.Evicted).
					Int64("remaining_bytes", stats.Remaining).
					Msg("run logs cleaned up")
			}
		}
	}
}
