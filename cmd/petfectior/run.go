// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/api"
	"github.com/AleutianAI/petfectior-agent/services/config"
	"github.com/AleutianAI/petfectior-agent/services/pipeline"
	"github.com/AleutianAI/petfectior-agent/services/remote"
	"github.com/AleutianAI/petfectior-agent/services/scp"
	"github.com/AleutianAI/petfectior-agent/services/scu"
	"github.com/AleutianAI/petfectior-agent/services/store"
	"github.com/AleutianAI/petfectior-agent/services/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the site agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func runAgent() error {
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogFile: cfg.Logging.FilePath,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())
	logger.Info("starting petfectior agent", "version", version, "client_id", cfg.ClientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The live config is swapped atomically on reload; services read a
	// snapshot per operation.
	var current atomic.Pointer[config.Config]
	current.Store(cfg)
	snapshot := func() *config.Config { return current.Load() }

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := telemetry.InitTracing(ctx, "petfectior-agent", version, tracingEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()
	metrics := telemetry.NewMetrics()

	st, err := store.Open(ctx, store.Options{
		SQLitePath: cfg.Database.SQLitePath,
		MySQLDSN:   cfg.Database.DSN(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if err := startupRecovery(ctx, st, cfg, logger); err != nil {
		return err
	}

	env := &pipeline.Env{Store: st, Metrics: metrics, Logger: logger, Config: snapshot}
	remoteClient := remote.NewClient(cfg.Server.URL(), logger)
	monitor := remote.NewMonitor(remoteClient, metrics, logger)
	scuSender := scu.NewSender(cfg.DICOM.AETitle, logger)

	downloader := pipeline.NewDownloader(env)
	engine := pipeline.NewEngine(env,
		pipeline.NewValidator(env, remoteClient),
		pipeline.NewPacker(env),
		pipeline.NewUploader(env, remoteClient),
		downloader,
		pipeline.NewUnpacker(env),
		pipeline.NewSender(env, scuSender),
	)
	compiler := pipeline.NewCompiler(env)
	manager := pipeline.NewManager(env, engine)

	receiver := scp.NewReceiver(st, cfg.Paths.IncomingDir, metrics, logger)
	listener, err := scp.New(scp.Options{
		Port:    cfg.DICOM.ListenerPort,
		AETitle: cfg.DICOM.AETitle,
		Logger:  logger,
	}, receiver)
	if err != nil {
		return err
	}

	supervisor := pipeline.NewSupervisor(ctx, logger)
	server := api.NewServer(api.Options{
		Store:      st,
		Monitor:    monitor,
		Supervisor: supervisor,
		SCU:        scuSender,
		Metrics:    metrics,
		Logger:     logger,
		Config:     snapshot,
	})

	supervisor.Register("store_scp", listener.Run)
	supervisor.Register("engine", engine.Run)
	supervisor.Register("compiler", compiler.Run)
	supervisor.Register("task_manager", manager.Run)
	supervisor.Register("server_monitor", monitor.Run)
	supervisor.Register("download_watcher", downloader.Watch)
	supervisor.Register("http_api", server.Run)
	if configPath != "" {
		supervisor.Register("config_watcher", func(ctx context.Context) error {
			return config.Watch(ctx, configPath, logger, func(next *config.Config) {
				current.Store(next)
			})
		})
	}
	supervisor.StartAll()

	<-ctx.Done()
	logger.Info("shutting down")
	supervisor.Wait()
	cleanupShared(snapshot(), logger)
	return nil
}

// startupRecovery puts the workspace back into a known state: tasks
// that were mid-step when the agent died are failed, the scratch
// directories exist, and the AppConfig row is seeded on first run.
func startupRecovery(ctx context.Context, st *store.Store, cfg *config.Config, logger *logging.Logger) error {
	n, err := st.AbortInFlight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Warn("aborted in-flight tasks from previous run", "count", n)
	}

	for _, dir := range []string{
		cfg.Paths.IncomingDir, cfg.Paths.ZipDir, cfg.Paths.UnzipDir,
		cfg.Paths.DownloadPath, cfg.Paths.ToProcess(), cfg.Paths.Processed(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	_, err = st.LoadAppConfig(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err := st.SaveAppConfig(ctx, &store.AppConfig{
			ClientID:             cfg.ClientID,
			MinInstancesInSeries: cfg.Series.MinInstances,
			SliceGapTolerance:    cfg.Series.SliceGapTolerance,
			SeriesTimeout:        time.Duration(cfg.Series.TimeoutSeconds) * time.Second,
			StoreSCPPort:         cfg.DICOM.ListenerPort,
			StoreSCPAET:          cfg.DICOM.AETitle,
			IPAddress:            cfg.DICOM.IPAddress,
			MirrorMode:           cfg.Server.MirrorMode,
			ServerURL:            cfg.Server.URL(),
			SharedMountPoint:     cfg.Paths.SharedMountPoint,
			ZipDir:               cfg.Paths.ZipDir,
			UnzipDir:             cfg.Paths.UnzipDir,
			DownloadPath:         cfg.Paths.DownloadPath,
		})
		if err != nil {
			return err
		}
		logger.Info("seeded app config from defaults")
	case err != nil:
		return err
	}
	return nil
}

// cleanupShared removes leftover result archives from the shared mount
// on shutdown so a restart does not pick up half-written files.
func cleanupShared(cfg *config.Config, logger *logging.Logger) {
	entries, err := os.ReadDir(cfg.Paths.Processed())
	if err != nil {
		return
	}
	for _, e := range entries {
		p := filepath.Join(cfg.Paths.Processed(), e.Name())
		if err := os.Remove(p); err != nil {
			logger.Warn("could not clean shared file", "path", p, "error", err)
		}
	}
}
