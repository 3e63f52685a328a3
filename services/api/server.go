// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api is the agent's HTTP surface: the /process_ready callback
// the processing server invokes when a result archive is on the shared
// mount, plus the operator API for tasks, filters, devices and service
// control.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/config"
	"github.com/AleutianAI/petfectior-agent/services/pipeline"
	"github.com/AleutianAI/petfectior-agent/services/remote"
	"github.com/AleutianAI/petfectior-agent/services/scu"
	"github.com/AleutianAI/petfectior-agent/services/store"
	"github.com/AleutianAI/petfectior-agent/services/telemetry"
)

// Options wires the server's collaborators. Store is mandatory; the
// rest degrade to 503 responses on their endpoints when absent.
type Options struct {
	Store      *store.Store
	Monitor    *remote.Monitor
	Supervisor *pipeline.Supervisor
	SCU        *scu.Sender
	Metrics    *telemetry.Metrics
	Logger     *logging.Logger
	Config     func() *config.Config
}

// Server is the gin HTTP server.
type Server struct {
	opts   Options
	logger *logging.Logger
	router *gin.Engine
}

// NewServer builds the router with all routes registered.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("service", "http_api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("petfectior-agent"))

	router.POST("/process_ready", s.processReady)
	router.GET("/healthz", s.healthz)
	router.GET("/monitor", s.monitorStats)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			opts.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	router.GET("/tasks", s.listTasks)
	router.GET("/tasks/:id", s.getTask)
	router.POST("/tasks/:id/retry", s.retryTask)
	router.POST("/tasks/:id/restart", s.restartTask)
	router.DELETE("/tasks/:id", s.deleteTask)
	// Bulk deletes live outside /tasks: gin rejects a static segment
	// alongside the :id wildcard.
	router.POST("/delete_finished", s.deleteFinished)
	router.POST("/delete_failed", s.deleteFailed)

	router.GET("/filters", s.listFilters)
	router.POST("/filters", s.saveFilter)
	router.PUT("/filters/:id", s.saveFilter)
	router.DELETE("/filters/:id", s.deleteFilter)

	router.GET("/devices", s.listDevices)
	router.POST("/devices", s.saveDevice)
	router.DELETE("/devices/:name", s.deleteDevice)
	router.POST("/devices/:name/echo", s.echoDevice)

	router.GET("/radiopharmaceuticals", s.listRadiopharmaceuticals)
	router.POST("/radiopharmaceuticals", s.saveRadiopharmaceutical)

	router.GET("/models", s.listModels)
	router.POST("/clear_database", s.clearDatabase)
	router.POST("/clear_storage", s.clearStorage)

	router.GET("/services", s.serviceStatus)
	router.POST("/services/:name/:action", s.controlService)

	s.router = router
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until ctx is done, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	port := s.opts.Config().HTTP.Port
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http api listening", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// =============================================================================
// Callback and liveness
// =============================================================================

type processReadyRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// processReady is the processing server's callback: the result archive
// for a task is on the shared mount and the download stage can run.
func (s *Server) processReady(c *gin.Context) {
	var req processReadyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	task, err := s.opts.Store.GetTask(ctx, req.TaskID)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if task.CurrentStep != store.StageUpload {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("task %s is in step %q, not awaiting processing", task.ID, task.CurrentStep)})
		return
	}
	if err := s.opts.Store.AdvanceTask(ctx, task.ID, store.StageDownload, "downloading"); err != nil {
		s.storeError(c, err)
		return
	}
	s.logger.Info("processing server announced result", "task_id", task.ID)
	c.JSON(http.StatusOK, gin.H{"response": "ok"})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) monitorStats(c *gin.Context) {
	if s.opts.Monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server monitor not running"})
		return
	}
	c.JSON(http.StatusOK, s.opts.Monitor.Stats())
}

// =============================================================================
// Service control
// =============================================================================

func (s *Server) serviceStatus(c *gin.Context) {
	if s.opts.Supervisor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "supervisor not available"})
		return
	}
	c.JSON(http.StatusOK, s.opts.Supervisor.Status())
}

func (s *Server) controlService(c *gin.Context) {
	if s.opts.Supervisor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "supervisor not available"})
		return
	}
	name := c.Param("name")
	var err error
	switch action := c.Param("action"); action {
	case "start":
		err = s.opts.Supervisor.Start(name)
	case "stop":
		err = s.opts.Supervisor.Stop(name)
	case "restart":
		err = s.opts.Supervisor.Restart(name)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", action)})
		return
	}
	if err != nil {
		status := http.StatusConflict
		if strings.Contains(err.Error(), "no service named") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": "ok"})
}

// =============================================================================
// Shared helpers
// =============================================================================

// storeError maps store failures onto HTTP statuses: unknown rows are
// 404, state-guard violations are 409, the rest 500.
func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case strings.Contains(err.Error(), "only completed or failed"):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("store operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
