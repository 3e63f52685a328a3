// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/pkg/npy"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// Manager polls for step-done tasks and dispatches them into the
// engine. Without server interaction it also plays the remote service,
// turning uploaded archives into synthetic processed results.
type Manager struct {
	env    *Env
	engine *Engine
	logger *logging.Logger
	period time.Duration
}

// NewManager builds the task manager over an engine.
func NewManager(env *Env, engine *Engine) *Manager {
	return &Manager{
		env:    env,
		engine: engine,
		logger: env.Logger.With("service", "task_manager"),
		period: time.Second,
	}
}

// Run polls once a second until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Poll(ctx)
			if !m.env.Config().Server.Interaction {
				m.simulate(ctx)
			}
		}
	}
}

// Poll claims every step-done task and enqueues it into its stage.
// Compile tasks are sweep-driven and only need their state flip.
func (m *Manager) Poll(ctx context.Context) {
	claimed, err := m.env.Store.ClaimStepDone(ctx)
	if err != nil {
		m.logger.Error("claiming tasks", "error", err)
		return
	}
	for _, t := range claimed {
		if t.CurrentStep == store.StageCompile {
			continue
		}
		if m.env.Metrics != nil {
			m.env.Metrics.TasksDispatched.WithLabelValues(t.CurrentStep).Inc()
		}
		if err := m.engine.Dispatch(ctx, t.CurrentStep, t.ID); err != nil {
			m.logger.Error("dispatching task", "task_id", t.ID,
				"stage", t.CurrentStep, "error", err)
		}
	}
}

// simulate stands in for the processing server: every task waiting in
// "processing" gets its uploaded archive transformed into a processed
// one (voxels passed through unchanged, zero noise) and is moved to
// download as if /process_ready had fired.
func (m *Manager) simulate(ctx context.Context) {
	waiting, err := m.env.Store.ListTasksByStatus(ctx, "processing")
	if err != nil {
		m.logger.Error("listing waiting tasks", "error", err)
		return
	}
	for _, t := range waiting {
		if t.CurrentStep != store.StageUpload || t.StepState != store.StepProcessing {
			continue
		}
		if err := m.transform(t.ID); err != nil {
			m.logger.Error("simulating remote processing", "task_id", t.ID, "error", err)
			continue
		}
		m.logger.Info("simulated remote processing", "task_id", t.ID)
		m.env.advanceTask(ctx, t.ID, store.StageDownload, "downloading")
	}
}

// transform rewrites {to_process}/{name} as {processed}/{name} with
// voxels.npy renamed to denoised.npy and an all-zero noise.npy.
func (m *Manager) transform(taskID string) error {
	cfg := m.env.Config()
	name := archiveName(taskID, cfg.ClientID)
	src := filepath.Join(cfg.Paths.ToProcess(), name)
	dst := filepath.Join(cfg.Paths.Processed(), name)

	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening uploaded archive: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(cfg.Paths.Processed(), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	zw := zip.NewWriter(out)

	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.Name, err)
		}

		switch f.Name {
		case "voxels.npy":
			if err := writeZipEntry(zw, "denoised.npy", data); err != nil {
				return err
			}
			noise, err := zeroVolume(data)
			if err != nil {
				return err
			}
			if err := writeZipEntry(zw, "noise.npy", noise); err != nil {
				return err
			}
		default:
			if err := writeZipEntry(zw, f.Name, data); err != nil {
				return err
			}
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// zeroVolume produces an npy of zeros with the same shape as in.
func zeroVolume(in []byte) ([]byte, error) {
	_, shape, err := npy.Read(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("reading voxel shape: %w", err)
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("voxels.npy is not a 3-D volume")
	}
	var buf bytes.Buffer
	zeros := make([]float32, shape[0]*shape[1]*shape[2])
	if err := npy.Write(&buf, zeros, [3]int{shape[0], shape[1], shape[2]}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
