// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/petfectior-agent/pkg/npy"
	"github.com/AleutianAI/petfectior-agent/services/store"
	"github.com/AleutianAI/petfectior-agent/services/telemetry"
)

// recordingStage captures every task id dispatched to it.
type recordingStage struct {
	name string
	got  chan string
}

func (r *recordingStage) Name() string { return r.name }

func (r *recordingStage) Process(ctx context.Context, taskID string) {
	r.got <- taskID
}

func TestEngine_DispatchUnknownStage(t *testing.T) {
	env := newTestEnv(t)
	engine := NewEngine(env)
	err := engine.Dispatch(context.Background(), "polish", "202401170930150001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polish")
}

func TestEngine_QueueDepthGauge(t *testing.T) {
	env := newTestEnv(t)
	env.Metrics = telemetry.NewMetrics()
	stage := &recordingStage{name: store.StageValidate, got: make(chan string, 1)}
	engine := NewEngine(env, stage)

	gauge := env.Metrics.QueueDepth.WithLabelValues(store.StageValidate)

	// With no worker running the dispatched task sits in the queue.
	require.NoError(t, engine.Dispatch(context.Background(), store.StageValidate, "202401170930150001"))
	assert.InDelta(t, 1.0, testutil.ToFloat64(gauge), 1e-9)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	select {
	case <-stage.got:
	case <-time.After(2 * time.Second):
		t.Fatal("task was never dispatched to the validate stage")
	}
	// The gauge drops before the stage runs, so it is already zero here.
	assert.InDelta(t, 0.0, testutil.ToFloat64(gauge), 1e-9)
}

func TestManager_PollDispatchesClaimedTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stage := &recordingStage{name: store.StageValidate, got: make(chan string, 1)}
	engine := NewEngine(env, stage)
	go engine.Run(ctx)
	m := NewManager(env, engine)

	ready := newPipelineTask("202401170930150001")
	require.NoError(t, env.Store.CreateTask(ctx, ready))
	require.NoError(t, env.Store.AdvanceTask(ctx, ready.ID, store.StageValidate, "compiled"))

	m.Poll(ctx)

	select {
	case id := <-stage.got:
		assert.Equal(t, ready.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("task was never dispatched to the validate stage")
	}
}

func TestManager_PollLeavesCompileTasksToSweeper(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stage := &recordingStage{name: store.StageValidate, got: make(chan string, 1)}
	m := NewManager(env, NewEngine(env, stage))

	task := newPipelineTask("202401170930150001")
	task.StepState = store.StepDone
	require.NoError(t, env.Store.CreateTask(ctx, task))

	m.Poll(ctx)

	// The claim flips the state so the sweeper picks the task up, but
	// nothing is enqueued.
	got, err := env.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepProcessing, got.StepState)
	assert.Empty(t, stage.got)
}

func TestManager_SimulationTransformsUpload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cfg := env.Config()
	cfg.Server.Interaction = false
	m := NewManager(env, NewEngine(env))

	task := newPipelineTask("202401170930150001")
	task.CurrentStep = store.StageUpload
	task.StatusMsg = "processing"
	require.NoError(t, env.Store.CreateTask(ctx, task))

	// The archive the upload stage would have written.
	scratch := t.TempDir()
	voxels := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, npy.WriteFile(filepath.Join(scratch, "voxels.npy"), voxels, [3]int{2, 2, 2}))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "metadata.json"), []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(cfg.Paths.ToProcess(), 0o755))
	name := archiveName(task.ID, cfg.ClientID)
	require.NoError(t, zipDirectory(scratch, filepath.Join(cfg.Paths.ToProcess(), name)))

	m.simulate(ctx)

	// The upload is gone and a processed archive took its place.
	assert.NoFileExists(t, filepath.Join(cfg.Paths.ToProcess(), name))
	zr, err := zip.OpenReader(filepath.Join(cfg.Paths.Processed(), name))
	require.NoError(t, err)
	defer zr.Close()

	entries := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = true
	}
	assert.True(t, entries["denoised.npy"])
	assert.True(t, entries["noise.npy"])
	assert.True(t, entries["metadata.json"])

	for _, f := range zr.File {
		if f.Name != "noise.npy" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		data, shape, err := npy.Read(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2, 2}, shape)
		for _, v := range data {
			assert.Zero(t, v)
		}
	}

	got, err := env.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StageDownload, got.CurrentStep)
	assert.Equal(t, store.StepDone, got.StepState)
	assert.Equal(t, "downloading", got.StatusMsg)
}
