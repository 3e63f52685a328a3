// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/petfectior-agent/services/store"
)

func TestValidator_NoDestinationFailsTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := NewValidator(env, nil)

	task := newPipelineTask("202401170930150001")
	require.NoError(t, env.Store.CreateTask(ctx, task))

	ok := v.assignDestinations(ctx, task)
	assert.False(t, ok)

	got, err := env.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, got.StepState)
	assert.Equal(t, "failed - no destination", got.StatusMsg)
}

func TestValidator_LinksConfiguredDestinations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := NewValidator(env, nil)

	require.NoError(t, env.Store.SaveDevice(ctx, &store.Device{
		Name: "pacs", AETitle: "PACS1", Address: "10.1.1.9", Port: 104, IsDestination: true,
	}))
	require.NoError(t, env.Store.SaveDevice(ctx, &store.Device{
		Name: "viewer", AETitle: "VIEW1", Address: "10.1.1.8", Port: 104,
	}))

	task := newPipelineTask("202401170930150001")
	require.NoError(t, env.Store.CreateTask(ctx, task))

	require.True(t, v.assignDestinations(ctx, task))

	devices, err := env.Store.TaskDestinations(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "pacs", devices[0].Name)
}

func TestValidator_MirrorModeReturnsToSource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.Config().Server.MirrorMode = true
	v := NewValidator(env, nil)

	// Two devices share the scanner's address; the AE title breaks the tie.
	require.NoError(t, env.Store.SaveDevice(ctx, &store.Device{
		Name: "scanner-a", AETitle: "SCANNER1", Address: "10.1.1.1", Port: 104,
	}))
	require.NoError(t, env.Store.SaveDevice(ctx, &store.Device{
		Name: "scanner-b", AETitle: "SCANNER2", Address: "10.1.1.1", Port: 105,
	}))

	task := newPipelineTask("202401170930150001")
	require.NoError(t, env.Store.CreateTask(ctx, task))

	require.True(t, v.assignDestinations(ctx, task))

	devices, err := env.Store.TaskDestinations(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "scanner-a", devices[0].Name)
}

func TestValidator_MirrorModeDeduplicatesDestination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.Config().Server.MirrorMode = true
	v := NewValidator(env, nil)

	// The source device is also the configured destination.
	require.NoError(t, env.Store.SaveDevice(ctx, &store.Device{
		Name: "scanner-a", AETitle: "SCANNER1", Address: "10.1.1.1", Port: 104,
		IsDestination: true,
	}))

	task := newPipelineTask("202401170930150001")
	require.NoError(t, env.Store.CreateTask(ctx, task))

	require.True(t, v.assignDestinations(ctx, task))

	devices, err := env.Store.TaskDestinations(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestValidator_UnreadableReconSettingsFailsTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := NewValidator(env, nil)

	task := newPipelineTask("202401170930150001")
	task.CurrentStep = store.StageValidate
	task.ReconSettings = "{truncated"
	require.NoError(t, env.Store.CreateTask(ctx, task))

	v.Process(ctx, task.ID)

	got, err := env.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, got.StepState)
	assert.Equal(t, "failed - missing info", got.StatusMsg)
}
