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

func TestSender_FailsWithoutDestinationsOrResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := NewSender(env, nil)

	task := newPipelineTask("202401170930150001")
	task.CurrentStep = store.StageSend
	require.NoError(t, env.Store.CreateTask(ctx, task))

	s.Process(ctx, task.ID)

	got, err := env.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, got.StepState)
	assert.Equal(t, "failed - send", got.StatusMsg)
	assert.Contains(t, got.FullStatusMsg, "0 destinations")
}
