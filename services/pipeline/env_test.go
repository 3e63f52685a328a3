// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/petfectior-agent/services/store"
)

func TestLoadTask_ReturnsExistingTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	want := newPipelineTask("202401170930150001")
	require.NoError(t, env.Store.CreateTask(ctx, want))

	got, ok := env.loadTask(ctx, want.ID)
	require.True(t, ok)
	assert.Equal(t, want.ID, got.ID)
}

func TestLoadTask_DropsDeletedTask(t *testing.T) {
	env := newTestEnv(t)

	// A task deleted while queued is not an error worth retrying; the
	// stage just lets it go.
	got, ok := env.loadTask(context.Background(), "202401170930150001")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestMustRead_PassesValueThrough(t *testing.T) {
	env := newTestEnv(t)

	got, ok := mustRead(context.Background(), env, "202401170930150001", func() ([]string, error) {
		return []string{"PACS1", "PACS2"}, nil
	})
	require.True(t, ok)
	assert.Equal(t, []string{"PACS1", "PACS2"}, got)
}

func TestMustRead_DoesNotRetryNotFound(t *testing.T) {
	env := newTestEnv(t)

	calls := 0
	_, ok := mustRead(context.Background(), env, "202401170930150001", func() (int, error) {
		calls++
		return 0, store.ErrNotFound
	})
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestMustRead_StopsWhenContextEnds(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, ok := mustRead(ctx, env, "202401170930150001", func() (int, error) {
		calls++
		return 0, errors.New("database is locked")
	})

	// The transient error is retried only while the context lives.
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}
