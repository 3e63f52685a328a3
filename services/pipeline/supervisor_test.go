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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_Lifecycle(t *testing.T) {
	s := NewSupervisor(context.Background(), nil)
	s.Register("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.Equal(t, "stopped", s.Status()["blocker"])

	require.NoError(t, s.Start("blocker"))
	assert.Equal(t, "running", s.Status()["blocker"])
	assert.Error(t, s.Start("blocker"), "double start must be rejected")

	require.NoError(t, s.Stop("blocker"))
	assert.Equal(t, "stopped", s.Status()["blocker"])
	assert.Error(t, s.Stop("blocker"), "stopping a stopped service must be rejected")

	// Restart on a stopped service simply starts it.
	require.NoError(t, s.Restart("blocker"))
	assert.Equal(t, "running", s.Status()["blocker"])
	require.NoError(t, s.Stop("blocker"))

	assert.Error(t, s.Start("ghost"))
	assert.Error(t, s.Stop("ghost"))
	assert.Error(t, s.Restart("ghost"))
}

func TestSupervisor_RecordsFailure(t *testing.T) {
	s := NewSupervisor(context.Background(), nil)
	s.Register("flaky", func(ctx context.Context) error {
		return errors.New("listener port in use")
	})

	require.NoError(t, s.Start("flaky"))
	require.Eventually(t, func() bool {
		return s.Status()["flaky"] == "failed: listener port in use"
	}, 2*time.Second, 10*time.Millisecond)

	// A failed service can be started again.
	require.NoError(t, s.Start("flaky"))
	s.Wait()
}
