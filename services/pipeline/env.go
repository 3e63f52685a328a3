// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline contains the task engine: the seven stages that move
// a received series from compile through send, the task manager that
// dispatches step-done tasks into the next stage, and the supervisor
// that runs everything as restartable services.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/config"
	"github.com/AleutianAI/petfectior-agent/services/store"
	"github.com/AleutianAI/petfectior-agent/services/telemetry"
)

// storeRetryBackoff is how long a stage waits before retrying a failed
// task-store mutation. Giving up would strand the task in step_state=0
// forever, so terminal-state writes retry until they stick.
const storeRetryBackoff = 5 * time.Second

// Env bundles the dependencies every stage shares.
type Env struct {
	Store   *store.Store
	Metrics *telemetry.Metrics
	Logger  *logging.Logger

	// Config returns the current configuration snapshot. Stages call it
	// per task so admin edits take effect without a restart.
	Config func() *config.Config
}

// failTask marks a task failed, retrying the store write until it
// commits or the context ends.
func (e *Env) failTask(ctx context.Context, stage, taskID, statusMsg, fullMsg string) {
	e.Logger.Warn("task failed", "stage", stage, "task_id", taskID,
		"status", statusMsg, "detail", fullMsg)
	if e.Metrics != nil {
		e.Metrics.TasksFailed.WithLabelValues(stage).Inc()
	}
	e.mustUpdate(ctx, taskID, func() error {
		return e.Store.SetTaskState(ctx, taskID, store.StepFailed, statusMsg, fullMsg)
	})
}

// advanceTask hands a task to the next stage, retrying the store write
// until it commits or the context ends.
func (e *Env) advanceTask(ctx context.Context, taskID, nextStep, statusMsg string) {
	e.mustUpdate(ctx, taskID, func() error {
		return e.Store.AdvanceTask(ctx, taskID, nextStep, statusMsg)
	})
}

// completeTask marks a task terminally successful.
func (e *Env) completeTask(ctx context.Context, taskID, statusMsg string) {
	if e.Metrics != nil {
		e.Metrics.TasksCompleted.Inc()
	}
	e.mustUpdate(ctx, taskID, func() error {
		return e.Store.SetTaskState(ctx, taskID, store.StepCompleted, statusMsg, "")
	})
}

// mustRead retries a task-store read with back-off until it succeeds or
// the context ends. A transient read failure must not abandon a claimed
// task, since nothing would ever flip its step_state=0 back. ErrNotFound
// is the one non-retryable outcome: the task was deleted while queued,
// and the stage just drops it.
func mustRead[T any](ctx context.Context, e *Env, taskID string, fn func() (T, error)) (T, bool) {
	var zero T
	for {
		v, err := fn()
		if err == nil {
			return v, true
		}
		if errors.Is(err, store.ErrNotFound) {
			e.Logger.Warn("claimed task vanished", "task_id", taskID)
			return zero, false
		}
		e.Logger.Error("task store read failed, retrying",
			"task_id", taskID, "error", err)
		select {
		case <-ctx.Done():
			return zero, false
		case <-time.After(storeRetryBackoff):
		}
	}
}

// loadTask fetches a claimed task's row for a stage.
func (e *Env) loadTask(ctx context.Context, taskID string) (*store.Task, bool) {
	return mustRead(ctx, e, taskID, func() (*store.Task, error) {
		return e.Store.GetTask(ctx, taskID)
	})
}

// mustUpdate retries a task-store mutation with back-off. A task whose
// terminal state is lost would sit in step_state=0 invisible to the
// manager, which is worse than a stuck retry loop.
func (e *Env) mustUpdate(ctx context.Context, taskID string, fn func() error) {
	for {
		err := fn()
		if err == nil {
			return
		}
		e.Logger.Error("task store update failed, retrying",
			"task_id", taskID, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(storeRetryBackoff):
		}
	}
}
