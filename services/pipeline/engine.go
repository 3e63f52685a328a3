// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("petfectior.pipeline")

// Stage is one queue-driven pipeline step. Process owns its task's
// outcome entirely: it either advances the task or marks it failed, and
// never returns an error to the engine.
type Stage interface {
	Name() string
	Process(ctx context.Context, taskID string)
}

// queueDepth bounds a stage's ingress. Tens of tasks in flight is
// already far beyond a site's normal load.
const queueDepth = 128

// Engine runs one worker per registered stage, each draining a FIFO
// ingress channel of task ids.
//
// # Thread Safety
//
// Dispatch may be called from any goroutine while Run is active.
type Engine struct {
	env    *Env
	stages map[string]Stage
	queues map[string]chan string
}

// NewEngine registers the given stages. Compile is sweep-driven and is
// not an engine stage.
func NewEngine(env *Env, stages ...Stage) *Engine {
	e := &Engine{
		env:    env,
		stages: make(map[string]Stage, len(stages)),
		queues: make(map[string]chan string, len(stages)),
	}
	for _, st := range stages {
		e.stages[st.Name()] = st
		e.queues[st.Name()] = make(chan string, queueDepth)
	}
	return e
}

// Dispatch enqueues a task id into a stage's ingress.
func (e *Engine) Dispatch(ctx context.Context, stage, taskID string) error {
	q, ok := e.queues[stage]
	if !ok {
		return fmt.Errorf("no stage named %q", stage)
	}
	select {
	case q <- taskID:
		if e.env.Metrics != nil {
			e.env.Metrics.QueueDepth.WithLabelValues(stage).Set(float64(len(q)))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx is done, processing dispatched tasks.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name := range e.stages {
		g.Go(func() error {
			e.work(ctx, e.stages[name], e.queues[name])
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) work(ctx context.Context, st Stage, queue <-chan string) {
	logger := e.env.Logger.With("stage", st.Name())
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-queue:
			if e.env.Metrics != nil {
				e.env.Metrics.QueueDepth.WithLabelValues(st.Name()).Set(float64(len(queue)))
			}
			logger.Info("processing task", "task_id", taskID)
			spanCtx, span := tracer.Start(ctx, st.Name(),
				trace.WithAttributes(attribute.String("task.id", taskID)))
			start := time.Now()
			st.Process(spanCtx, taskID)
			span.End()
			if e.env.Metrics != nil {
				e.env.Metrics.StageDuration.WithLabelValues(st.Name()).
					Observe(time.Since(start).Seconds())
			}
		}
	}
}
