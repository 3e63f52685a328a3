// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// sweepIdleSeconds is how many quiet seconds pass before the compile
// sweep evaluates the open tasks. Receiving activity defers the sweep
// so a series is judged between bursts, not mid-transfer.
const sweepIdleSeconds = 5

// seriesOutcome is the sweep's verdict on one assembling series.
type seriesOutcome int

const (
	outcomeWait seriesOutcome = iota
	outcomeCompleted
	outcomeAborted
)

// Compiler watches compile-stage tasks and decides when a series is
// complete enough to validate, or has timed out.
type Compiler struct {
	env    *Env
	logger *logging.Logger

	// now is swappable for timeout tests.
	now func() time.Time
}

// NewCompiler builds the compile sweeper.
func NewCompiler(env *Env) *Compiler {
	return &Compiler{
		env:    env,
		logger: env.Logger.With("stage", store.StageCompile),
		now:    time.Now,
	}
}

// Run ticks once a second, counting idle time since the last task
// mutation, and sweeps after sweepIdleSeconds of quiet.
func (c *Compiler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	idle := 0
	var lastActivity time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		tasks, err := c.env.Store.ListTasksInStep(ctx, store.StageCompile, store.StepProcessing)
		if err != nil {
			c.logger.Error("listing compile tasks", "error", err)
			continue
		}
		if len(tasks) == 0 {
			idle = 0
			continue
		}

		latest := lastActivity
		for _, t := range tasks {
			if t.Updated.After(latest) {
				latest = t.Updated
			}
		}
		if latest.After(lastActivity) {
			lastActivity = latest
			idle = 0
			continue
		}

		idle++
		if idle < sweepIdleSeconds {
			continue
		}
		idle = 0
		c.Sweep(ctx, tasks)
	}
}

// Sweep evaluates every open compile task once.
func (c *Compiler) Sweep(ctx context.Context, tasks []*store.Task) {
	for _, t := range tasks {
		c.sweepTask(ctx, t)
	}
}

// compiledInstance is one decoded slice of an assembling series.
type compiledInstance struct {
	es dcm.Essential
	md dcm.Metadata
}

func (c *Compiler) sweepTask(ctx context.Context, t *store.Task) {
	ctx, span := tracer.Start(ctx, store.StageCompile,
		trace.WithAttributes(attribute.String("task.id", t.ID)))
	defer span.End()
	cfg := c.env.Config()

	rows, err := c.env.Store.TaskInstances(ctx, t.ID)
	if err != nil {
		c.logger.Error("loading task instances", "task_id", t.ID, "error", err)
		return
	}

	decoded := make([]compiledInstance, 0, len(rows))
	for _, in := range rows {
		ci, err := c.decodeInstance(in.Filename)
		if err != nil {
			c.env.failTask(ctx, store.StageCompile, t.ID, "Failed - task data not found",
				fmt.Sprintf("instance %s could not be read: %v", in.SOPInstanceUID, err))
			return
		}
		decoded = append(decoded, ci)
	}

	positions := make([]float64, len(decoded))
	for i, ci := range decoded {
		positions[i] = ci.es.ImagePositionZ
	}
	sort.Float64s(positions)

	timeout := time.Duration(cfg.Series.TimeoutSeconds) * time.Second
	outcome := seriesStatus(positions, t.ExpectedImgs, len(decoded),
		cfg.Series.MinInstances, cfg.Series.SliceGapTolerance,
		c.now().Sub(t.Updated) >= timeout)

	switch outcome {
	case outcomeCompleted:
		c.complete(ctx, t, decoded, positions)
	case outcomeAborted:
		c.env.failTask(ctx, store.StageCompile, t.ID, "Failed - timed out",
			fmt.Sprintf("series %s timed out with %d of %d expected instances",
				t.SeriesInstanceUID, len(decoded), t.ExpectedImgs))
	case outcomeWait:
	}
}

// seriesStatus decides whether an assembling series is done. The
// expected count wins when the scanner states one; contiguity only
// substitutes for it after the receive timeout has elapsed.
func seriesStatus(positions []float64, expected, received, minInstances int, gapTolerance float64, timedOut bool) seriesOutcome {
	if expected > 0 && expected == received && received >= minInstances {
		return outcomeCompleted
	}
	if !timedOut {
		return outcomeWait
	}
	if received >= minInstances && contiguous(positions, gapTolerance) {
		return outcomeCompleted
	}
	return outcomeAborted
}

// contiguous reports whether sorted slice positions form an even grid:
// every adjacent gap within tolerance of the mean gap.
func contiguous(positions []float64, tolerance float64) bool {
	if len(positions) < 2 {
		return false
	}
	gaps := make([]float64, len(positions)-1)
	for i := range gaps {
		gaps[i] = positions[i+1] - positions[i]
	}
	mean := floats.Sum(gaps) / float64(len(gaps))
	if mean <= 0 {
		return false
	}
	return floats.Min(gaps) >= (1-tolerance)*mean &&
		floats.Max(gaps) <= (1+tolerance)*mean
}

// complete freezes the series: the instance with the longest frame
// duration donates the reconstruction headers, the measured slice gap
// is recorded, and the task moves to validate.
func (c *Compiler) complete(ctx context.Context, t *store.Task, decoded []compiledInstance, positions []float64) {
	canonical := decoded[0]
	for _, ci := range decoded[1:] {
		if ci.es.ActualFrameDuration > canonical.es.ActualFrameDuration {
			canonical = ci
		}
	}

	md := canonical.md
	if len(positions) >= 2 {
		gap := (positions[len(positions)-1] - positions[0]) / float64(len(positions)-1)
		md.SetFloat(tag.SpacingBetweenSlices, "DS", gap)
	}

	encoded, err := md.Encode()
	if err != nil {
		c.env.failTask(ctx, store.StageCompile, t.ID, "Failed - task data not found",
			fmt.Sprintf("could not serialize reconstruction settings: %v", err))
		return
	}
	c.env.mustUpdate(ctx, t.ID, func() error {
		return c.env.Store.SetTaskReconSettings(ctx, t.ID, encoded)
	})
	c.env.advanceTask(ctx, t.ID, store.StageValidate, "validating")
	c.logger.Info("series compiled", "task_id", t.ID,
		"series_uid", t.SeriesInstanceUID, "instances", len(decoded))
}

func (c *Compiler) decodeInstance(path string) (compiledInstance, error) {
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return compiledInstance{}, err
	}
	ds, err := dicom.Parse(bytes.NewReader(fileBytes), int64(len(fileBytes)), nil,
		dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return compiledInstance{}, err
	}
	es, md, err := dcm.ExtractFromDataset(ds)
	if err != nil {
		return compiledInstance{}, err
	}
	return compiledInstance{es: es, md: md}, nil
}
