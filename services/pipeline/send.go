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
	"strings"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/scu"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// Sender forwards a task's result series to every destination device.
type Sender struct {
	env    *Env
	scu    *scu.Sender
	logger *logging.Logger
}

// NewSender builds the send stage.
func NewSender(env *Env, s *scu.Sender) *Sender {
	return &Sender{env: env, scu: s, logger: env.Logger.With("stage", store.StageSend)}
}

func (s *Sender) Name() string { return store.StageSend }

// Process C-STOREs every result instance to every destination. Partial
// failures are reported per destination and still complete the task;
// only a total failure marks it failed.
func (s *Sender) Process(ctx context.Context, taskID string) {
	destinations, ok := mustRead(ctx, s.env, taskID, func() ([]*store.Device, error) {
		return s.env.Store.TaskDestinations(ctx, taskID)
	})
	if !ok {
		return
	}
	files, err := s.resultFiles(ctx, taskID)
	if err != nil {
		s.env.failTask(ctx, store.StageSend, taskID, "failed - send", err.Error())
		return
	}
	if len(destinations) == 0 || len(files) == 0 {
		s.env.failTask(ctx, store.StageSend, taskID, "failed - send",
			fmt.Sprintf("%d destinations, %d result instances", len(destinations), len(files)))
		return
	}

	totalSent := 0
	parts := make([]string, 0, len(destinations))
	for _, dev := range destinations {
		sent, err := s.scu.SendFiles(ctx, dev, files)
		if err != nil {
			s.logger.Warn("destination unreachable", "task_id", taskID,
				"device", dev.Name, "error", err)
			sent = 0
		}
		totalSent += sent
		parts = append(parts, fmt.Sprintf("%s: %d/%d", dev.Name, sent, len(files)))
	}

	summary := strings.Join(parts, ", ")
	if totalSent == 0 {
		s.env.failTask(ctx, store.StageSend, taskID, "failed - send", summary)
		return
	}
	s.env.completeTask(ctx, taskID, summary)
	s.logger.Info("task completed", "task_id", taskID, "result", summary)
}

// resultFiles collects the filenames of every generated instance.
func (s *Sender) resultFiles(ctx context.Context, taskID string) ([]string, error) {
	series, err := s.env.Store.ResultSeries(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, se := range series {
		instances, err := s.env.Store.SeriesInstances(ctx, se.SeriesInstanceUID)
		if err != nil {
			return nil, err
		}
		for _, in := range instances {
			files = append(files, in.Filename)
		}
	}
	return files, nil
}
