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
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/remote"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// Validator checks that a compiled series can actually be processed:
// somewhere to send the result, complete vendor headers, a known
// radiopharmaceutical, and a trained model on the server.
type Validator struct {
	env    *Env
	client *remote.Client
	logger *logging.Logger
}

// NewValidator builds the validate stage.
func NewValidator(env *Env, client *remote.Client) *Validator {
	return &Validator{
		env:    env,
		client: client,
		logger: env.Logger.With("stage", store.StageValidate),
	}
}

func (v *Validator) Name() string { return store.StageValidate }

// Process validates one task and advances it to pack or fails it.
func (v *Validator) Process(ctx context.Context, taskID string) {
	task, ok := v.env.loadTask(ctx, taskID)
	if !ok {
		return
	}
	md, err := dcm.Decode(task.ReconSettings)
	if err != nil {
		v.env.failTask(ctx, store.StageValidate, taskID, "failed - missing info",
			fmt.Sprintf("reconstruction settings unreadable: %v", err))
		return
	}

	if ok := v.assignDestinations(ctx, task); !ok {
		return
	}

	if err := dcm.CheckRequired(md); err != nil {
		v.env.failTask(ctx, store.StageValidate, taskID, "failed - missing info", err.Error())
		return
	}

	literal, err := dcm.Radiopharmaceutical(md)
	if err != nil {
		v.env.failTask(ctx, store.StageValidate, taskID, "failed - missing info", err.Error())
		return
	}
	pharma, err := v.env.Store.ResolveRadiopharmaceutical(ctx, literal)
	if errors.Is(err, store.ErrNotFound) {
		v.env.failTask(ctx, store.StageValidate, taskID, "failed - unknown radiopharmaceutical",
			fmt.Sprintf("no radiopharmaceutical matches %q; add it as a synonym and retry", literal))
		return
	} else if err != nil {
		v.logger.Error("resolving radiopharmaceutical", "task_id", taskID, "error", err)
		return
	}
	v.env.mustUpdate(ctx, taskID, func() error {
		return v.env.Store.SetTaskRadiopharmaceutical(ctx, taskID, pharma.Name)
	})

	params, err := dcm.ParseVendorParams(md)
	if err != nil {
		v.env.failTask(ctx, store.StageValidate, taskID, "failed - missing info", err.Error())
		return
	}

	cfg := v.env.Config()
	if cfg.Server.Interaction {
		model, _ := md.String(tag.ManufacturerModelName)
		method, _ := md.String(tag.ReconstructionMethod)
		thickness, _ := md.Float(tag.SliceThickness)
		err := v.client.CheckModel(ctx, &remote.ModelCheck{
			IDClient:              cfg.ClientID,
			ManufacturerModelName: model,
			ReconstructionMethod:  method,
			Iteraciones:           params.Iterations,
			Subsets:               params.Subsets,
			VoxelSpacing:          md.Floats(tag.PixelSpacing),
			SliceThickness:        thickness,
			Radiofarmaco:          pharma.Name,
			HalfLife:              pharma.HalfLife,
		})
		switch {
		case err == nil:
		case errors.Is(err, remote.ErrClientInactive),
			errors.Is(err, remote.ErrTracerInactive),
			errors.Is(err, remote.ErrNoModel):
			v.env.failTask(ctx, store.StageValidate, taskID, "failed - no model", err.Error())
			return
		case strings.Contains(err.Error(), "unexpected status"):
			v.env.failTask(ctx, store.StageValidate, taskID, "failed - bad response", err.Error())
			return
		default:
			v.env.failTask(ctx, store.StageValidate, taskID, "failed - server connection", err.Error())
			return
		}
	}

	if model, ok := md.String(tag.ManufacturerModelName); ok && model != "" {
		if err := v.env.Store.UpsertPetModel(ctx, model); err != nil {
			v.logger.Warn("registering scanner model", "model", model, "error", err)
		}
	}

	v.env.advanceTask(ctx, taskID, store.StagePack, "packing")
}

// assignDestinations links every configured destination device to the
// task, plus the source device itself in mirror mode. It fails the task
// when nothing would receive the result.
func (v *Validator) assignDestinations(ctx context.Context, task *store.Task) bool {
	devices, err := v.env.Store.DestinationDevices(ctx)
	if err != nil {
		v.logger.Error("listing destinations", "task_id", task.ID, "error", err)
		return false
	}

	if v.env.Config().Server.MirrorMode {
		aet, ip, found := strings.Cut(task.SourceIdentifier, "@")
		if found {
			matches, err := v.env.Store.DevicesByAddress(ctx, ip)
			if err != nil {
				v.logger.Error("matching source device", "task_id", task.ID, "error", err)
				return false
			}
			if len(matches) > 1 {
				matches, err = v.env.Store.DevicesByAddressAndAET(ctx, ip, aet)
				if err != nil {
					v.logger.Error("matching source device", "task_id", task.ID, "error", err)
					return false
				}
			}
			devices = append(devices, matches...)
		}
	}

	if len(devices) == 0 {
		v.env.failTask(ctx, store.StageValidate, task.ID, "failed - no destination",
			"no destination device is configured; mark a device as destination or enable mirror mode")
		return false
	}

	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		v.env.mustUpdate(ctx, task.ID, func() error {
			return v.env.Store.AddTaskDestination(ctx, task.ID, d.Name)
		})
	}
	return true
}
