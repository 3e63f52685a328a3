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
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/remote"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// Uploader moves packed archives onto the shared mount and announces
// them to the processing server.
type Uploader struct {
	env    *Env
	client *remote.Client
	logger *logging.Logger
}

// NewUploader builds the upload stage.
func NewUploader(env *Env, client *remote.Client) *Uploader {
	return &Uploader{
		env:    env,
		client: client,
		logger: env.Logger.With("stage", store.StageUpload),
	}
}

func (u *Uploader) Name() string { return store.StageUpload }

// Process copies the task's archive into {shared}/to_process and, with
// server interaction on, POSTs /processing. The task then waits in
// status "processing" until /process_ready moves it to download.
func (u *Uploader) Process(ctx context.Context, taskID string) {
	task, ok := u.env.loadTask(ctx, taskID)
	if !ok {
		return
	}
	cfg := u.env.Config()

	name := archiveName(task.ID, cfg.ClientID)
	local := filepath.Join(cfg.Paths.ZipDir, name)
	shared := filepath.Join(cfg.Paths.ToProcess(), name)
	if err := copyFile(local, shared); err != nil {
		u.env.failTask(ctx, store.StageUpload, taskID, "failed - upload",
			fmt.Sprintf("copying archive to shared mount: %v", err))
		return
	}

	if cfg.Server.Interaction {
		req, err := u.buildRequest(ctx, task, name)
		if err != nil {
			u.env.failTask(ctx, store.StageUpload, taskID, "failed - missing info", err.Error())
			return
		}
		if err := u.client.StartProcessing(ctx, req); err != nil {
			status := "failed - server connection"
			if strings.Contains(err.Error(), "refused processing") ||
				strings.Contains(err.Error(), "decoding") {
				status = "failed - bad response"
			}
			u.env.failTask(ctx, store.StageUpload, taskID, status, err.Error())
			return
		}
	}

	if err := os.Remove(local); err != nil {
		u.logger.Warn("could not remove local archive", "path", local, "error", err)
	}
	u.env.mustUpdate(ctx, taskID, func() error {
		return u.env.Store.UpdateTaskStatus(ctx, taskID, "processing")
	})
	u.logger.Info("archive uploaded", "task_id", taskID, "archive", shared)
}

// buildRequest assembles the /processing payload from the task's
// reconstruction settings and the patient rows.
func (u *Uploader) buildRequest(ctx context.Context, task *store.Task, inputFile string) (*remote.ProcessingRequest, error) {
	cfg := u.env.Config()

	md, err := dcm.Decode(task.ReconSettings)
	if err != nil {
		return nil, fmt.Errorf("reconstruction settings unreadable: %w", err)
	}
	params, err := dcm.ParseVendorParams(md)
	if err != nil {
		return nil, err
	}
	pharma, err := u.env.Store.ResolveRadiopharmaceutical(ctx, task.Radiopharmaceutical)
	if err != nil {
		return nil, fmt.Errorf("resolving radiopharmaceutical %q: %w", task.Radiopharmaceutical, err)
	}
	series, err := u.env.Store.GetSeries(ctx, task.SeriesInstanceUID)
	if err != nil {
		return nil, fmt.Errorf("loading series: %w", err)
	}
	study, err := u.env.Store.GetStudy(ctx, series.StudyInstanceUID)
	if err != nil {
		return nil, fmt.Errorf("loading study: %w", err)
	}

	model, _ := md.String(tag.ManufacturerModelName)
	method, _ := md.String(tag.ReconstructionMethod)
	thickness, _ := md.Float(tag.SliceThickness)
	studyDate, _ := md.String(tag.StudyDate)
	seriesTime, _ := md.String(tag.SeriesTime)

	meta := remote.ProcessingMetadata{
		ManufacturerModelName: model,
		ReconstructionMethod:  method,
		Iteraciones:           params.Iterations,
		Subsets:               params.Subsets,
		VoxelSpacing:          md.Floats(tag.PixelSpacing),
		SliceThickness:        thickness,
		Radiofarmaco:          pharma.Name,
		HalfLife:              pharma.HalfLife,
		StudyInstanceUID:      study.StudyInstanceUID,
		SeriesInstanceUID:     series.SeriesInstanceUID,
		StudyDate:             studyDate,
		SeriesTime:            seriesTime,
		Weight:                study.PatientWeight,
		Height:                100 * study.PatientSize,
	}
	if age, err := dcm.AgeYears(study.PatientAge); err == nil {
		meta.Age = age
	}
	if info := dcm.PharmaInfo(md); info != nil {
		if dose, ok := info.Float(tag.RadionuclideTotalDose); ok {
			meta.Dose = dcm.DoseMillicuries(dose)
		}
		if start, ok := info.String(tag.RadiopharmaceuticalStartTime); ok {
			if t, err := dcm.InjectionTime(studyDate, start); err == nil {
				meta.Start = t.Format("2006-01-02 15:04:05")
			}
		}
	}

	return &remote.ProcessingRequest{
		InputFile:  inputFile,
		ClientPort: cfg.HTTP.Port,
		ClientID:   cfg.ClientID,
		Metadata:   meta,
	}, nil
}
