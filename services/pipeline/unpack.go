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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/pkg/npy"
	"github.com/AleutianAI/petfectior-agent/pkg/voxel"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// identitySeriesNumber is the series number of the fallback pass used
// when no filter settings are configured at all.
const identitySeriesNumber = 1001

// Unpacker turns a processed archive back into DICOM series, one per
// configured post-filter.
type Unpacker struct {
	env    *Env
	logger *logging.Logger
}

// NewUnpacker builds the unpack stage.
func NewUnpacker(env *Env) *Unpacker {
	return &Unpacker{env: env, logger: env.Logger.With("stage", store.StageUnpack)}
}

func (u *Unpacker) Name() string { return store.StageUnpack }

// Process rebuilds result series for one task.
func (u *Unpacker) Process(ctx context.Context, taskID string) {
	task, ok := u.env.loadTask(ctx, taskID)
	if !ok {
		return
	}
	if err := u.unpack(ctx, task); err != nil {
		status := "failed - unpack"
		switch {
		case strings.Contains(err.Error(), "no post-filter"):
			status = "failed - no post-filter"
		case strings.Contains(err.Error(), "stored only"):
			status = "failed - storage"
		}
		u.env.failTask(ctx, store.StageUnpack, taskID, status, err.Error())
		return
	}
	u.env.advanceTask(ctx, taskID, store.StageSend, "sending")
}

func (u *Unpacker) unpack(ctx context.Context, task *store.Task) error {
	cfg := u.env.Config()

	// A restarted unpack regenerates everything, so stale result series
	// from the previous attempt go first.
	if err := u.deleteResultSeries(ctx, task.ID); err != nil {
		return err
	}

	name := archiveName(task.ID, cfg.ClientID)
	archive := filepath.Join(cfg.Paths.DownloadPath, name)
	scratch := filepath.Join(cfg.Paths.UnzipDir, strings.TrimSuffix(name, ".zip"))
	if err := unzipArchive(archive, scratch); err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	denoised, err := readVolume(filepath.Join(scratch, "denoised.npy"))
	if err != nil {
		return fmt.Errorf("denoised volume not found: %w", err)
	}
	noise, err := readVolume(filepath.Join(scratch, "noise.npy"))
	if err != nil {
		return fmt.Errorf("noise volume not found: %w", err)
	}

	md, err := dcm.Decode(task.ReconSettings)
	if err != nil {
		return fmt.Errorf("reconstruction settings unreadable: %w", err)
	}
	filters, err := u.selectFilters(ctx, md, task.Radiopharmaceutical)
	if err != nil {
		return err
	}

	templates, err := u.loadTemplates(ctx, task.ID)
	if err != nil {
		return err
	}
	if denoised.NZ != len(templates) {
		return fmt.Errorf("processed volume has %d slices but the task has %d instances",
			denoised.NZ, len(templates))
	}

	stored := 0
	for _, f := range filters {
		n, err := u.generateSeries(ctx, task, f, denoised, noise, md, templates)
		if err != nil {
			u.logger.Warn("result series generation failed",
				"task_id", task.ID, "filter", f.Description, "error", err)
		}
		stored += n
	}
	expected := len(filters) * len(templates)
	if stored != expected {
		return fmt.Errorf("stored only %d of %d result instances", stored, expected)
	}

	if err := os.Remove(archive); err != nil {
		u.logger.Warn("could not remove downloaded archive", "path", archive, "error", err)
	}
	u.logger.Info("result series generated", "task_id", task.ID,
		"filters", len(filters), "instances", stored)
	return nil
}

func (u *Unpacker) deleteResultSeries(ctx context.Context, taskID string) error {
	series, err := u.env.Store.ResultSeries(ctx, taskID)
	if err != nil {
		return err
	}
	for _, se := range series {
		var paths []string
		err := u.env.Store.RunInTransaction(ctx, func(tx *sql.Tx) error {
			var err error
			paths, err = u.env.Store.DeleteSeries(ctx, tx, se.SeriesInstanceUID)
			return err
		})
		if err != nil {
			return fmt.Errorf("deleting stale result series %s: %w", se.SeriesInstanceUID, err)
		}
		u.env.Store.RemovePaths(paths)
	}
	return nil
}

// selectFilters returns the enabled filter settings matching the task's
// scanner model and radiopharmaceutical. An empty settings table means
// the site runs without post-filtering and gets a single identity pass.
func (u *Unpacker) selectFilters(ctx context.Context, md dcm.Metadata, pharma string) ([]*store.FilterSettings, error) {
	all, err := u.env.Store.ListFilterSettings(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return []*store.FilterSettings{{
			Description:         "PETFECTIOR",
			Mode:                "replace",
			SeriesNumber:        identitySeriesNumber,
			Model:               "all",
			Radiopharmaceutical: "all",
			Enabled:             true,
		}}, nil
	}

	model, _ := md.String(tag.ManufacturerModelName)
	var matched []*store.FilterSettings
	for _, f := range all {
		if u.filterMatches(ctx, f, model, pharma) {
			matched = append(matched, f)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("no post-filter is configured for model %q and radiopharmaceutical %q", model, pharma)
	}
	return matched, nil
}

func (u *Unpacker) filterMatches(ctx context.Context, f *store.FilterSettings, model, pharma string) bool {
	if !f.Enabled {
		return false
	}
	if f.Model != "all" && f.Model != model {
		return false
	}
	if f.Radiopharmaceutical == "all" || strings.EqualFold(f.Radiopharmaceutical, pharma) {
		return true
	}
	r, err := u.env.Store.ResolveRadiopharmaceutical(ctx, f.Radiopharmaceutical)
	return err == nil && r.Name == pharma
}

// template is one source instance parsed and ready for cloning.
type template struct {
	es dcm.Essential
	ds dicom.Dataset
}

// loadTemplates parses every task instance and orders them by Z so the
// volume's slice index maps onto them directly.
func (u *Unpacker) loadTemplates(ctx context.Context, taskID string) ([]template, error) {
	instances, err := u.env.Store.TaskInstances(ctx, taskID)
	if err != nil {
		return nil, err
	}
	templates := make([]template, 0, len(instances))
	for _, in := range instances {
		fileBytes, err := os.ReadFile(in.Filename)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", in.SOPInstanceUID, err)
		}
		ds, err := dicom.Parse(bytes.NewReader(fileBytes), int64(len(fileBytes)), nil,
			dicom.SkipProcessingPixelDataValue())
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", in.SOPInstanceUID, err)
		}
		es, _, err := dcm.ExtractFromDataset(ds)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", in.SOPInstanceUID, err)
		}
		templates = append(templates, template{es: es, ds: ds})
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].es.ImagePositionZ < templates[j].es.ImagePositionZ
	})
	return templates, nil
}

// generateSeries applies one filter configuration and stores the
// resulting instances, returning how many were persisted.
func (u *Unpacker) generateSeries(ctx context.Context, task *store.Task, f *store.FilterSettings,
	denoised, noise *voxel.Volume, md dcm.Metadata, templates []template) (int, error) {

	vol, err := voxel.Combine(denoised, noise, f.Noise)
	if err != nil {
		return 0, err
	}
	if f.FWHM > 0 {
		vol = voxel.GaussianFilter(vol, f.FWHM, voxelSize(md))
	}
	slices := vol.QuantizeSlices()

	seriesUID := dcm.NewUID()
	description := f.Description
	if f.Mode == "append" {
		description = templates[0].es.SeriesDescription + "_" + f.Description
	}

	stored := 0
	for i, tmpl := range templates {
		fileBytes, err := dcm.RebuildInstance(tmpl.ds, dcm.ResultSlice{
			SOPInstanceUID:    dcm.NewUID(),
			SeriesInstanceUID: seriesUID,
			SeriesNumber:      f.SeriesNumber,
			SeriesDescription: description,
			Slope:             slices[i].Slope,
			Pixels:            slices[i].Pixels,
			Rows:              vol.NY,
			Cols:              vol.NX,
		})
		if err != nil {
			u.logger.Warn("rebuilding instance", "task_id", task.ID, "error", err)
			continue
		}
		if err := u.storeResult(ctx, task, tmpl.es, seriesUID, description, f.SeriesNumber, fileBytes); err != nil {
			u.logger.Warn("storing result instance", "task_id", task.ID, "error", err)
			continue
		}
		stored++
	}
	return stored, nil
}

// voxelSize returns the physical voxel dimensions (x, y, z) in mm.
// PixelSpacing is (row, column) spacing, so the order flips.
func voxelSize(md dcm.Metadata) [3]float64 {
	size := [3]float64{1, 1, 1}
	if ps := md.Floats(tag.PixelSpacing); len(ps) >= 2 {
		size[0], size[1] = ps[1], ps[0]
	}
	if gap, ok := md.Float(tag.SpacingBetweenSlices); ok && gap > 0 {
		size[2] = gap
	} else if thickness, ok := md.Float(tag.SliceThickness); ok && thickness > 0 {
		size[2] = thickness
	}
	return size
}

// storeResult persists one generated instance under the incoming tree
// and indexes it as part of a result series owned by the task.
func (u *Unpacker) storeResult(ctx context.Context, task *store.Task, es dcm.Essential,
	seriesUID, description string, seriesNumber int, fileBytes []byte) error {

	meta, _, err := dcm.SplitFileMeta(fileBytes)
	if err != nil {
		return err
	}
	sopUID := meta.MediaStorageSOPInstanceUID

	dir := filepath.Join(u.env.Config().Paths.IncomingDir, es.StudyInstanceUID, seriesUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, sopUID+".dcm")
	if err := os.WriteFile(path, fileBytes, 0o644); err != nil {
		return err
	}

	return u.env.Store.CreateInstance(ctx,
		&store.Patient{PatientID: es.PatientID, PatientName: es.PatientName},
		&store.Study{
			StudyInstanceUID: es.StudyInstanceUID,
			Date:             dcm.ParseDateTime(es.StudyDate, es.StudyTime),
			Description:      es.StudyDescription,
			PatientID:        es.PatientID,
			StoredIn:         filepath.Join(u.env.Config().Paths.IncomingDir, es.StudyInstanceUID),
		},
		&store.Series{
			SeriesInstanceUID: seriesUID,
			Date:              dcm.ParseDateTime(es.SeriesDate, es.SeriesTime),
			Description:       description,
			Modality:          es.Modality,
			Number:            seriesNumber,
			PatientID:         es.PatientID,
			StudyInstanceUID:  es.StudyInstanceUID,
			OriginatingTask:   task.ID,
			StoredIn:          dir,
		},
		&store.Instance{
			SOPInstanceUID:    sopUID,
			SOPClassUID:       meta.MediaStorageSOPClassUID,
			Filename:          path,
			PatientID:         es.PatientID,
			StudyInstanceUID:  es.StudyInstanceUID,
			SeriesInstanceUID: seriesUID,
		},
	)
}

func readVolume(path string) (*voxel.Volume, error) {
	data, shape, err := npy.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("%s is not a 3-D volume", filepath.Base(path))
	}
	return voxel.FromData(data, shape[0], shape[1], shape[2])
}
