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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/pkg/npy"
	"github.com/AleutianAI/petfectior-agent/pkg/voxel"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// Packer extracts the voxel volume from a task's instances and writes
// the upload archive.
type Packer struct {
	env    *Env
	logger *logging.Logger
}

// NewPacker builds the pack stage.
func NewPacker(env *Env) *Packer {
	return &Packer{env: env, logger: env.Logger.With("stage", store.StagePack)}
}

func (p *Packer) Name() string { return store.StagePack }

// packMetadata is the metadata.json shipped inside the upload archive.
type packMetadata struct {
	ClientID          string  `json:"client_id"`
	TaskID            string  `json:"task_id"`
	ReconSettings     string  `json:"recon_settings"`
	PatientWeight     float64 `json:"patient_weight"`
	PatientSize       float64 `json:"patient_size"`
	PatientAge        string  `json:"patient_age"`
	StudyInstanceUID  string  `json:"StudyInstanceUID"`
	SeriesInstanceUID string  `json:"SeriesInstanceUID"`
	SeriesNumber      int     `json:"SeriesNumber"`
	SeriesDate        string  `json:"SeriesDate"`
	SeriesTime        string  `json:"SeriesTime"`
	SHA256            string  `json:"sha256"`
}

// Process builds {zip_dir}/{taskId}_{clientId}.zip for one task.
func (p *Packer) Process(ctx context.Context, taskID string) {
	task, ok := p.env.loadTask(ctx, taskID)
	if !ok {
		return
	}
	if err := p.pack(ctx, task); err != nil {
		p.env.failTask(ctx, store.StagePack, taskID, "failed - pack", err.Error())
		return
	}
	p.env.advanceTask(ctx, taskID, store.StageUpload, "packed")
}

func (p *Packer) pack(ctx context.Context, task *store.Task) error {
	cfg := p.env.Config()

	vol, err := p.buildVolume(ctx, task.ID)
	if err != nil {
		return err
	}

	scratch := filepath.Join(cfg.Paths.ZipDir, task.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	voxelPath := filepath.Join(scratch, "voxels.npy")
	if err := npy.WriteFile(voxelPath, vol.Data, [3]int{vol.NX, vol.NY, vol.NZ}); err != nil {
		return fmt.Errorf("writing voxel file: %w", err)
	}
	sum, err := fileSHA256(voxelPath)
	if err != nil {
		return err
	}

	meta, err := p.buildMetadata(ctx, task, sum)
	if err != nil {
		return err
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratch, "metadata.json"), metaBytes, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	zipPath := filepath.Join(cfg.Paths.ZipDir, archiveName(task.ID, cfg.ClientID))
	if err := zipDirectory(scratch, zipPath); err != nil {
		return err
	}
	p.logger.Info("series packed", "task_id", task.ID,
		"shape", []int{vol.NX, vol.NY, vol.NZ}, "archive", zipPath)
	return nil
}

// packedSlice is one decoded plane awaiting Z ordering.
type packedSlice struct {
	z      float64
	pixels []float32
	nx, ny int
}

// buildVolume decodes every instance, applies the rescale transform and
// assembles the slices into a volume ordered by patient Z.
func (p *Packer) buildVolume(ctx context.Context, taskID string) (*voxel.Volume, error) {
	instances, err := p.env.Store.TaskInstances(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task instances: %w", err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("task has no instances")
	}

	slices := make([]packedSlice, 0, len(instances))
	for _, in := range instances {
		s, err := decodeSlice(in.Filename)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", in.SOPInstanceUID, err)
		}
		slices = append(slices, s)
	}
	sort.Slice(slices, func(i, j int) bool { return slices[i].z < slices[j].z })

	planes := make([][]float32, len(slices))
	for i, s := range slices {
		planes[i] = s.pixels
	}
	vol, err := voxel.FromSlices(planes, slices[0].nx, slices[0].ny)
	if err != nil {
		return nil, fmt.Errorf("assembling volume: %w", err)
	}
	return vol, nil
}

// decodeSlice reads one instance file and converts its pixel plane to
// physical values: pixel*slope + intercept as float32.
func decodeSlice(path string) (packedSlice, error) {
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return packedSlice{}, err
	}
	ds, err := dicom.Parse(bytes.NewReader(fileBytes), int64(len(fileBytes)), nil)
	if err != nil {
		return packedSlice{}, err
	}

	md := dcm.FromDataset(ds, []tag.Tag{
		tag.RescaleSlope, tag.RescaleIntercept, tag.ImagePositionPatient,
	})
	pos := md.Floats(tag.ImagePositionPatient)
	if len(pos) < 3 {
		return packedSlice{}, fmt.Errorf("missing ImagePositionPatient")
	}
	slope, ok := md.Float(tag.RescaleSlope)
	if !ok {
		slope = 1
	}
	intercept, _ := md.Float(tag.RescaleIntercept)

	e, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return packedSlice{}, fmt.Errorf("missing PixelData")
	}
	info, ok := e.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || info.IsEncapsulated || len(info.Frames) == 0 || info.Frames[0].NativeData == nil {
		return packedSlice{}, fmt.Errorf("unsupported pixel data encoding")
	}
	native := info.Frames[0].NativeData

	raw, err := rawSamples(native.RawDataSlice())
	if err != nil {
		return packedSlice{}, err
	}
	pixels := make([]float32, len(raw))
	for i, sample := range raw {
		pixels[i] = float32(sample*slope + intercept)
	}
	return packedSlice{z: pos[2], pixels: pixels, nx: native.Cols(), ny: native.Rows()}, nil
}

// rawSamples flattens a native frame's typed pixel slice. PET scanners
// send 16-bit data but the parser's element type follows the headers.
func rawSamples(data any) ([]float64, error) {
	switch v := data.(type) {
	case []uint16:
		return toFloat64(v), nil
	case []int16:
		return toFloat64(v), nil
	case []uint8:
		return toFloat64(v), nil
	case []int8:
		return toFloat64(v), nil
	case []uint32:
		return toFloat64(v), nil
	case []int32:
		return toFloat64(v), nil
	case []int:
		return toFloat64(v), nil
	default:
		return nil, fmt.Errorf("unsupported pixel sample type %T", data)
	}
}

func toFloat64[T int8 | uint8 | int16 | uint16 | int32 | uint32 | int](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func fileSHA256(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// buildMetadata assembles metadata.json from the task, its study and
// its series rows.
func (p *Packer) buildMetadata(ctx context.Context, task *store.Task, sum string) (*packMetadata, error) {
	series, err := p.env.Store.GetSeries(ctx, task.SeriesInstanceUID)
	if err != nil {
		return nil, fmt.Errorf("loading series: %w", err)
	}
	study, err := p.env.Store.GetStudy(ctx, series.StudyInstanceUID)
	if err != nil {
		return nil, fmt.Errorf("loading study: %w", err)
	}

	md, err := dcm.Decode(task.ReconSettings)
	if err != nil {
		return nil, fmt.Errorf("reconstruction settings unreadable: %w", err)
	}
	seriesDate, _ := md.String(tag.SeriesDate)
	seriesTime, _ := md.String(tag.SeriesTime)

	return &packMetadata{
		ClientID:          p.env.Config().ClientID,
		TaskID:            task.ID,
		ReconSettings:     task.ReconSettings,
		PatientWeight:     study.PatientWeight,
		PatientSize:       study.PatientSize,
		PatientAge:        study.PatientAge,
		StudyInstanceUID:  study.StudyInstanceUID,
		SeriesInstanceUID: series.SeriesInstanceUID,
		SeriesNumber:      series.Number,
		SeriesDate:        seriesDate,
		SeriesTime:        seriesTime,
		SHA256:            sum,
	}, nil
}
