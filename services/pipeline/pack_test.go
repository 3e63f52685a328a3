// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/pkg/npy"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// writeSliceFile writes one part-10 PET instance with a native 2x2
// pixel plane at the given Z position.
func writeSliceFile(t *testing.T, path string, sopUID string, z float64, pixels []uint16) {
	t.Helper()
	const rows, cols = 2, 2
	require.Len(t, pixels, rows*cols)

	nativeFrame := frame.NewNativeFrame[uint16](16, rows, cols, rows*cols, 1)
	copy(nativeFrame.RawData, pixels)
	pixelInfo := dicom.PixelDataInfo{
		IsEncapsulated: false,
		Frames: []*frame.Frame{
			{Encapsulated: false, NativeData: nativeFrame},
		},
	}

	newElement := func(t2 tag.Tag, value any) *dicom.Element {
		e, err := dicom.NewElement(t2, value)
		require.NoError(t, err)
		return e
	}
	ds := dicom.Dataset{Elements: []*dicom.Element{
		newElement(tag.MediaStorageSOPClassUID, []string{dcm.UIDPETImageStorage}),
		newElement(tag.MediaStorageSOPInstanceUID, []string{sopUID}),
		newElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		newElement(tag.SOPClassUID, []string{dcm.UIDPETImageStorage}),
		newElement(tag.SOPInstanceUID, []string{sopUID}),
		newElement(tag.Modality, []string{"PT"}),
		newElement(tag.StudyInstanceUID, []string{"1.2.3"}),
		newElement(tag.SeriesInstanceUID, []string{"1.2.3.4"}),
		newElement(tag.ImagePositionPatient, []string{"0", "0",
			strconv.FormatFloat(z, 'f', -1, 64)}),
		newElement(tag.SamplesPerPixel, []int{1}),
		newElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		newElement(tag.Rows, []int{rows}),
		newElement(tag.Columns, []int{cols}),
		newElement(tag.BitsAllocated, []int{16}),
		newElement(tag.BitsStored, []int{16}),
		newElement(tag.HighBit, []int{15}),
		newElement(tag.PixelRepresentation, []int{0}),
		newElement(tag.RescaleIntercept, []string{"3"}),
		newElement(tag.RescaleSlope, []string{"2"}),
		newElement(tag.PixelData, pixelInfo),
	}}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, dicom.Write(f, ds, dicom.SkipVRVerification()))
}

// newPackedTask stores a three-slice series, out of Z order on purpose,
// and a pack-stage task linked to it.
func newPackedTask(t *testing.T, env *Env) *store.Task {
	t.Helper()
	ctx := context.Background()
	incoming := env.Config().Paths.IncomingDir
	require.NoError(t, os.MkdirAll(incoming, 0o755))
	require.NoError(t, os.MkdirAll(env.Config().Paths.ZipDir, 0o755))

	md := dcm.Metadata{}
	md.SetString(tag.SeriesDate, "DA", "20240117")
	md.SetString(tag.SeriesTime, "TM", "093000")
	settings, err := md.Encode()
	require.NoError(t, err)

	task := newPipelineTask("202401170930150001")
	task.CurrentStep = store.StagePack
	task.StatusMsg = "validated"
	task.ReconSettings = settings
	require.NoError(t, env.Store.CreateTask(ctx, task))

	slices := []struct {
		sop    string
		z      float64
		pixels []uint16
	}{
		{"1.2.3.4.1", 10, []uint16{30, 30, 30, 30}},
		{"1.2.3.4.2", 0, []uint16{10, 10, 10, 10}},
		{"1.2.3.4.3", 5, []uint16{20, 20, 20, 20}},
	}
	for _, s := range slices {
		path := filepath.Join(incoming, s.sop+".dcm")
		writeSliceFile(t, path, s.sop, s.z, s.pixels)
		require.NoError(t, env.Store.CreateInstance(ctx,
			&store.Patient{PatientID: "pat-1", PatientName: "DOE^JANE"},
			&store.Study{StudyInstanceUID: "1.2.3", PatientID: "pat-1",
				PatientWeight: 70, PatientSize: 1.7, PatientAge: "054Y",
				StoredIn: incoming},
			&store.Series{SeriesInstanceUID: "1.2.3.4", PatientID: "pat-1",
				StudyInstanceUID: "1.2.3", Modality: "PT", Number: 4,
				StoredIn: incoming},
			&store.Instance{SOPInstanceUID: s.sop, Filename: path,
				PatientID: "pat-1", StudyInstanceUID: "1.2.3",
				SeriesInstanceUID: "1.2.3.4"},
		))
		require.NoError(t, env.Store.LinkTaskInstance(ctx, task.ID, s.sop))
	}
	return task
}

func TestPacker_Process(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := newPackedTask(t, env)

	NewPacker(env).Process(ctx, task.ID)

	got, err := env.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StageUpload, got.CurrentStep)
	assert.Equal(t, store.StepDone, got.StepState)
	assert.Equal(t, "packed", got.StatusMsg)

	zipPath := filepath.Join(env.Config().Paths.ZipDir, archiveName(task.ID, "site-042"))
	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer zr.Close()

	read := func(name string) []byte {
		for _, f := range zr.File {
			if f.Name != name {
				continue
			}
			rc, err := f.Open()
			require.NoError(t, err)
			defer rc.Close()
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			return data
		}
		t.Fatalf("archive has no entry %s", name)
		return nil
	}
	voxelBytes := read("voxels.npy")
	metaBytes := read("metadata.json")

	// Slices land in ascending Z order with pixel*slope + intercept
	// applied, Z running fastest in the flat layout.
	data, shape, err := npy.Read(bytes.NewReader(voxelBytes))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, shape)
	require.Len(t, data, 12)
	for i := 0; i < len(data); i += 3 {
		assert.Equal(t, []float32{23, 43, 63}, data[i:i+3])
	}

	var meta packMetadata
	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	assert.Equal(t, "site-042", meta.ClientID)
	assert.Equal(t, task.ID, meta.TaskID)
	assert.Equal(t, task.ReconSettings, meta.ReconSettings)
	assert.InDelta(t, 70.0, meta.PatientWeight, 1e-9)
	assert.InDelta(t, 1.7, meta.PatientSize, 1e-9)
	assert.Equal(t, "054Y", meta.PatientAge)
	assert.Equal(t, "1.2.3", meta.StudyInstanceUID)
	assert.Equal(t, "1.2.3.4", meta.SeriesInstanceUID)
	assert.Equal(t, 4, meta.SeriesNumber)
	assert.Equal(t, "20240117", meta.SeriesDate)
	assert.Equal(t, "093000", meta.SeriesTime)

	sum := sha256.Sum256(voxelBytes)
	assert.Equal(t, hex.EncodeToString(sum[:]), meta.SHA256)

	// The scratch directory is cleaned up after zipping.
	assert.NoDirExists(t, filepath.Join(env.Config().Paths.ZipDir, task.ID))
}

func TestPacker_Process_FailsWithoutInstances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := newPipelineTask("202401170930150001")
	task.CurrentStep = store.StagePack
	require.NoError(t, env.Store.CreateTask(ctx, task))

	NewPacker(env).Process(ctx, task.ID)

	got, err := env.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, got.StepState)
	assert.Equal(t, "failed - pack", got.StatusMsg)
	assert.Contains(t, got.FullStatusMsg, "no instances")
}
