// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// reconSettingsFixture builds the SIEMENS reconstruction headers the
// validator would have persisted on the task.
func reconSettingsFixture(t *testing.T) string {
	t.Helper()
	md := dcm.Metadata{}
	md.SetString(tag.Manufacturer, "LO", "SIEMENS")
	md.SetString(tag.ManufacturerModelName, "LO", "Biograph64")
	md.SetString(tag.ReconstructionMethod, "LO", "PSF+TOF 3i21s")
	md[dcm.Key(tag.PixelSpacing)] = dcm.Value{VR: "DS", Float: []float64{4.07, 4.07}}
	md.SetFloat(tag.SliceThickness, "DS", 3)
	md.SetString(tag.StudyDate, "DA", "20240117")
	md.SetString(tag.SeriesTime, "TM", "093000")

	pharma := dcm.Metadata{}
	pharma.SetString(tag.Radiopharmaceutical, "LO", "FDG")
	pharma.SetFloat(tag.RadionuclideTotalDose, "DS", 3.7e8)
	pharma.SetString(tag.RadiopharmaceuticalStartTime, "TM", "083000.500000")
	md[dcm.Key(tag.RadiopharmaceuticalInformationSequence)] = dcm.Value{
		VR: "SQ", Items: []dcm.Metadata{pharma},
	}

	settings, err := md.Encode()
	require.NoError(t, err)
	return settings
}

func TestUploader_BuildRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := NewUploader(env, nil)

	require.NoError(t, env.Store.SaveRadiopharmaceutical(ctx, &store.Radiopharmaceutical{
		Name: "FDG", Synonyms: "fluorodeoxyglucose", HalfLife: 6586.2,
	}))
	require.NoError(t, env.Store.CreateInstance(ctx,
		&store.Patient{PatientID: "pat-1", PatientName: "DOE^JANE"},
		&store.Study{StudyInstanceUID: "1.2.3", PatientID: "pat-1",
			PatientWeight: 70, PatientSize: 1.7, PatientAge: "054Y",
			StoredIn: "/data/incoming/1.2.3"},
		&store.Series{SeriesInstanceUID: "1.2.3.4", PatientID: "pat-1",
			StudyInstanceUID: "1.2.3", Modality: "PT", Number: 4,
			StoredIn: "/data/incoming/1.2.3/1.2.3.4"},
		&store.Instance{SOPInstanceUID: "1.2.3.4.1", Filename: "/data/incoming/1.dcm",
			PatientID: "pat-1", StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.4"},
	))

	task := newPipelineTask("202401170930150001")
	task.CurrentStep = store.StageUpload
	task.ReconSettings = reconSettingsFixture(t)
	task.Radiopharmaceutical = "FDG"

	req, err := u.buildRequest(ctx, task, "202401170930150001_site-042.zip")
	require.NoError(t, err)

	assert.Equal(t, "202401170930150001_site-042.zip", req.InputFile)
	assert.Equal(t, "site-042", req.ClientID)
	assert.Equal(t, env.Config().HTTP.Port, req.ClientPort)

	meta := req.Metadata
	assert.Equal(t, "Biograph64", meta.ManufacturerModelName)
	assert.Equal(t, "PSF+TOF 3i21s", meta.ReconstructionMethod)
	assert.Equal(t, 3, meta.Iteraciones)
	assert.Equal(t, 21, meta.Subsets)
	assert.Equal(t, []float64{4.07, 4.07}, meta.VoxelSpacing)
	assert.InDelta(t, 3.0, meta.SliceThickness, 1e-9)
	assert.Equal(t, "FDG", meta.Radiofarmaco)
	assert.InDelta(t, 6586.2, meta.HalfLife, 1e-9)
	assert.Equal(t, "1.2.3", meta.StudyInstanceUID)
	assert.Equal(t, "1.2.3.4", meta.SeriesInstanceUID)
	assert.Equal(t, "20240117", meta.StudyDate)
	assert.Equal(t, "093000", meta.SeriesTime)
	assert.InDelta(t, 70.0, meta.Weight, 1e-9)

	// Height ships in cm, the age in whole years, the dose converted
	// from Bq to mCi and the injection time as a full timestamp.
	assert.InDelta(t, 170.0, meta.Height, 1e-9)
	assert.Equal(t, 54, meta.Age)
	assert.InDelta(t, 10.0, meta.Dose, 1e-9)
	assert.Equal(t, "2024-01-17 08:30:00", meta.Start)
}

func TestUploader_BuildRequest_UnknownTracer(t *testing.T) {
	env := newTestEnv(t)
	u := NewUploader(env, nil)

	task := newPipelineTask("202401170930150001")
	task.ReconSettings = reconSettingsFixture(t)
	task.Radiopharmaceutical = "PSMA"

	_, err := u.buildRequest(context.Background(), task, "x.zip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PSMA")
}
