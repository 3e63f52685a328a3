// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// mv builds a dicom.Value for tests, failing the test on error.
func mv(t *testing.T, data any) dicom.Value {
	t.Helper()
	v, err := dicom.NewValue(data)
	require.NoError(t, err)
	return v
}

func el(t *testing.T, tg tag.Tag, vr string, data any) *dicom.Element {
	t.Helper()
	return &dicom.Element{Tag: tg, RawValueRepresentation: vr, Value: mv(t, data)}
}

func TestReconMetadata_FromDataset(t *testing.T) {
	// Arrange
	ds := dicom.Dataset{Elements: []*dicom.Element{
		el(t, tag.Manufacturer, "LO", []string{"SIEMENS "}),
		el(t, tag.PixelSpacing, "DS", []string{"4.07283", "4.07283"}),
		el(t, tag.SliceThickness, "DS", []string{"3.00"}),
		el(t, TagGEIterations, "UN", []byte{0x04, 0x00, 0x00, 0x00}),
		el(t, tag.RadiopharmaceuticalInformationSequence, "SQ", [][]*dicom.Element{
			{el(t, tag.Radiopharmaceutical, "LO", []string{"FDG -- fluorodeoxyglucose"})},
		}),
	}}

	// Act
	md := ReconMetadata(ds)

	// Assert
	manufacturer, ok := md.String(tag.Manufacturer)
	require.True(t, ok)
	assert.Equal(t, "SIEMENS", manufacturer)

	spacing := md.Floats(tag.PixelSpacing)
	require.Len(t, spacing, 2)
	assert.InDelta(t, 4.07283, spacing[0], 1e-9)

	thickness, ok := md.Float(tag.SliceThickness)
	require.True(t, ok)
	assert.InDelta(t, 3.0, thickness, 1e-9)

	iterations, ok := md.Int(TagGEIterations)
	require.True(t, ok)
	assert.Equal(t, 4, iterations)

	info := PharmaInfo(md)
	require.NotNil(t, info)
	pharma, ok := info.String(tag.Radiopharmaceutical)
	require.True(t, ok)
	assert.Equal(t, "FDG -- fluorodeoxyglucose", pharma)
}

func TestMetadata_EncodeDecode(t *testing.T) {
	md := Metadata{
		Key(tag.Manufacturer):   {VR: "LO", Str: []string{"GE MEDICAL SYSTEMS"}},
		Key(TagGEIterations):    {VR: "UN", Bytes: []byte{0x02, 0x00}},
		Key(tag.SliceThickness): {VR: "DS", Str: []string{"2.79"}},
		Key(tag.RadiopharmaceuticalInformationSequence): {VR: "SQ", Items: []Metadata{
			{Key(tag.RadionuclideTotalDose): {VR: "DS", Str: []string{"370000000"}}},
		}},
	}

	encoded, err := md.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	iterations, ok := decoded.Int(TagGEIterations)
	require.True(t, ok)
	assert.Equal(t, 2, iterations)

	info := PharmaInfo(decoded)
	require.NotNil(t, info)
	dose, ok := info.Float(tag.RadionuclideTotalDose)
	require.True(t, ok)
	assert.InDelta(t, 370e6, dose, 1)
}

func TestMetadata_IntFromBytesLittleEndian(t *testing.T) {
	md := Metadata{Key(TagGESubsets): {VR: "UN", Bytes: []byte{0x15, 0x00, 0x00, 0x00}}}
	n, ok := md.Int(TagGESubsets)
	require.True(t, ok)
	assert.Equal(t, 21, n)
}

func TestExtractFromDataset(t *testing.T) {
	ds := dicom.Dataset{Elements: []*dicom.Element{
		el(t, tag.StudyInstanceUID, "UI", []string{"1.2.3"}),
		el(t, tag.SeriesInstanceUID, "UI", []string{"1.2.3.4"}),
		el(t, tag.SOPInstanceUID, "UI", []string{"1.2.3.4.5"}),
		el(t, tag.SOPClassUID, "UI", []string{UIDPETImageStorage}),
		el(t, tag.ImagePositionPatient, "DS", []string{"-300.0", "-380.0", "-102.5"}),
		el(t, tag.NumberOfSlices, "US", []int{47}),
		el(t, tag.SeriesNumber, "IS", []string{"3"}),
		el(t, tag.ActualFrameDuration, "IS", []string{"180000"}),
		el(t, tag.Manufacturer, "LO", []string{"SIEMENS"}),
	}}

	es, md, err := ExtractFromDataset(ds)
	require.NoError(t, err)

	assert.Equal(t, "1.2.3.4.5", es.SOPInstanceUID)
	assert.Equal(t, "1.2.3.4", es.SeriesInstanceUID)
	assert.InDelta(t, -102.5, es.ImagePositionZ, 1e-9)
	assert.Equal(t, 47, es.NumberOfSlices)
	assert.Equal(t, 3, es.SeriesNumber)
	assert.Equal(t, 180000, es.ActualFrameDuration)
	assert.True(t, md.Has(tag.Manufacturer))
}

func TestExtractFromDataset_MissingMandatory(t *testing.T) {
	ds := dicom.Dataset{Elements: []*dicom.Element{
		el(t, tag.StudyInstanceUID, "UI", []string{"1.2.3"}),
		el(t, tag.SeriesInstanceUID, "UI", []string{"1.2.3.4"}),
		el(t, tag.SOPInstanceUID, "UI", []string{"1.2.3.4.5"}),
	}}

	_, _, err := ExtractFromDataset(ds)
	assert.Error(t, err)
}
