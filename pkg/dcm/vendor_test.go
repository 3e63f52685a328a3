// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dcm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func baseMetadata(manufacturer string) Metadata {
	return Metadata{
		Key(tag.Manufacturer):   {VR: "LO", Str: []string{manufacturer}},
		Key(tag.PixelSpacing):   {VR: "DS", Str: []string{"4.07", "4.07"}},
		Key(tag.SliceThickness): {VR: "DS", Str: []string{"3.0"}},
		Key(tag.RadiopharmaceuticalInformationSequence): {VR: "SQ", Items: []Metadata{
			{Key(tag.Radiopharmaceutical): {VR: "LO", Str: []string{"FDG"}}},
		}},
	}
}

func TestParseVendorParams_Siemens(t *testing.T) {
	md := baseMetadata("SIEMENS")
	md.SetString(tag.ReconstructionMethod, "LO", "PSF+TOF 3i21s")
	md.SetString(tag.ConvolutionKernel, "SH", "XYZ Gauss 4.00")

	require.NoError(t, CheckRequired(md))
	p, err := ParseVendorParams(md)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Iterations)
	assert.Equal(t, 21, p.Subsets)
}

func TestParseVendorParams_SiemensMethodSuffix(t *testing.T) {
	// Some consoles put the algorithm name after the parameters.
	md := baseMetadata("SIEMENS")
	md.SetString(tag.ReconstructionMethod, "LO", "3i21s BSREM")
	md.SetString(tag.ConvolutionKernel, "SH", "All-pass")

	p, err := ParseVendorParams(md)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Iterations)
	assert.Equal(t, 21, p.Subsets)
}

func TestParseVendorParams_GEFromBytes(t *testing.T) {
	md := baseMetadata("GE MEDICAL SYSTEMS")
	md[Key(TagGEIterations)] = Value{VR: "UN", Bytes: []byte{0x04, 0x00, 0x00, 0x00}}
	md[Key(TagGESubsets)] = Value{VR: "UN", Bytes: []byte{0x18, 0x00, 0x00, 0x00}}
	md[Key(TagGEIsFiltered)] = Value{VR: "UN", Bytes: []byte{0x00, 0x00}}

	require.NoError(t, CheckRequired(md))
	p, err := ParseVendorParams(md)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Iterations)
	assert.Equal(t, 24, p.Subsets)
}

func TestCheckRequired_GEFilteredNeedsFilterTags(t *testing.T) {
	md := baseMetadata("GE MEDICAL SYSTEMS")
	md[Key(TagGEIterations)] = Value{VR: "UN", Int: []int64{2}}
	md[Key(TagGESubsets)] = Value{VR: "UN", Int: []int64{28}}
	md[Key(TagGEIsFiltered)] = Value{VR: "UN", Int: []int64{1}}

	err := CheckRequired(md)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0009,10BB")
}

func TestParseVendorParams_MedisoFWHM(t *testing.T) {
	md := baseMetadata("Mediso")
	md.SetString(tag.ReconstructionMethod, "LO", "Tera-Tomo 3D 4i6s @ 4.2 mm, normal")
	md.SetString(tag.ConvolutionKernel, "SH", "TT3D")

	require.NoError(t, CheckRequired(md))
	p, err := ParseVendorParams(md)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Iterations)
	assert.Equal(t, 6, p.Subsets)
	assert.InDelta(t, 4.2, p.FWHM, 1e-9)
}

func TestParseVendorParams_UIHNested(t *testing.T) {
	md := baseMetadata("UIH")
	md[Key(TagUIHReconSequence)] = Value{VR: "SQ", Items: []Metadata{
		{Key(TagUIHIterativeRecon): {VR: "SQ", Items: []Metadata{
			{
				Key(TagUIHIterations): {VR: "US", Int: []int64{3}},
				Key(TagUIHSubsets):    {VR: "US", Int: []int64{20}},
			},
		}}},
	}}

	require.NoError(t, CheckRequired(md))
	p, err := ParseVendorParams(md)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Iterations)
	assert.Equal(t, 20, p.Subsets)
}

func TestParseVendorParams_Philips(t *testing.T) {
	md := baseMetadata("Philips Medical Systems")

	require.NoError(t, CheckRequired(md))
	p, err := ParseVendorParams(md)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Iterations)
	assert.Equal(t, 0, p.Subsets)
}

func TestCheckRequired_MissingFields(t *testing.T) {
	md := baseMetadata("SIEMENS")
	delete(md, Key(tag.SliceThickness))
	err := CheckRequired(md)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SliceThickness")

	md = baseMetadata("SIEMENS")
	err = CheckRequired(md)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ConvolutionKernel")

	md = baseMetadata("ACME IMAGING")
	err = CheckRequired(md)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported manufacturer")
}

func TestRadiopharmaceutical_CodeMeaningFallback(t *testing.T) {
	// CPS and Mediso scanners omit the Radiopharmaceutical field.
	md := baseMetadata("CPS")
	md[Key(tag.RadiopharmaceuticalInformationSequence)] = Value{VR: "SQ", Items: []Metadata{
		{Key(tag.RadionuclideCodeSequence): {VR: "SQ", Items: []Metadata{
			{Key(tag.CodeMeaning): {VR: "LO", Str: []string{"^18^Fluorine"}}},
		}}},
	}}

	name, err := Radiopharmaceutical(md)
	require.NoError(t, err)
	assert.Equal(t, "^18^Fluorine", name)
}

func TestAgeYears(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int
	}{
		{"064Y", 64},
		{"018M", 1},
		{"004W", 0},
		{"365D", 1},
		{"42", 42},
	} {
		got, err := AgeYears(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := AgeYears("")
	assert.Error(t, err)
	_, err = AgeYears("abcY")
	assert.Error(t, err)
}

func TestDoseMillicuries(t *testing.T) {
	assert.InDelta(t, 10.0, DoseMillicuries(370e6), 1e-9)
	assert.InDelta(t, 8.11, DoseMillicuries(300e6), 1e-9)
}

func TestInjectionTime(t *testing.T) {
	got, err := InjectionTime("20240117", "093015")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 17, 9, 30, 15, 0, time.UTC), got)

	got, err = InjectionTime("20240117", "093015.250000")
	require.NoError(t, err)
	assert.Equal(t, 250000*int(time.Microsecond), got.Nanosecond())

	_, err = InjectionTime("", "093015")
	assert.Error(t, err)
}
