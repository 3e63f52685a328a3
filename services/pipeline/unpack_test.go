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

func TestSelectFilters_IdentityFallback(t *testing.T) {
	env := newTestEnv(t)
	u := NewUnpacker(env)

	filters, err := u.selectFilters(context.Background(), dcm.Metadata{}, "FDG")
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, "PETFECTIOR", filters[0].Description)
	assert.Equal(t, "replace", filters[0].Mode)
	assert.Equal(t, identitySeriesNumber, filters[0].SeriesNumber)
	assert.True(t, filters[0].Enabled)
}

func TestSelectFilters_Matching(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := NewUnpacker(env)

	require.NoError(t, env.Store.SaveRadiopharmaceutical(ctx, &store.Radiopharmaceutical{
		Name: "FDG", Synonyms: "FDG -- fluorodeoxyglucose", HalfLife: 6586.2,
	}))

	save := func(f *store.FilterSettings) {
		require.NoError(t, env.Store.SaveFilterSettings(ctx, f))
	}
	save(&store.FilterSettings{Description: "any", Mode: "replace", SeriesNumber: 1001,
		Model: "all", Radiopharmaceutical: "all", Enabled: true})
	save(&store.FilterSettings{Description: "biograph-only", Mode: "replace", SeriesNumber: 1002,
		Model: "Biograph64", Radiopharmaceutical: "all", Enabled: true})
	save(&store.FilterSettings{Description: "other-scanner", Mode: "replace", SeriesNumber: 1003,
		Model: "Discovery MI", Radiopharmaceutical: "all", Enabled: true})
	save(&store.FilterSettings{Description: "disabled", Mode: "replace", SeriesNumber: 1004,
		Model: "all", Radiopharmaceutical: "all", Enabled: false})
	save(&store.FilterSettings{Description: "fdg-synonym", Mode: "append", SeriesNumber: 1005,
		Model: "all", Radiopharmaceutical: "FDG -- fluorodeoxyglucose", Enabled: true})
	save(&store.FilterSettings{Description: "psma-only", Mode: "replace", SeriesNumber: 1006,
		Model: "all", Radiopharmaceutical: "PSMA", Enabled: true})

	md := dcm.Metadata{}
	md.SetString(tag.ManufacturerModelName, "LO", "Biograph64")

	filters, err := u.selectFilters(ctx, md, "FDG")
	require.NoError(t, err)

	names := make([]string, len(filters))
	for i, f := range filters {
		names[i] = f.Description
	}
	assert.ElementsMatch(t, []string{"any", "biograph-only", "fdg-synonym"}, names)
}

func TestSelectFilters_NoMatchIsAnError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := NewUnpacker(env)

	require.NoError(t, env.Store.SaveFilterSettings(ctx, &store.FilterSettings{
		Description: "psma-only", Mode: "replace", SeriesNumber: 1001,
		Model: "all", Radiopharmaceutical: "PSMA", Enabled: true,
	}))

	_, err := u.selectFilters(ctx, dcm.Metadata{}, "FDG")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no post-filter")
}

func TestVoxelSize(t *testing.T) {
	md := dcm.Metadata{}
	assert.Equal(t, [3]float64{1, 1, 1}, voxelSize(md))

	// PixelSpacing is (row, column); the physical order is (x, y).
	md[dcm.Key(tag.PixelSpacing)] = dcm.Value{VR: "DS", Float: []float64{4.07, 3.18}}
	md.SetFloat(tag.SliceThickness, "DS", 5)
	assert.Equal(t, [3]float64{3.18, 4.07, 5}, voxelSize(md))

	// A measured slice gap wins over the nominal thickness.
	md.SetFloat(tag.SpacingBetweenSlices, "DS", 3.27)
	assert.Equal(t, [3]float64{3.18, 4.07, 3.27}, voxelSize(md))
}
