// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package voxel

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSlices_Indexing(t *testing.T) {
	// Two 3x2 slices (nx=3, ny=2), row-major (y, x).
	slices := [][]float32{
		{0, 1, 2, 3, 4, 5},
		{6, 7, 8, 9, 10, 11},
	}
	v, err := FromSlices(slices, 3, 2)
	require.NoError(t, err)

	assert.Equal(t, float32(0), v.At(0, 0, 0))
	assert.Equal(t, float32(1), v.At(1, 0, 0))
	assert.Equal(t, float32(3), v.At(0, 1, 0))
	assert.Equal(t, float32(11), v.At(2, 1, 1))

	// C-order layout: (x,y,z) at (x*NY+y)*NZ+z.
	assert.Equal(t, v.Data[(2*2+1)*2+1], v.At(2, 1, 1))
}

func TestFromSlices_BadShape(t *testing.T) {
	_, err := FromSlices([][]float32{{1, 2, 3}}, 2, 2)
	assert.Error(t, err)
	_, err = FromSlices(nil, 2, 2)
	assert.Error(t, err)
}

func TestCombine_AbsoluteValue(t *testing.T) {
	d := New(1, 1, 2)
	d.Set(0, 0, 0, -4)
	d.Set(0, 0, 1, 2)
	n := New(1, 1, 2)
	n.Set(0, 0, 0, 2)
	n.Set(0, 0, 1, -400)

	out, err := Combine(d, n, 50)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, out.At(0, 0, 0), 1e-6)   // |-4 + 0.5*2|
	assert.InDelta(t, 198.0, out.At(0, 0, 1), 1e-6) // |2 + 0.5*(-400)|

	_, err = Combine(d, New(1, 1, 3), 0)
	assert.Error(t, err)
}

func TestGaussianFilter_IdentityOnZeroFWHM(t *testing.T) {
	v := New(4, 4, 4)
	v.Set(1, 2, 3, 7)
	out := GaussianFilter(v, 0, [3]float64{1, 1, 1})
	assert.Equal(t, v.Data, out.Data)
}

func TestGaussianFilter_PreservesMassAndSmooths(t *testing.T) {
	// Arrange: a centered impulse far from the edges.
	v := New(21, 21, 21)
	v.Set(10, 10, 10, 1000)

	// Act: FWHM 2.35mm on 1mm voxels gives sigma=1 per axis.
	out := GaussianFilter(v, 2.35, [3]float64{1, 1, 1})

	// Assert: total mass preserved, peak reduced, symmetric spread.
	var sum, peak float64
	for _, val := range out.Data {
		sum += float64(val)
		if float64(val) > peak {
			peak = float64(val)
		}
	}
	assert.InDelta(t, 1000, sum, 1.0)
	assert.Less(t, peak, 1000.0)
	assert.InDelta(t, float64(out.At(9, 10, 10)), float64(out.At(11, 10, 10)), 1e-3)
	assert.InDelta(t, float64(out.At(10, 9, 10)), float64(out.At(10, 10, 11)), 1e-3)
}

func TestGaussianFilter_AnisotropicVoxels(t *testing.T) {
	// Coarser sampling along Z means less smoothing in voxel units.
	v := New(15, 15, 15)
	v.Set(7, 7, 7, 100)

	out := GaussianFilter(v, 4.7, [3]float64{1, 1, 4})

	// One voxel away along X loses more than one voxel away along Z.
	assert.Greater(t, float64(out.At(7, 7, 8)), 0.0)
	assert.Less(t, float64(out.At(7, 7, 8)), float64(out.At(8, 7, 7)))
}

func TestQuantizeSlices_ErrorBound(t *testing.T) {
	// Arrange: random non-negative volume.
	rng := rand.New(rand.NewSource(42))
	v := New(8, 8, 4)
	for i := range v.Data {
		v.Data[i] = rng.Float32() * 5000
	}

	// Act
	slices := v.QuantizeSlices()

	// Assert: per-slice reconstruction within one slope step.
	require.Len(t, slices, 4)
	for z, s := range slices {
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				recovered := float64(s.Pixels[y*v.NX+x]) * s.Slope
				diff := math.Abs(recovered - float64(v.At(x, y, z)))
				assert.LessOrEqual(t, diff, s.Slope+1e-9)
			}
		}
	}
}

func TestQuantizeSlices_ZeroSlice(t *testing.T) {
	v := New(4, 4, 1)
	slices := v.QuantizeSlices()

	require.Len(t, slices, 1)
	assert.Equal(t, 1.0, slices[0].Slope)
	for _, p := range slices[0].Pixels {
		assert.Equal(t, uint16(0), p)
	}
}

func TestQuantizeSlices_MaxMapsToFullScale(t *testing.T) {
	v := New(2, 2, 1)
	v.Set(0, 0, 0, 100)
	v.Set(1, 1, 0, 50)

	s := v.QuantizeSlices()[0]
	assert.Equal(t, uint16(maxPixel), s.Pixels[0])
	assert.InDelta(t, float64(maxPixel)/2, float64(s.Pixels[1*2+1]), 1)
}
