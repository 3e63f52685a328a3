// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package voxel holds the in-memory volume type and the numeric
// operations the pipeline applies to PET data: assembling a volume from
// DICOM slices, combining denoised output with a noise fraction,
// separable Gaussian post-filtering and per-slice 16-bit quantization.
package voxel

import (
	"fmt"
	"math"
)

// =============================================================================
// Volume
// =============================================================================

// Volume is a 3-D float32 array in C order with axes (X, Y, Z). Element
// (x, y, z) lives at Data[(x*NY+y)*NZ+z], matching the layout of the
// voxels.npy exchange files.
type Volume struct {
	NX, NY, NZ int
	Data       []float32
}

// New allocates a zero-filled volume.
func New(nx, ny, nz int) *Volume {
	return &Volume{NX: nx, NY: ny, NZ: nz, Data: make([]float32, nx*ny*nz)}
}

// FromData wraps an existing flat slice, validating its length.
func FromData(data []float32, nx, ny, nz int) (*Volume, error) {
	if len(data) != nx*ny*nz {
		return nil, fmt.Errorf("volume shape (%d,%d,%d) does not match %d values", nx, ny, nz, len(data))
	}
	return &Volume{NX: nx, NY: ny, NZ: nz, Data: data}, nil
}

// FromSlices assembles a volume from axial slices ordered by ascending
// Z. Each slice is row-major (y, x), the layout of DICOM pixel data.
func FromSlices(slices [][]float32, nx, ny int) (*Volume, error) {
	nz := len(slices)
	if nz == 0 {
		return nil, fmt.Errorf("no slices")
	}
	v := New(nx, ny, nz)
	for z, s := range slices {
		if len(s) != nx*ny {
			return nil, fmt.Errorf("slice %d has %d pixels, want %d", z, len(s), nx*ny)
		}
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				v.Set(x, y, z, s[y*nx+x])
			}
		}
	}
	return v, nil
}

// At returns the value at (x, y, z).
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[(x*v.NY+y)*v.NZ+z]
}

// Set writes the value at (x, y, z).
func (v *Volume) Set(x, y, z int, val float32) {
	v.Data[(x*v.NY+y)*v.NZ+z] = val
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := New(v.NX, v.NY, v.NZ)
	copy(out.Data, v.Data)
	return out
}

// Combine mixes the denoised volume with a percentage of the noise
// volume and takes the absolute value, the preparation step before
// post-filtering.
func Combine(denoised, noise *Volume, noisePercent float64) (*Volume, error) {
	if denoised.NX != noise.NX || denoised.NY != noise.NY || denoised.NZ != noise.NZ {
		return nil, fmt.Errorf("denoised (%d,%d,%d) and noise (%d,%d,%d) shapes differ",
			denoised.NX, denoised.NY, denoised.NZ, noise.NX, noise.NY, noise.NZ)
	}
	out := New(denoised.NX, denoised.NY, denoised.NZ)
	frac := noisePercent / 100
	for i, d := range denoised.Data {
		out.Data[i] = float32(math.Abs(float64(d) + frac*float64(noise.Data[i])))
	}
	return out, nil
}
