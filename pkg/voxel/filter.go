// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package voxel

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// =============================================================================
// Separable Gaussian post-filter
// =============================================================================

// fwhmToSigma converts a full-width-at-half-maximum to the Gaussian
// sigma. 2.35 approximates 2*sqrt(2*ln 2).
const fwhmToSigma = 2.35

// padWidth is the linear ramp added on each side of a line before
// convolution, so the filter tails decay into zero instead of wrapping
// or clamping at the volume edge.
const padWidth = 21

// GaussianFilter applies a separable 3-D Gaussian of the given FWHM (mm)
// to a volume with the given per-axis voxel size (mm). A non-positive
// FWHM is the identity.
func GaussianFilter(v *Volume, fwhmMM float64, voxelSize [3]float64) *Volume {
	out := v.Clone()
	if fwhmMM <= 0 {
		return out
	}
	for axis := 0; axis < 3; axis++ {
		if voxelSize[axis] <= 0 {
			continue
		}
		sigma := fwhmMM / (fwhmToSigma * voxelSize[axis])
		kernel := gaussianKernel(sigma)
		if len(kernel) > 1 {
			out.filterAxis(axis, kernel)
		}
	}
	return out
}

// gaussianKernel builds a normalized kernel truncated at four sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	if radius < 1 {
		return []float64{1}
	}
	k := make([]float64, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		k[i+radius] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// filterAxis convolves every line of the volume along one axis in
// place. Lines are ramp-padded on both ends and cropped back.
func (v *Volume) filterAxis(axis int, kernel []float64) {
	dims := [3]int{v.NX, v.NY, v.NZ}
	n := dims[axis]
	radius := len(kernel) / 2

	padded := make([]float64, n+2*padWidth)
	out := make([]float64, n)

	// The two axes that stay fixed while a line is swept.
	others := [2]int{(axis + 1) % 3, (axis + 2) % 3}

	var coord [3]int
	for a := 0; a < dims[others[0]]; a++ {
		for b := 0; b < dims[others[1]]; b++ {
			coord[others[0]] = a
			coord[others[1]] = b

			for i := 0; i < n; i++ {
				coord[axis] = i
				padded[padWidth+i] = float64(v.At(coord[0], coord[1], coord[2]))
			}
			rampPad(padded, n)

			for i := 0; i < n; i++ {
				sum := 0.0
				center := padWidth + i
				for t := -radius; t <= radius; t++ {
					j := center + t
					if j < 0 || j >= len(padded) {
						continue
					}
					sum += padded[j] * kernel[t+radius]
				}
				out[i] = sum
			}

			for i := 0; i < n; i++ {
				coord[axis] = i
				v.Set(coord[0], coord[1], coord[2], float32(out[i]))
			}
		}
	}
}

// rampPad fills the padWidth samples on each side of padded with a
// linear ramp from zero up to the edge value, matching numpy's
// linear_ramp padding mode.
func rampPad(padded []float64, n int) {
	left := padded[padWidth]
	right := padded[padWidth+n-1]
	for k := 0; k < padWidth; k++ {
		padded[k] = left * float64(k) / padWidth
		padded[len(padded)-1-k] = right * float64(k) / padWidth
	}
}
