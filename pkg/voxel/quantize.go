// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package voxel

// =============================================================================
// Per-slice 16-bit quantization
// =============================================================================

// maxPixel is the largest stored value: 2^15-1, keeping headroom in the
// unsigned 16-bit pixel representation.
const maxPixel = 1<<15 - 1

// Slice is one quantized axial plane: uint16 pixels in row-major (y, x)
// order ready for DICOM PixelData, plus the rescale slope that recovers
// the physical values.
type Slice struct {
	Slope  float64
	Pixels []uint16
}

// QuantizeSlices converts the volume into per-slice uint16 pixel planes,
// each scaled by its own slope = max/(2^15-1). An all-zero slice keeps a
// slope of 1 so reconstruction is well defined.
func (v *Volume) QuantizeSlices() []Slice {
	out := make([]Slice, v.NZ)
	for z := 0; z < v.NZ; z++ {
		var max float32
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				if val := v.At(x, y, z); val > max {
					max = val
				}
			}
		}
		slope := 1.0
		if max > 0 {
			slope = float64(max) / maxPixel
		}
		pixels := make([]uint16, v.NX*v.NY)
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				pixels[y*v.NX+x] = uint16(float64(v.At(x, y, z)) / slope)
			}
		}
		out[z] = Slice{Slope: slope, Pixels: pixels}
	}
	return out
}
