// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dcm

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// =============================================================================
// Result instance generation
// =============================================================================

// ResultSlice describes one post-filtered plane to graft onto a
// template instance.
type ResultSlice struct {
	SOPInstanceUID    string
	SeriesInstanceUID string
	SeriesNumber      int
	SeriesDescription string

	// Slope is the per-slice rescale slope that recovers physical
	// values from the quantized pixels; the intercept is reset to 0.
	Slope float64

	// Pixels is the quantized plane, row-major (y, x).
	Pixels     []uint16
	Rows, Cols int
}

// RebuildInstance clones a template dataset into a new part-10 result
// instance: fresh identity UIDs, the configured series description and
// number, and the quantized pixel plane with its rescale slope. Every
// other header is carried over from the template.
func RebuildInstance(template dicom.Dataset, rs ResultSlice) ([]byte, error) {
	if len(rs.Pixels) != rs.Rows*rs.Cols {
		return nil, fmt.Errorf("plane has %d pixels, want %dx%d", len(rs.Pixels), rs.Rows, rs.Cols)
	}
	nativeFrame := frame.NewNativeFrame[uint16](16, rs.Rows, rs.Cols, rs.Rows*rs.Cols, 1)
	copy(nativeFrame.RawData, rs.Pixels)
	pixelInfo := dicom.PixelDataInfo{
		IsEncapsulated: false,
		Frames: []*frame.Frame{
			{Encapsulated: false, NativeData: nativeFrame},
		},
	}

	replacements := map[tag.Tag]any{
		tag.MediaStorageSOPInstanceUID: []string{rs.SOPInstanceUID},
		tag.SOPInstanceUID:             []string{rs.SOPInstanceUID},
		tag.SeriesInstanceUID:          []string{rs.SeriesInstanceUID},
		tag.SeriesNumber:               []string{strconv.Itoa(rs.SeriesNumber)},
		tag.SeriesDescription:          []string{rs.SeriesDescription},
		tag.RescaleSlope:               []string{strconv.FormatFloat(rs.Slope, 'G', 10, 64)},
		tag.RescaleIntercept:           []string{"0"},
		tag.Rows:                       []int{rs.Rows},
		tag.Columns:                    []int{rs.Cols},
		tag.BitsAllocated:              []int{16},
		tag.BitsStored:                 []int{16},
		tag.HighBit:                    []int{15},
		tag.PixelRepresentation:        []int{0},
		tag.PixelData:                  pixelInfo,
	}

	elements := make([]*dicom.Element, 0, len(template.Elements)+4)
	replaced := make(map[tag.Tag]bool, len(replacements))
	for _, e := range template.Elements {
		value, ok := replacements[e.Tag]
		if !ok {
			elements = append(elements, e)
			continue
		}
		ne, err := dicom.NewElement(e.Tag, value)
		if err != nil {
			return nil, fmt.Errorf("rebuilding element %s: %w", e.Tag, err)
		}
		elements = append(elements, ne)
		replaced[e.Tag] = true
	}
	for t, value := range replacements {
		if replaced[t] {
			continue
		}
		ne, err := dicom.NewElement(t, value)
		if err != nil {
			return nil, fmt.Errorf("adding element %s: %w", t, err)
		}
		elements = append(elements, ne)
	}
	sort.Slice(elements, func(i, j int) bool {
		a, b := elements[i].Tag, elements[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elements}, dicom.SkipVRVerification()); err != nil {
		return nil, fmt.Errorf("writing result instance: %w", err)
	}
	return buf.Bytes(), nil
}
