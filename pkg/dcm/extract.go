// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dcm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// =============================================================================
// Header extraction
// =============================================================================

// Essential holds the identity and indexing fields the agent stores for
// every received instance. The four UID/position fields are mandatory;
// the rest are best effort.
type Essential struct {
	SOPClassUID       string
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string

	PatientID   string
	PatientName string

	StudyDate        string
	StudyTime        string
	StudyDescription string

	SeriesDate        string
	SeriesTime        string
	SeriesDescription string
	SeriesNumber      int
	Modality          string

	InstanceNumber int

	// ImagePositionZ is the third component of ImagePositionPatient,
	// used for slice ordering and gap analysis.
	ImagePositionZ float64

	// NumberOfSlices, when present, is the expected instance count for
	// the series.
	NumberOfSlices int

	// ActualFrameDuration breaks ties when choosing which instance's
	// headers represent the whole series.
	ActualFrameDuration int

	Rows    int
	Columns int
}

// ExtractFromDataset pulls the essential identity fields and the
// reconstruction metadata out of a parsed dataset. It fails only when a
// mandatory field (study, series or SOP UID, or the slice position) is
// missing, which makes the instance unusable for series assembly.
func ExtractFromDataset(ds dicom.Dataset) (Essential, Metadata, error) {
	var es Essential

	es.StudyInstanceUID = findString(ds, tag.StudyInstanceUID)
	es.SeriesInstanceUID = findString(ds, tag.SeriesInstanceUID)
	es.SOPInstanceUID = findString(ds, tag.SOPInstanceUID)
	if es.StudyInstanceUID == "" || es.SeriesInstanceUID == "" || es.SOPInstanceUID == "" {
		return es, nil, fmt.Errorf("dataset is missing identity UIDs")
	}
	pos := findFloats(ds, tag.ImagePositionPatient)
	if len(pos) < 3 {
		return es, nil, fmt.Errorf("dataset is missing ImagePositionPatient")
	}
	es.ImagePositionZ = pos[2]

	es.SOPClassUID = findString(ds, tag.SOPClassUID)
	es.PatientID = findString(ds, tag.PatientID)
	es.PatientName = findString(ds, tag.PatientName)
	es.StudyDate = findString(ds, tag.StudyDate)
	es.StudyTime = findString(ds, tag.StudyTime)
	es.StudyDescription = findString(ds, tag.StudyDescription)
	es.SeriesDate = findString(ds, tag.SeriesDate)
	es.SeriesTime = findString(ds, tag.SeriesTime)
	es.SeriesDescription = findString(ds, tag.SeriesDescription)
	es.Modality = findString(ds, tag.Modality)
	es.SeriesNumber, _ = findInt(ds, tag.SeriesNumber)
	es.InstanceNumber, _ = findInt(ds, tag.InstanceNumber)
	es.NumberOfSlices, _ = findInt(ds, tag.NumberOfSlices)
	es.ActualFrameDuration, _ = findInt(ds, tag.ActualFrameDuration)
	es.Rows, _ = findInt(ds, tag.Rows)
	es.Columns, _ = findInt(ds, tag.Columns)

	return es, ReconMetadata(ds), nil
}

// findString returns the first value of a tag as trimmed text, or "".
func findString(ds dicom.Dataset, t tag.Tag) string {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	v, ok := NewValue(e)
	if !ok {
		return ""
	}
	s, _ := v.firstString()
	return s
}

// findInt returns the first value of a tag as an int. Integer-string
// VRs arrive as text and are converted here.
func findInt(ds dicom.Dataset, t tag.Tag) (int, bool) {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, false
	}
	v, ok := NewValue(e)
	if !ok {
		return 0, false
	}
	return v.intLE()
}

// findFloats returns every value of a tag converted to float64.
func findFloats(ds dicom.Dataset, t tag.Tag) []float64 {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	switch e.Value.ValueType() {
	case dicom.Floats:
		return e.Value.GetValue().([]float64)
	case dicom.Ints:
		ints := e.Value.GetValue().([]int)
		out := make([]float64, len(ints))
		for i, n := range ints {
			out[i] = float64(n)
		}
		return out
	case dicom.Strings:
		strs := e.Value.GetValue().([]string)
		out := make([]float64, 0, len(strs))
		for _, s := range strs {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				out = append(out, f)
			}
		}
		return out
	default:
		return nil
	}
}
