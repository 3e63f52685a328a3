// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dcm contains the DICOM domain layer shared by the receiver,
// the pipeline stages and the sender: tag constants for the vendor
// private blocks, a JSON-serializable metadata container used to persist
// reconstruction settings on a task, header extraction, UID minting and
// DICOM file meta framing.
package dcm

import "github.com/suyashkumar/dicom/pkg/tag"

// =============================================================================
// Vendor private tags
// =============================================================================

// GE MEDICAL SYSTEMS private block (0009,10xx). Values arrive either as
// raw little-endian bytes or as decoded integers depending on the
// transfer syntax the scanner negotiated.
var (
	TagGEIterations = tag.Tag{Group: 0x0009, Element: 0x10B2}
	TagGESubsets    = tag.Tag{Group: 0x0009, Element: 0x10B3}
	TagGEIsFiltered = tag.Tag{Group: 0x0009, Element: 0x10BA}
	TagGEFilterFWHM = tag.Tag{Group: 0x0009, Element: 0x10BB}
	TagGEFilterType = tag.Tag{Group: 0x0009, Element: 0x10DC}
)

// UIH scanners bury the iteration parameters two sequences deep:
// (0067,1021)[0] -> (0018,9749)[0] -> (0018,9739)/(0018,9740).
var (
	TagUIHReconSequence  = tag.Tag{Group: 0x0067, Element: 0x1021}
	TagUIHIterativeRecon = tag.Tag{Group: 0x0018, Element: 0x9749}
	TagUIHIterations     = tag.Tag{Group: 0x0018, Element: 0x9739}
	TagUIHSubsets        = tag.Tag{Group: 0x0018, Element: 0x9740}
)

// reconTags is the set of header fields carried along with a task as its
// reconstruction settings. The vendor private blocks are retained because
// parameter extraction happens at validation time, not at receive time.
var reconTags = []tag.Tag{
	tag.PixelSpacing,
	tag.ReconstructionMethod,
	tag.Manufacturer,
	tag.ManufacturerModelName,
	tag.SliceThickness,
	tag.ConvolutionKernel,
	tag.PatientWeight,
	tag.PatientSize,
	tag.PatientAge,
	tag.ActualFrameDuration,
	tag.RadiopharmaceuticalInformationSequence,
	tag.StudyDate,
	tag.StudyTime,
	tag.SeriesDate,
	tag.SeriesTime,
	TagGESubsets,
	TagGEIterations,
	TagGEIsFiltered,
	TagGEFilterFWHM,
	TagGEFilterType,
	TagUIHReconSequence,
}
