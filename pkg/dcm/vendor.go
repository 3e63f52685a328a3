// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dcm

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// =============================================================================
// Vendor parameter extraction
// =============================================================================

// VendorParams are the reconstruction parameters the processing server
// keys its trained models on.
type VendorParams struct {
	Iterations int
	Subsets    int

	// FWHM is the vendor post-filter width in mm when the headers state
	// one (Mediso encodes it inside ReconstructionMethod), 0 otherwise.
	FWHM float64
}

// iterSubsetsPattern pulls iterations and subsets out of reconstruction
// method strings like "PSF+TOF 3i21s" or "3i21s BSREM".
var iterSubsetsPattern = regexp.MustCompile(`(\d+)\s*i(\d+)s`)

// medisoFWHMPattern pulls the post-filter width out of Mediso method
// strings, e.g. "... @ 4.2 mm, ...".
var medisoFWHMPattern = regexp.MustCompile(`@ (\d+\.?\d*) m{0,2},`)

// CheckRequired verifies that the reconstruction metadata carries every
// field the processing server needs, including the vendor-specific
// private blocks. The returned error names the first missing field.
func CheckRequired(md Metadata) error {
	required := []struct {
		t    tag.Tag
		name string
	}{
		{tag.PixelSpacing, "PixelSpacing"},
		{tag.SliceThickness, "SliceThickness"},
		{tag.Manufacturer, "Manufacturer"},
		{tag.RadiopharmaceuticalInformationSequence, "RadiopharmaceuticalInformationSequence"},
	}
	for _, f := range required {
		if !md.Has(f.t) {
			return fmt.Errorf("%s unavailable", f.name)
		}
	}
	if _, err := Radiopharmaceutical(md); err != nil {
		return err
	}

	manufacturer, _ := md.String(tag.Manufacturer)
	switch normalizeManufacturer(manufacturer) {
	case "SIEMENS":
		if !md.Has(tag.ConvolutionKernel) {
			return fmt.Errorf("SIEMENS dataset does not have the ConvolutionKernel field")
		}
		if !md.Has(tag.ReconstructionMethod) {
			return fmt.Errorf("SIEMENS dataset does not have the ReconstructionMethod field")
		}
	case "GE MEDICAL SYSTEMS":
		for _, t := range []tag.Tag{TagGEIterations, TagGESubsets, TagGEIsFiltered} {
			if !md.Has(t) {
				return fmt.Errorf("GE MEDICAL SYSTEMS dataset does not have the %s field", Key(t))
			}
		}
		if filtered, _ := md.Int(TagGEIsFiltered); filtered != 0 {
			for _, t := range []tag.Tag{TagGEFilterFWHM, TagGEFilterType} {
				if !md.Has(t) {
					return fmt.Errorf("GE MEDICAL SYSTEMS dataset is filtered and does not have the %s field", Key(t))
				}
			}
		}
	case "CPS", "MEDISO":
		if !md.Has(tag.ReconstructionMethod) {
			return fmt.Errorf("%s dataset does not have the ReconstructionMethod field", manufacturer)
		}
		if !md.Has(tag.ConvolutionKernel) {
			return fmt.Errorf("%s dataset does not have the ConvolutionKernel field", manufacturer)
		}
	case "UIH":
		if _, _, err := uihIterSubsets(md); err != nil {
			return err
		}
	case "PHILIPS", "PHILIPS MEDICAL SYSTEMS":
		// Iteration parameters are not exposed; nothing extra to check.
	default:
		return fmt.Errorf("unsupported manufacturer %q", manufacturer)
	}
	return nil
}

// ParseVendorParams extracts the reconstruction parameters from vendor
// headers. Call CheckRequired first; this assumes the fields exist.
func ParseVendorParams(md Metadata) (VendorParams, error) {
	manufacturer, _ := md.String(tag.Manufacturer)
	switch normalizeManufacturer(manufacturer) {
	case "SIEMENS", "CPS":
		return paramsFromMethod(md, false)
	case "MEDISO":
		return paramsFromMethod(md, true)
	case "GE MEDICAL SYSTEMS":
		iterations, ok := md.Int(TagGEIterations)
		if !ok {
			return VendorParams{}, fmt.Errorf("GE iterations tag %s unavailable", Key(TagGEIterations))
		}
		subsets, ok := md.Int(TagGESubsets)
		if !ok {
			return VendorParams{}, fmt.Errorf("GE subsets tag %s unavailable", Key(TagGESubsets))
		}
		return VendorParams{Iterations: iterations, Subsets: subsets}, nil
	case "UIH":
		iterations, subsets, err := uihIterSubsets(md)
		if err != nil {
			return VendorParams{}, err
		}
		return VendorParams{Iterations: iterations, Subsets: subsets}, nil
	case "PHILIPS", "PHILIPS MEDICAL SYSTEMS":
		return VendorParams{}, nil
	default:
		return VendorParams{}, fmt.Errorf("unsupported manufacturer %q", manufacturer)
	}
}

func paramsFromMethod(md Metadata, withFWHM bool) (VendorParams, error) {
	method, ok := md.String(tag.ReconstructionMethod)
	if !ok {
		return VendorParams{}, fmt.Errorf("ReconstructionMethod unavailable")
	}
	m := iterSubsetsPattern.FindStringSubmatch(method)
	if m == nil {
		return VendorParams{}, fmt.Errorf("cannot parse iterations/subsets from %q", method)
	}
	iterations, _ := strconv.Atoi(m[1])
	subsets, _ := strconv.Atoi(m[2])
	p := VendorParams{Iterations: iterations, Subsets: subsets}
	if withFWHM {
		if fm := medisoFWHMPattern.FindStringSubmatch(method); fm != nil {
			p.FWHM, _ = strconv.ParseFloat(fm[1], 64)
		}
	}
	return p, nil
}

// uihIterSubsets walks the nested UIH sequences down to the iteration
// parameters.
func uihIterSubsets(md Metadata) (int, int, error) {
	outer := md.Seq(TagUIHReconSequence)
	if len(outer) == 0 {
		return 0, 0, fmt.Errorf("UIH dataset does not have the %s sequence", Key(TagUIHReconSequence))
	}
	inner := outer[0].Seq(TagUIHIterativeRecon)
	if len(inner) == 0 {
		return 0, 0, fmt.Errorf("UIH dataset does not have the %s sequence", Key(TagUIHIterativeRecon))
	}
	iterations, ok := inner[0].Int(TagUIHIterations)
	if !ok {
		return 0, 0, fmt.Errorf("UIH dataset does not have the %s field", Key(TagUIHIterations))
	}
	subsets, ok := inner[0].Int(TagUIHSubsets)
	if !ok {
		return 0, 0, fmt.Errorf("UIH dataset does not have the %s field", Key(TagUIHSubsets))
	}
	return iterations, subsets, nil
}

func normalizeManufacturer(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// =============================================================================
// Radiopharmaceutical headers
// =============================================================================

// PharmaInfo returns the first item of the radiopharmaceutical
// information sequence, or nil.
func PharmaInfo(md Metadata) Metadata {
	items := md.Seq(tag.RadiopharmaceuticalInformationSequence)
	if len(items) == 0 {
		return nil
	}
	return items[0]
}

// Radiopharmaceutical resolves the tracer name from the headers. CPS and
// Mediso scanners omit the Radiopharmaceutical field, so the code
// meaning of the radionuclide code sequence serves as the fallback.
func Radiopharmaceutical(md Metadata) (string, error) {
	info := PharmaInfo(md)
	if info == nil {
		return "", fmt.Errorf("RadiopharmaceuticalInformationSequence unavailable")
	}
	if s, ok := info.String(tag.Radiopharmaceutical); ok && s != "" {
		return s, nil
	}
	codes := info.Seq(tag.RadionuclideCodeSequence)
	if len(codes) > 0 {
		if s, ok := codes[0].String(tag.CodeMeaning); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("Radiopharmaceutical unavailable")
}

// =============================================================================
// Patient and dose helpers
// =============================================================================

// AgeYears converts a DICOM age string ("064Y", "018M") to whole years.
func AgeYears(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty age string")
	}
	unit := s[len(s)-1]
	digits := s
	if unit < '0' || unit > '9' {
		digits = s[:len(s)-1]
	} else {
		unit = 'Y'
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("invalid age string %q", s)
	}
	switch unit {
	case 'Y', 'y':
		return n, nil
	case 'M', 'm':
		return n / 12, nil
	case 'W', 'w':
		return n / 52, nil
	case 'D', 'd':
		return n / 365, nil
	default:
		return 0, fmt.Errorf("invalid age unit in %q", s)
	}
}

// DoseMillicuries converts an injected dose from Bq (how the headers
// state RadionuclideTotalDose) to mCi rounded to two decimals.
func DoseMillicuries(totalDoseBq float64) float64 {
	return math.Round(totalDoseBq/37e6*100) / 100
}

// ParseDateTime combines a DA date and TM time value into a timestamp.
// A missing or malformed time falls back to midnight; a missing date
// yields the zero time.
func ParseDateTime(date, tm string) time.Time {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Time{}
	}
	base, _, _ := strings.Cut(strings.TrimSpace(tm), ".")
	for len(base) < 6 {
		base += "0"
	}
	if t, err := time.Parse("20060102150405", date+base); err == nil {
		return t
	}
	if d, err := time.Parse("20060102", date); err == nil {
		return d
	}
	return time.Time{}
}

// InjectionTime combines the study date with the radiopharmaceutical
// start time. The time component is "HHMMSS" with an optional fractional
// part ("HHMMSS.ffffff").
func InjectionTime(studyDate, startTime string) (time.Time, error) {
	studyDate = strings.TrimSpace(studyDate)
	startTime = strings.TrimSpace(startTime)
	if studyDate == "" || startTime == "" {
		return time.Time{}, fmt.Errorf("missing study date or start time")
	}
	base, frac, _ := strings.Cut(startTime, ".")
	t, err := time.Parse("20060102150405", studyDate+base)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid injection time %q %q: %w", studyDate, startTime, err)
	}
	if frac != "" {
		for len(frac) < 6 {
			frac += "0"
		}
		if micro, err := strconv.Atoi(frac[:6]); err == nil {
			t = t.Add(time.Duration(micro) * time.Microsecond)
		}
	}
	return t, nil
}
