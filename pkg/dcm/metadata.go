// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dcm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// =============================================================================
// Metadata container
// =============================================================================

// Metadata is a JSON-serializable subset of a DICOM dataset, keyed by
// "GGGG,EEEE" tag strings. Tasks persist their reconstruction settings
// through this type, so it must survive a round trip through the
// database as a string column.
//
// # Basic Usage
//
//	md := dcm.ReconMetadata(ds)
//	method, _ := md.String(tag.ReconstructionMethod)
//	encoded, _ := md.Encode()
//
// Values keep their original shape: text VRs as string slices, binary
// integer VRs as int slices, private payloads as raw bytes, sequences as
// nested Metadata. Accessors convert on read, so a decimal string value
// still answers Float.
type Metadata map[string]Value

// Value holds one element's payload together with its VR. Exactly one of
// the payload fields is populated.
type Value struct {
	VR    string     `json:"vr,omitempty"`
	Str   []string   `json:"str,omitempty"`
	Int   []int64    `json:"int,omitempty"`
	Float []float64  `json:"float,omitempty"`
	Bytes []byte     `json:"bytes,omitempty"`
	Items []Metadata `json:"items,omitempty"`
}

// Key renders a tag as the map key format, e.g. "0009,10B2".
func Key(t tag.Tag) string {
	return fmt.Sprintf("%04X,%04X", t.Group, t.Element)
}

// NewValue builds a Value from a parsed element. Pixel data and other
// unsupported payloads produce a zero Value and ok=false.
func NewValue(e *dicom.Element) (Value, bool) {
	v := Value{VR: e.RawValueRepresentation}
	switch e.Value.ValueType() {
	case dicom.Strings:
		v.Str = e.Value.GetValue().([]string)
	case dicom.Ints:
		ints := e.Value.GetValue().([]int)
		v.Int = make([]int64, len(ints))
		for i, n := range ints {
			v.Int[i] = int64(n)
		}
	case dicom.Floats:
		v.Float = e.Value.GetValue().([]float64)
	case dicom.Bytes:
		v.Bytes = e.Value.GetValue().([]byte)
	case dicom.Sequences:
		items := e.Value.GetValue().([]*dicom.SequenceItemValue)
		for _, item := range items {
			elems := item.GetValue().([]*dicom.Element)
			sub := Metadata{}
			for _, el := range elems {
				if sv, ok := NewValue(el); ok {
					sub[Key(el.Tag)] = sv
				}
			}
			v.Items = append(v.Items, sub)
		}
	default:
		return Value{}, false
	}
	return v, true
}

// FromDataset collects the listed tags from a dataset. Missing tags are
// skipped silently; completeness is the validator's concern.
func FromDataset(ds dicom.Dataset, tags []tag.Tag) Metadata {
	md := Metadata{}
	for _, t := range tags {
		e, err := ds.FindElementByTag(t)
		if err != nil {
			continue
		}
		if v, ok := NewValue(e); ok {
			md[Key(t)] = v
		}
	}
	return md
}

// ReconMetadata collects the reconstruction-relevant headers from a
// dataset, vendor private blocks included.
func ReconMetadata(ds dicom.Dataset) Metadata {
	return FromDataset(ds, reconTags)
}

// =============================================================================
// Accessors
// =============================================================================

// Has reports whether the tag is present.
func (m Metadata) Has(t tag.Tag) bool {
	_, ok := m[Key(t)]
	return ok
}

// String returns the first value of a tag rendered as trimmed text.
func (m Metadata) String(t tag.Tag) (string, bool) {
	v, ok := m[Key(t)]
	if !ok {
		return "", false
	}
	return v.firstString()
}

// Strings returns all text values of a tag.
func (m Metadata) Strings(t tag.Tag) []string {
	v, ok := m[Key(t)]
	if !ok {
		return nil
	}
	out := make([]string, len(v.Str))
	for i, s := range v.Str {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

// Float returns the first value of a tag as a float64, converting from
// decimal-string or integer storage as needed.
func (m Metadata) Float(t tag.Tag) (float64, bool) {
	v, ok := m[Key(t)]
	if !ok {
		return 0, false
	}
	return v.firstFloat()
}

// Floats returns every value of a tag converted to float64.
func (m Metadata) Floats(t tag.Tag) []float64 {
	v, ok := m[Key(t)]
	if !ok {
		return nil
	}
	switch {
	case len(v.Float) > 0:
		return v.Float
	case len(v.Int) > 0:
		out := make([]float64, len(v.Int))
		for i, n := range v.Int {
			out[i] = float64(n)
		}
		return out
	default:
		out := make([]float64, 0, len(v.Str))
		for _, s := range v.Str {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				out = append(out, f)
			}
		}
		return out
	}
}

// Int returns the first value of a tag as an int. Raw byte payloads are
// decoded little-endian, which is how the GE private block ships numbers
// under implicit VR.
func (m Metadata) Int(t tag.Tag) (int, bool) {
	v, ok := m[Key(t)]
	if !ok {
		return 0, false
	}
	return v.intLE()
}

// Seq returns the items of a sequence tag, or nil.
func (m Metadata) Seq(t tag.Tag) []Metadata {
	v, ok := m[Key(t)]
	if !ok {
		return nil
	}
	return v.Items
}

// SetString stores a single text value under a tag.
func (m Metadata) SetString(t tag.Tag, vr, s string) {
	m[Key(t)] = Value{VR: vr, Str: []string{s}}
}

// SetFloat stores a single numeric value under a tag.
func (m Metadata) SetFloat(t tag.Tag, vr string, f float64) {
	m[Key(t)] = Value{VR: vr, Float: []float64{f}}
}

func (v Value) firstString() (string, bool) {
	switch {
	case len(v.Str) > 0:
		return strings.TrimSpace(v.Str[0]), true
	case len(v.Int) > 0:
		return strconv.FormatInt(v.Int[0], 10), true
	case len(v.Float) > 0:
		return strconv.FormatFloat(v.Float[0], 'g', -1, 64), true
	default:
		return "", false
	}
}

func (v Value) firstFloat() (float64, bool) {
	switch {
	case len(v.Float) > 0:
		return v.Float[0], true
	case len(v.Int) > 0:
		return float64(v.Int[0]), true
	case len(v.Str) > 0:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str[0]), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (v Value) intLE() (int, bool) {
	switch {
	case len(v.Int) > 0:
		return int(v.Int[0]), true
	case len(v.Bytes) > 0:
		n := 0
		for i := len(v.Bytes) - 1; i >= 0; i-- {
			n = n<<8 | int(v.Bytes[i])
		}
		return n, true
	case len(v.Str) > 0:
		n, err := strconv.Atoi(strings.TrimSpace(v.Str[0]))
		return n, err == nil
	default:
		return 0, false
	}
}

// =============================================================================
// Persistence
// =============================================================================

// Encode serializes the metadata for storage in a task row.
func (m Metadata) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding recon metadata: %w", err)
	}
	return string(b), nil
}

// Decode restores metadata from its stored form.
func Decode(s string) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding recon metadata: %w", err)
	}
	return m, nil
}
