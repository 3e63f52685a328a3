// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package npy reads and writes the NumPy .npy volumes exchanged with the
// processing server: voxels.npy on the way out, denoised.npy and
// noise.npy on the way back.
//
// Reading goes through sbinet/npyio, which handles both float32 and
// float64 payloads. Writing is done here: the exchange format is a 3-D
// C-order float32 array, a shape npyio's writer cannot express.
package npy

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/sbinet/npyio"
)

// =============================================================================
// Reading
// =============================================================================

// Read decodes a .npy stream into a flat float32 slice plus its shape.
// Float64 payloads are converted; Fortran-ordered files are rejected
// because every consumer indexes C-order.
func Read(r io.Reader) ([]float32, []int, error) {
	rd, err := npyio.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading npy header: %w", err)
	}
	if rd.Header.Descr.Fortran {
		return nil, nil, fmt.Errorf("fortran-ordered npy files are not supported")
	}
	shape := rd.Header.Descr.Shape

	if strings.HasSuffix(rd.Header.Descr.Type, "f8") {
		var wide []float64
		if err := rd.Read(&wide); err != nil {
			return nil, nil, fmt.Errorf("reading npy float64 payload: %w", err)
		}
		data := make([]float32, len(wide))
		for i, v := range wide {
			data[i] = float32(v)
		}
		return data, shape, nil
	}

	var data []float32
	if err := rd.Read(&data); err != nil {
		return nil, nil, fmt.Errorf("reading npy payload: %w", err)
	}
	return data, shape, nil
}

// ReadFile decodes a .npy file from disk.
func ReadFile(path string) ([]float32, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return Read(f)
}

// =============================================================================
// Writing
// =============================================================================

// Write encodes a flat float32 slice as a 3-D C-order .npy array.
func Write(w io.Writer, data []float32, shape [3]int) error {
	n := shape[0] * shape[1] * shape[2]
	if n != len(data) {
		return fmt.Errorf("npy shape %v does not match %d values", shape, len(data))
	}

	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d, %d), }",
		shape[0], shape[1], shape[2])
	// Magic (6) + version (2) + header length (2) + header, padded with
	// spaces so the total is a multiple of 64 and terminated by \n.
	padded := 10 + len(header) + 1
	if rem := padded % 64; rem != 0 {
		padded += 64 - rem
	}
	header = header + strings.Repeat(" ", padded-10-len(header)-1) + "\n"

	buf := make([]byte, 0, 10+len(header)+4*len(data))
	buf = append(buf, "\x93NUMPY"...)
	buf = append(buf, 0x01, 0x00)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)
	for _, v := range data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	_, err := w.Write(buf)
	return err
}

// WriteFile encodes a volume to disk, truncating any existing file.
func WriteFile(path string, data []float32, shape [3]int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, data, shape); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
