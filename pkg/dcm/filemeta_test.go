// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileMeta_RoundTrip(t *testing.T) {
	// Arrange
	dataset := []byte{0x08, 0x00, 0x18, 0x00, 0x0a, 0x00, 0x00, 0x00, '1', '.', '2', '.', '3', '.', '4', '.', '5', 0x00}
	meta := FileMeta{
		MediaStorageSOPClassUID:    UIDPETImageStorage,
		MediaStorageSOPInstanceUID: "1.2.3.4.5",
		TransferSyntaxUID:          UIDImplicitVRLittleEndian,
	}

	// Act
	file, err := WrapWithFileMeta(meta, dataset)
	require.NoError(t, err)
	gotMeta, gotDataset, err := SplitFileMeta(file)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, "DICM", string(file[128:132]))
	assert.Equal(t, meta, gotMeta)
	assert.Equal(t, dataset, gotDataset)
}

func TestWrapWithFileMeta_DefaultTransferSyntax(t *testing.T) {
	file, err := WrapWithFileMeta(FileMeta{
		MediaStorageSOPClassUID:    UIDPETImageStorage,
		MediaStorageSOPInstanceUID: "1.2.3.4.5",
	}, nil)
	require.NoError(t, err)

	gotMeta, _, err := SplitFileMeta(file)
	require.NoError(t, err)
	assert.Equal(t, UIDImplicitVRLittleEndian, gotMeta.TransferSyntaxUID)
}

func TestWrapWithFileMeta_RequiresIdentity(t *testing.T) {
	_, err := WrapWithFileMeta(FileMeta{}, nil)
	assert.Error(t, err)
}

func TestSplitFileMeta_RejectsGarbage(t *testing.T) {
	_, _, err := SplitFileMeta([]byte("not a dicom file"))
	assert.Error(t, err)

	long := make([]byte, 200)
	_, _, err = SplitFileMeta(long)
	assert.Error(t, err)
}
