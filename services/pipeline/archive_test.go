// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "202401170930150001_site-042.zip",
		archiveName("202401170930150001", "site-042"))
}

func TestZipRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "voxels.npy"), []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "metadata.json"), []byte("{}"), 0o644))

	zipPath := filepath.Join(t.TempDir(), "task.zip")
	require.NoError(t, zipDirectory(src, zipPath))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, unzipArchive(zipPath, dest))

	data, err := os.ReadFile(filepath.Join(dest, "voxels.npy"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.FileExists(t, filepath.Join(dest, "metadata.json"))
}

func TestUnzipArchive_RejectsEscapingEntries(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("gotcha"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(t.TempDir(), "out")
	err = unzipArchive(zipPath, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape.txt"))
}
