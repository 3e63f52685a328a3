// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("garbage"))
}

func TestLogger_ServiceAttribute(t *testing.T) {
	// Arrange
	var buf bytes.Buffer
	logger := New(Config{Service: "compile", Output: &buf})

	// Act
	logger.Info("task completed", "task_id", "200101010101010101")

	// Assert
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "compile", record["service"])
	assert.Equal(t, "task completed", record["msg"])
	assert.Equal(t, "200101010101010101", record["task_id"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestLogger_FileDestination(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "agent.log")
	var buf bytes.Buffer
	logger := New(Config{LogFile: path, Output: &buf})

	// Act
	logger.Info("written to both")
	require.NoError(t, logger.Close())

	// Assert: record landed in the file and on the primary writer.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to both")
	assert.Contains(t, buf.String(), "written to both")

	// Close twice is safe.
	assert.NoError(t, logger.Close())
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf}).With("stage", "pack")

	logger.Info("archived")

	assert.Contains(t, buf.String(), `"stage":"pack"`)
}
