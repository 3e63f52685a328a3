// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/config"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// newTestEnv builds an Env over a throwaway sqlite store and temp
// directories, with logging discarded.
func newTestEnv(t *testing.T) *Env {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{
		SQLitePath: filepath.Join(t.TempDir(), "agent.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	dataDir := t.TempDir()
	cfg := config.Default()
	cfg.ClientID = "site-042"
	cfg.Paths.SharedMountPoint = filepath.Join(dataDir, "shared")
	cfg.Paths.DataDir = dataDir
	cfg.Paths.IncomingDir = filepath.Join(dataDir, "incoming")
	cfg.Paths.ZipDir = filepath.Join(dataDir, "zip")
	cfg.Paths.UnzipDir = filepath.Join(dataDir, "unzip")
	cfg.Paths.DownloadPath = filepath.Join(dataDir, "download")

	return &Env{
		Store:  s,
		Logger: logging.New(logging.Config{Output: io.Discard, Level: logging.LevelError}),
		Config: func() *config.Config { return cfg },
	}
}

// createTestInstance stores one instance under the fixture series
// 1.2.3.4 together with its patient, study and series rows.
func createTestInstance(s *store.Store, ctx context.Context, sopUID, filename string) error {
	return s.CreateInstance(ctx,
		&store.Patient{PatientID: "pat-1", PatientName: "DOE^JANE"},
		&store.Study{StudyInstanceUID: "1.2.3", PatientID: "pat-1",
			StoredIn: "/data/incoming/1.2.3"},
		&store.Series{SeriesInstanceUID: "1.2.3.4", PatientID: "pat-1",
			StudyInstanceUID: "1.2.3", Modality: "PT",
			StoredIn: "/data/incoming/1.2.3/1.2.3.4"},
		&store.Instance{SOPInstanceUID: sopUID, Filename: filename,
			PatientID: "pat-1", StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.4"},
	)
}

// newPipelineTask returns a task fresh out of the receiver.
func newPipelineTask(id string) *store.Task {
	now := time.Now().UTC().Truncate(time.Second)
	return &store.Task{
		ID:                id,
		Started:           now,
		Updated:           now,
		CurrentStep:       store.StageCompile,
		StepState:         store.StepProcessing,
		StatusMsg:         "receiving",
		ExpectedImgs:      47,
		Visible:           true,
		SeriesInstanceUID: "1.2.3.4",
		SourceIdentifier:  "SCANNER1@10.1.1.1",
	}
}
