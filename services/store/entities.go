// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store is the durable task and DICOM index store. It keeps the
// patient/study/series/instance hierarchy, the pipeline tasks with their
// destinations and instance links, and the operator-editable lookup
// tables (devices, radiopharmaceuticals, filter settings, app config).
//
// The backend is database/sql with an embedded SQLite database by
// default, or MySQL when the MYSQL_* environment is present. Every
// multi-row mutation happens inside RunInTransaction.
package store

import "time"

// =============================================================================
// Pipeline states
// =============================================================================

// StepState is the per-stage progress marker on a task.
type StepState int

const (
	// StepFailed marks a task that failed its current step.
	StepFailed StepState = -1

	// StepProcessing marks a task a stage is actively working on.
	StepProcessing StepState = 0

	// StepDone marks a step finished and ready for the task manager to
	// dispatch into the next stage.
	StepDone StepState = 1

	// StepCompleted marks the whole pipeline finished.
	StepCompleted StepState = 2
)

// Stage names as persisted in Task.CurrentStep.
const (
	StageCompile  = "compile"
	StageValidate = "validate"
	StagePack     = "pack"
	StageUpload   = "upload"
	StageDownload = "download"
	StageUnpack   = "unpack"
	StageSend     = "send"
)

// Stages lists every pipeline stage in execution order.
var Stages = []string{
	StageCompile, StageValidate, StagePack, StageUpload,
	StageDownload, StageUnpack, StageSend,
}

// NextStage maps each stage to its successor. Send has none.
var NextStage = map[string]string{
	StageCompile:  StageValidate,
	StageValidate: StagePack,
	StagePack:     StageUpload,
	StageUpload:   StageDownload,
	StageDownload: StageUnpack,
	StageUnpack:   StageSend,
}

// =============================================================================
// Entities
// =============================================================================

// Patient is one row of the received-patients index.
type Patient struct {
	PatientID   string
	PatientName string
}

// Study belongs to a patient and records the patient stats the pipeline
// forwards to the processing server.
type Study struct {
	StudyInstanceUID string
	Date             time.Time
	Description      string
	PatientID        string
	PatientWeight    float64
	PatientSize      float64
	PatientAge       string
	StoredIn         string
}

// Series belongs to a study. Result series produced by the unpack stage
// carry the id of the task that generated them in OriginatingTask.
type Series struct {
	SeriesInstanceUID string
	Date              time.Time
	Description       string
	Modality          string
	Number            int
	PatientID         string
	StudyInstanceUID  string
	OriginatingTask   string
	StoredIn          string
}

// Instance is one stored DICOM object.
type Instance struct {
	SOPInstanceUID    string
	SOPClassUID       string
	Filename          string
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
}

// Device is a configured DICOM peer, usually a scanner or a viewer
// workstation.
type Device struct {
	Name          string
	AETitle       string
	Address       string
	Port          int
	IsDestination bool
}

// Source identifies where a series came from, formatted "{AET}@{IP}".
type Source struct {
	Identifier string
}

// Radiopharmaceutical maps the many spellings scanners use for a tracer
// onto one canonical name with its half life in seconds.
type Radiopharmaceutical struct {
	Name     string
	Synonyms string
	HalfLife float64
}

// PetModel records every scanner model name seen during validation.
type PetModel struct {
	Name string
}

// Task is one series moving through the pipeline.
type Task struct {
	ID                  string
	Started             time.Time
	Updated             time.Time
	CurrentStep         string
	ReconSettings       string
	StepState           StepState
	StatusMsg           string
	FullStatusMsg       string
	Imgs                int
	ExpectedImgs        int
	Visible             bool
	SeriesInstanceUID   string
	SourceIdentifier    string
	Radiopharmaceutical string
}

// FilterSettings configures one post-filter pass of the unpack stage.
type FilterSettings struct {
	ID                  int64
	FWHM                float64
	Description         string
	Mode                string // "append" or "replace"
	SeriesNumber        int
	Noise               float64
	Model               string // scanner model or "all"
	Radiopharmaceutical string // canonical name or "all"
	Enabled             bool
}

// AppConfig is the singleton configuration row.
type AppConfig struct {
	ClientID             string
	MinInstancesInSeries int
	SliceGapTolerance    float64
	SeriesTimeout        time.Duration
	StoreSCPPort         int
	StoreSCPAET          string
	IPAddress            string
	MirrorMode           bool
	ServerURL            string
	SharedMountPoint     string
	ZipDir               string
	UnzipDir             string
	DownloadPath         string
}
