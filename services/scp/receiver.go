// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scp receives PET series over DICOM C-STORE, persists each
// instance as a part-10 file under the incoming tree and indexes it in
// the store, opening or extending a compile-stage task per series and
// source.
package scp

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/pkg/validation"
	"github.com/AleutianAI/petfectior-agent/services/dimse"
	"github.com/AleutianAI/petfectior-agent/services/store"
	"github.com/AleutianAI/petfectior-agent/services/telemetry"
)

// Receiver handles incoming C-STOREs. It implements dimse.Handler.
type Receiver struct {
	store        *store.Store
	incomingRoot string
	metrics      *telemetry.Metrics
	logger       *logging.Logger

	// now is swappable so tests get deterministic task ids.
	now func() time.Time
}

// NewReceiver builds a Receiver writing files below incomingRoot.
// metrics may be nil.
func NewReceiver(s *store.Store, incomingRoot string, metrics *telemetry.Metrics, logger *logging.Logger) *Receiver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Receiver{
		store:        s,
		incomingRoot: incomingRoot,
		metrics:      metrics,
		logger:       logger.With("service", "store_scp"),
		now:          time.Now,
	}
}

// OnCStore accepts PET image instances and quietly discards everything
// else. Scanners batch-send whole studies; answering success for the CT
// and screenshot instances keeps them from erroring out, while only the
// PET series enter the pipeline.
func (r *Receiver) OnCStore(ctx context.Context, req *dimse.StoreRequest) uint16 {
	logger := r.logger.With("calling_aet", req.CallingAET, "sop_uid", req.SOPInstanceUID)

	if req.SOPClassUID != dcm.UIDPETImageStorage {
		logger.Debug("discarding non-PET instance", "sop_class", req.SOPClassUID)
		if r.metrics != nil {
			r.metrics.InstancesDiscarded.Inc()
		}
		return dimse.StatusSuccess
	}

	fileBytes, err := dcm.WrapWithFileMeta(dcm.FileMeta{
		MediaStorageSOPClassUID:    req.SOPClassUID,
		MediaStorageSOPInstanceUID: req.SOPInstanceUID,
		TransferSyntaxUID:          req.TransferSyntaxUID,
	}, req.Data)
	if err != nil {
		logger.Warn("could not frame instance", "error", err)
		return dimse.StatusCannotUnderstand
	}

	ds, err := dicom.Parse(bytes.NewReader(fileBytes), int64(len(fileBytes)), nil,
		dicom.SkipProcessingPixelDataValue())
	if err != nil {
		logger.Warn("could not decode instance", "error", err)
		return dimse.StatusCannotUnderstand
	}

	es, md, err := dcm.ExtractFromDataset(ds)
	if err != nil {
		logger.Warn("instance missing mandatory attributes", "error", err)
		return dimse.StatusOutOfResources
	}

	// The UIDs become directory and file names under the incoming root,
	// so malformed ones never reach the filesystem.
	for _, uid := range []string{es.StudyInstanceUID, es.SeriesInstanceUID, es.SOPInstanceUID} {
		if err := validation.ValidateUID(uid); err != nil {
			logger.Warn("rejecting instance with malformed UID", "error", err)
			return dimse.StatusCannotUnderstand
		}
	}

	if err := r.ingest(ctx, req, es, md, fileBytes); err != nil {
		logger.Error("failed to ingest instance", "error", err)
		return dimse.StatusProcessingFailure
	}
	if r.metrics != nil {
		r.metrics.InstancesReceived.Inc()
	}
	return dimse.StatusSuccess
}

// ingest persists the file, indexes the hierarchy and attaches the
// instance to its compile task.
func (r *Receiver) ingest(ctx context.Context, req *dimse.StoreRequest, es dcm.Essential, md dcm.Metadata, fileBytes []byte) error {
	source := req.CallingAET + "@" + req.RemoteIP

	exists, err := r.store.InstanceExists(ctx, es.SOPInstanceUID)
	if err != nil {
		return err
	}
	if !exists {
		path, err := r.writeFile(es, fileBytes)
		if err != nil {
			return err
		}
		if err := r.index(ctx, es, md, path); err != nil {
			return err
		}
	}

	if err := r.store.UpsertSource(ctx, source); err != nil {
		return err
	}

	task, err := r.store.FindCompileTask(ctx, es.SeriesInstanceUID, source, es.SOPInstanceUID)
	if err == store.ErrNotFound {
		task = &store.Task{
			ID:                dcm.NewTaskID(r.now()),
			Started:           r.now(),
			Updated:           r.now(),
			CurrentStep:       store.StageCompile,
			StepState:         store.StepProcessing,
			StatusMsg:         "receiving",
			ExpectedImgs:      es.NumberOfSlices,
			Visible:           true,
			SeriesInstanceUID: es.SeriesInstanceUID,
			SourceIdentifier:  source,
		}
		if err := r.store.CreateTask(ctx, task); err != nil {
			return err
		}
		r.logger.Info("opened compile task",
			"task_id", task.ID, "series_uid", es.SeriesInstanceUID, "source", source)
	} else if err != nil {
		return err
	}

	return r.store.LinkTaskInstance(ctx, task.ID, es.SOPInstanceUID)
}

func (r *Receiver) writeFile(es dcm.Essential, fileBytes []byte) (string, error) {
	dir := filepath.Join(r.incomingRoot, es.StudyInstanceUID, es.SeriesInstanceUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating series directory: %w", err)
	}
	path := filepath.Join(dir, es.SOPInstanceUID+".dcm")
	if err := os.WriteFile(path, fileBytes, 0o644); err != nil {
		return "", fmt.Errorf("writing instance file: %w", err)
	}
	return path, nil
}

func (r *Receiver) index(ctx context.Context, es dcm.Essential, md dcm.Metadata, path string) error {
	weight, _ := md.Float(tag.PatientWeight)
	size, _ := md.Float(tag.PatientSize)
	age, _ := md.String(tag.PatientAge)

	return r.store.CreateInstance(ctx,
		&store.Patient{
			PatientID:   es.PatientID,
			PatientName: es.PatientName,
		},
		&store.Study{
			StudyInstanceUID: es.StudyInstanceUID,
			Date:             dcm.ParseDateTime(es.StudyDate, es.StudyTime),
			Description:      es.StudyDescription,
			PatientID:        es.PatientID,
			PatientWeight:    weight,
			PatientSize:      size,
			PatientAge:       age,
			StoredIn:         filepath.Join(r.incomingRoot, es.StudyInstanceUID),
		},
		&store.Series{
			SeriesInstanceUID: es.SeriesInstanceUID,
			Date:              dcm.ParseDateTime(es.SeriesDate, es.SeriesTime),
			Description:       es.SeriesDescription,
			Modality:          es.Modality,
			Number:            es.SeriesNumber,
			PatientID:         es.PatientID,
			StudyInstanceUID:  es.StudyInstanceUID,
			StoredIn:          filepath.Join(r.incomingRoot, es.StudyInstanceUID, es.SeriesInstanceUID),
		},
		&store.Instance{
			SOPInstanceUID:    es.SOPInstanceUID,
			SOPClassUID:       es.SOPClassUID,
			Filename:          path,
			PatientID:         es.PatientID,
			StudyInstanceUID:  es.StudyInstanceUID,
			SeriesInstanceUID: es.SeriesInstanceUID,
		},
	)
}
