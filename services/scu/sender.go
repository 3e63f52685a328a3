// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scu forwards processed series to destination devices over
// C-STORE, one association per destination.
package scu

import (
	"context"
	"fmt"
	"os"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/dimse"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// Sender opens outbound associations on behalf of the send stage.
type Sender struct {
	callingAET string
	logger     *logging.Logger
}

// NewSender builds a Sender announcing callingAET to peers.
func NewSender(callingAET string, logger *logging.Logger) *Sender {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sender{
		callingAET: callingAET,
		logger:     logger.With("service", "store_scu"),
	}
}

// Echo verifies a device answers C-ECHO. The operator UI uses it as the
// connectivity test for newly configured devices.
func (s *Sender) Echo(ctx context.Context, dev *store.Device) error {
	client, err := s.dial(ctx, dev)
	if err != nil {
		return err
	}
	defer client.Release()
	return client.Echo(ctx)
}

// SendFiles stores every part-10 file on one destination over a single
// association. It returns how many stores succeeded out of len(files);
// per-file failures are logged and counted, not fatal.
func (s *Sender) SendFiles(ctx context.Context, dev *store.Device, files []string) (int, error) {
	client, err := s.dial(ctx, dev)
	if err != nil {
		return 0, err
	}
	defer client.Release()

	sent := 0
	for _, path := range files {
		if err := s.sendOne(ctx, client, path); err != nil {
			s.logger.Warn("c-store failed",
				"device", dev.Name, "file", path, "error", err)
			continue
		}
		sent++
	}
	s.logger.Info("series forwarded", "device", dev.Name, "sent", sent, "total", len(files))
	return sent, nil
}

func (s *Sender) sendOne(ctx context.Context, client *dimse.Client, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading instance file: %w", err)
	}
	meta, dataset, err := dcm.SplitFileMeta(data)
	if err != nil {
		return fmt.Errorf("parsing instance file: %w", err)
	}
	return client.Store(ctx, meta.MediaStorageSOPClassUID, meta.MediaStorageSOPInstanceUID, dataset)
}

func (s *Sender) dial(ctx context.Context, dev *store.Device) (*dimse.Client, error) {
	addr := fmt.Sprintf("%s:%d", dev.Address, dev.Port)
	client, err := dimse.Dial(ctx, addr, dimse.ClientOptions{
		CallingAET: s.callingAET,
		CalledAET:  dev.AETitle,
		SOPClasses: []string{dcm.UIDPETImageStorage},
		Logger:     s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("associating with %s (%s): %w", dev.Name, addr, err)
	}
	return client, nil
}
