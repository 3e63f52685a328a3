// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scp

import (
	"context"
	"fmt"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/pkg/validation"
	"github.com/AleutianAI/petfectior-agent/services/dimse"
)

// Options configures the listener.
type Options struct {
	Port    int
	AETitle string
	Logger  *logging.Logger
}

// Service runs the C-STORE listener around a Receiver.
type Service struct {
	opts     Options
	receiver *Receiver
}

// New validates opts and builds the service.
func New(opts Options, receiver *Receiver) (*Service, error) {
	if err := validation.ValidateAETitle(opts.AETitle); err != nil {
		return nil, fmt.Errorf("invalid scp AE title: %w", err)
	}
	return &Service{opts: opts, receiver: receiver}, nil
}

// Run listens until ctx is cancelled. Associations are accepted for
// every storage class so scanners can send whole studies; the receiver
// keeps only PET image instances.
func (s *Service) Run(ctx context.Context) error {
	server := dimse.NewServer(dimse.ServerOptions{
		AETitle: s.opts.AETitle,
		Logger:  s.opts.Logger,
	}, s.receiver)
	return server.ListenAndServe(ctx, fmt.Sprintf(":%d", s.opts.Port))
}
