// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
)

// Supervisor runs named long-lived services and exposes the operator
// control surface: start, stop, restart, status.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Supervisor struct {
	base   context.Context
	logger *logging.Logger

	mu       sync.Mutex
	services map[string]*supervised
}

type supervised struct {
	run    func(ctx context.Context) error
	cancel context.CancelFunc
	done   chan struct{}
	status string
}

// NewSupervisor builds a Supervisor whose services live within base.
func NewSupervisor(base context.Context, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Supervisor{
		base:     base,
		logger:   logger.With("service", "supervisor"),
		services: make(map[string]*supervised),
	}
}

// Register adds a service without starting it.
func (s *Supervisor) Register(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[name] = &supervised{run: run, status: "stopped"}
}

// StartAll starts every registered service.
func (s *Supervisor) StartAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		if err := s.Start(name); err != nil {
			s.logger.Error("failed to start service", "name", name, "error", err)
		}
	}
}

// Start launches a stopped service.
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[name]
	if !ok {
		return fmt.Errorf("no service named %q", name)
	}
	if svc.cancel != nil {
		return fmt.Errorf("service %q already running", name)
	}

	ctx, cancel := context.WithCancel(s.base)
	svc.cancel = cancel
	svc.done = make(chan struct{})
	svc.status = "running"
	s.logger.Info("service starting", "name", name)

	go func() {
		err := svc.run(ctx)
		s.mu.Lock()
		svc.cancel = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			svc.status = "failed: " + err.Error()
			s.logger.Error("service exited", "name", name, "error", err)
		} else {
			svc.status = "stopped"
			s.logger.Info("service stopped", "name", name)
		}
		s.mu.Unlock()
		close(svc.done)
	}()
	return nil
}

// Stop cancels a running service and waits for it to exit.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	svc, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no service named %q", name)
	}
	if svc.cancel == nil {
		s.mu.Unlock()
		return fmt.Errorf("service %q not running", name)
	}
	svc.cancel()
	done := svc.done
	s.mu.Unlock()

	<-done
	return nil
}

// Restart stops then starts a service. A service that was not running
// is simply started.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		s.mu.Lock()
		_, known := s.services[name]
		s.mu.Unlock()
		if !known {
			return err
		}
	}
	return s.Start(name)
}

// Status reports every service's state.
func (s *Supervisor) Status() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.services))
	for name, svc := range s.services {
		out[name] = svc.status
	}
	return out
}

// Wait blocks until every running service has exited.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	var chans []chan struct{}
	for _, svc := range s.services {
		if svc.done != nil {
			chans = append(chans, svc.done)
		}
	}
	s.mu.Unlock()
	for _, ch := range chans {
		<-ch
	}
}
