// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scu

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/services/dimse"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

type recordingHandler struct {
	mu   sync.Mutex
	sops []string
	fail map[string]bool
}

func (h *recordingHandler) OnCStore(ctx context.Context, req *dimse.StoreRequest) uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail[req.SOPInstanceUID] {
		return dimse.StatusProcessingFailure
	}
	h.sops = append(h.sops, req.SOPInstanceUID)
	return dimse.StatusSuccess
}

func (h *recordingHandler) stored() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sops...)
}

func startDestination(t *testing.T, handler dimse.Handler) *store.Device {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := dimse.NewServer(dimse.ServerOptions{AETitle: "VIEWER1"}, handler)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &store.Device{
		Name: "viewer", AETitle: "VIEWER1", Address: host, Port: port, IsDestination: true,
	}
}

func writeInstanceFile(t *testing.T, dir, sopUID string) string {
	t.Helper()
	dataset := []byte{
		// (0008,0060) CS "PT" in implicit VR little endian.
		0x08, 0x00, 0x60, 0x00, 0x02, 0x00, 0x00, 0x00, 'P', 'T',
	}
	file, err := dcm.WrapWithFileMeta(dcm.FileMeta{
		MediaStorageSOPClassUID:    dcm.UIDPETImageStorage,
		MediaStorageSOPInstanceUID: sopUID,
		TransferSyntaxUID:          dcm.UIDImplicitVRLittleEndian,
	}, dataset)
	require.NoError(t, err)

	path := filepath.Join(dir, sopUID+".dcm")
	require.NoError(t, os.WriteFile(path, file, 0o644))
	return path
}

func TestSendFiles_AllStored(t *testing.T) {
	handler := &recordingHandler{}
	dev := startDestination(t, handler)

	dir := t.TempDir()
	var files []string
	for i := 1; i <= 3; i++ {
		files = append(files, writeInstanceFile(t, dir, fmt.Sprintf("1.2.3.%d", i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := NewSender("PETFECTIOR", nil)
	sent, err := sender.SendFiles(ctx, dev, files)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.ElementsMatch(t, []string{"1.2.3.1", "1.2.3.2", "1.2.3.3"}, handler.stored())
}

func TestSendFiles_CountsPartialFailures(t *testing.T) {
	handler := &recordingHandler{fail: map[string]bool{"1.2.3.2": true}}
	dev := startDestination(t, handler)

	dir := t.TempDir()
	var files []string
	for i := 1; i <= 3; i++ {
		files = append(files, writeInstanceFile(t, dir, fmt.Sprintf("1.2.3.%d", i)))
	}
	// A missing file counts as a failure too.
	files = append(files, filepath.Join(dir, "missing.dcm"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := NewSender("PETFECTIOR", nil)
	sent, err := sender.SendFiles(ctx, dev, files)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
}

func TestSendFiles_UnreachableDestination(t *testing.T) {
	dev := &store.Device{Name: "down", AETitle: "NOPE", Address: "127.0.0.1", Port: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sender := NewSender("PETFECTIOR", nil)
	_, err := sender.SendFiles(ctx, dev, []string{"whatever.dcm"})
	assert.Error(t, err)
}

func TestEcho(t *testing.T) {
	handler := &recordingHandler{}
	dev := startDestination(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := NewSender("PETFECTIOR", nil)
	assert.NoError(t, sender.Echo(ctx, dev))
}
