// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// Downloader retrieves processed archives from the shared mount.
type Downloader struct {
	env    *Env
	logger *logging.Logger
}

// NewDownloader builds the download stage.
func NewDownloader(env *Env) *Downloader {
	return &Downloader{env: env, logger: env.Logger.With("stage", store.StageDownload)}
}

func (d *Downloader) Name() string { return store.StageDownload }

// Process copies {shared}/processed/{taskId}_{clientId}.zip into the
// local download directory and removes the remote copy.
func (d *Downloader) Process(ctx context.Context, taskID string) {
	cfg := d.env.Config()
	name := archiveName(taskID, cfg.ClientID)
	remotePath := filepath.Join(cfg.Paths.Processed(), name)
	localPath := filepath.Join(cfg.Paths.DownloadPath, name)

	if _, err := os.Stat(remotePath); err != nil {
		d.env.failTask(ctx, store.StageDownload, taskID, "download failed",
			fmt.Sprintf("processed archive %s is not on the shared mount: %v", name, err))
		return
	}
	if err := copyFile(remotePath, localPath); err != nil {
		d.env.failTask(ctx, store.StageDownload, taskID, "download failed",
			fmt.Sprintf("copying processed archive: %v", err))
		return
	}
	if err := os.Remove(remotePath); err != nil {
		d.logger.Warn("could not remove remote archive", "path", remotePath, "error", err)
	}

	d.env.advanceTask(ctx, taskID, store.StageUnpack, "unpacking")
	d.logger.Info("archive downloaded", "task_id", taskID, "archive", localPath)
}

// Watch reacts to archives appearing under {shared}/processed. The
// server's /process_ready callback is the primary signal; the watcher
// recovers tasks whose callback was lost.
func (d *Downloader) Watch(ctx context.Context) error {
	processed := d.env.Config().Paths.Processed()
	if err := os.MkdirAll(processed, 0o755); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating processed watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(processed); err != nil {
		return fmt.Errorf("watching %s: %w", processed, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				d.pickUp(ctx, filepath.Base(ev.Name))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("processed watcher error", "error", err)
		}
	}
}

// pickUp moves the waiting task for an appeared archive into download.
func (d *Downloader) pickUp(ctx context.Context, name string) {
	taskID, rest, found := strings.Cut(name, "_")
	if !found || !strings.HasSuffix(rest, ".zip") {
		return
	}
	task, err := d.env.Store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if task.CurrentStep != store.StageUpload || task.StatusMsg != "processing" {
		return
	}
	d.logger.Info("processed archive appeared before callback", "task_id", taskID)
	d.env.advanceTask(ctx, taskID, store.StageDownload, "downloading")
}
