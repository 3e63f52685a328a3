// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/petfectior-agent/services/store"
)

// taskJSON is the operator-facing task rendering.
type taskJSON struct {
	ID                  string `json:"id"`
	Started             string `json:"started"`
	Updated             string `json:"updated"`
	CurrentStep         string `json:"current_step"`
	StepState           int    `json:"step_state"`
	StatusMsg           string `json:"status_msg"`
	FullStatusMsg       string `json:"full_status_msg,omitempty"`
	Imgs                int    `json:"imgs"`
	ExpectedImgs        int    `json:"expected_imgs"`
	SeriesInstanceUID   string `json:"series_uid"`
	SourceIdentifier    string `json:"source"`
	Radiopharmaceutical string `json:"radiopharmaceutical,omitempty"`
}

func renderTask(t *store.Task) taskJSON {
	return taskJSON{
		ID:                  t.ID,
		Started:             t.Started.Format(time.RFC3339),
		Updated:             t.Updated.Format(time.RFC3339),
		CurrentStep:         t.CurrentStep,
		StepState:           int(t.StepState),
		StatusMsg:           t.StatusMsg,
		FullStatusMsg:       t.FullStatusMsg,
		Imgs:                t.Imgs,
		ExpectedImgs:        t.ExpectedImgs,
		SeriesInstanceUID:   t.SeriesInstanceUID,
		SourceIdentifier:    t.SourceIdentifier,
		Radiopharmaceutical: t.Radiopharmaceutical,
	}
}

// listTasks returns the visible tasks; ?all=true includes rows queued
// for deletion.
func (s *Server) listTasks(c *gin.Context) {
	all := c.Query("all") == "true"
	tasks, err := s.opts.Store.ListTasks(c.Request.Context(), !all)
	if err != nil {
		s.storeError(c, err)
		return
	}
	out := make([]taskJSON, len(tasks))
	for i, t := range tasks {
		out[i] = renderTask(t)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.opts.Store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderTask(t))
}

func (s *Server) retryTask(c *gin.Context) {
	if err := s.opts.Store.RetryLastStep(c.Request.Context(), c.Param("id")); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": "ok"})
}

func (s *Server) restartTask(c *gin.Context) {
	if err := s.opts.Store.RestartTask(c.Request.Context(), c.Param("id")); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": "ok"})
}

func (s *Server) deleteTask(c *gin.Context) {
	id := c.Param("id")
	paths, err := s.opts.Store.DeleteTask(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	s.opts.Store.RemovePaths(paths)
	s.logger.Info("task deleted", "task_id", id, "paths", len(paths))
	c.JSON(http.StatusOK, gin.H{"response": "ok"})
}

func (s *Server) deleteFinished(c *gin.Context) {
	s.bulkDelete(c, store.StepCompleted)
}

func (s *Server) deleteFailed(c *gin.Context) {
	s.bulkDelete(c, store.StepFailed)
}

func (s *Server) bulkDelete(c *gin.Context, state store.StepState) {
	n, paths, err := s.opts.Store.DeleteTasksByState(c.Request.Context(), state)
	if err != nil {
		s.storeError(c, err)
		return
	}
	s.opts.Store.RemovePaths(paths)
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
