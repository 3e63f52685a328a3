// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/petfectior-agent/pkg/validation"
	"github.com/AleutianAI/petfectior-agent/services/store"
)

// =============================================================================
// Filter settings
// =============================================================================

type filterJSON struct {
	ID                  int64   `json:"id"`
	FWHM                float64 `json:"fwhm" binding:"gte=0"`
	Description         string  `json:"description" binding:"required"`
	Mode                string  `json:"mode" binding:"oneof=append replace"`
	SeriesNumber        int     `json:"series_number" binding:"required"`
	Noise               float64 `json:"noise" binding:"gte=0,lte=100"`
	Model               string  `json:"model" binding:"required"`
	Radiopharmaceutical string  `json:"radiopharmaceutical" binding:"required"`
	Enabled             bool    `json:"enabled"`
}

func (s *Server) listFilters(c *gin.Context) {
	all, err := s.opts.Store.ListFilterSettings(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	out := make([]filterJSON, len(all))
	for i, f := range all {
		out[i] = filterJSON{
			ID: f.ID, FWHM: f.FWHM, Description: f.Description, Mode: f.Mode,
			SeriesNumber: f.SeriesNumber, Noise: f.Noise, Model: f.Model,
			Radiopharmaceutical: f.Radiopharmaceutical, Enabled: f.Enabled,
		}
	}
	c.JSON(http.StatusOK, out)
}

// saveFilter creates (POST) or updates (PUT with :id) a filter pass.
func (s *Server) saveFilter(c *gin.Context) {
	var req filterJSON
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if idParam := c.Param("id"); idParam != "" {
		id, err := strconv.ParseInt(idParam, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "filter id must be numeric"})
			return
		}
		req.ID = id
	}
	f := &store.FilterSettings{
		ID: req.ID, FWHM: req.FWHM, Description: req.Description, Mode: req.Mode,
		SeriesNumber: req.SeriesNumber, Noise: req.Noise, Model: req.Model,
		Radiopharmaceutical: req.Radiopharmaceutical, Enabled: req.Enabled,
	}
	if err := s.opts.Store.SaveFilterSettings(c.Request.Context(), f); err != nil {
		s.storeError(c, err)
		return
	}
	req.ID = f.ID
	c.JSON(http.StatusOK, req)
}

func (s *Server) deleteFilter(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filter id must be numeric"})
		return
	}
	if err := s.opts.Store.DeleteFilterSettings(c.Request.Context(), id); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": "ok"})
}

// =============================================================================
// Devices
// =============================================================================

type deviceJSON struct {
	Name          string `json:"name" binding:"required"`
	AETitle       string `json:"ae_title" binding:"required,max=16"`
	Address       string `json:"address" binding:"required"`
	Port          int    `json:"port" binding:"gte=1,lte=65535"`
	IsDestination bool   `json:"is_destination"`
}

func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.opts.Store.ListDevices(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	out := make([]deviceJSON, len(devices))
	for i, d := range devices {
		out[i] = deviceJSON{Name: d.Name, AETitle: d.AETitle, Address: d.Address,
			Port: d.Port, IsDestination: d.IsDestination}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) saveDevice(c *gin.Context) {
	var req deviceJSON
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	aet, err := validation.SanitizeAETitle(req.AETitle)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.AETitle = aet
	err = s.opts.Store.SaveDevice(c.Request.Context(), &store.Device{
		Name: req.Name, AETitle: req.AETitle, Address: req.Address,
		Port: req.Port, IsDestination: req.IsDestination,
	})
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) deleteDevice(c *gin.Context) {
	if err := s.opts.Store.DeleteDevice(c.Request.Context(), c.Param("name")); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": "ok"})
}

// echoDevice C-ECHOs a configured device so the operator can verify
// connectivity before marking it as a destination.
func (s *Server) echoDevice(c *gin.Context) {
	if s.opts.SCU == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store SCU not available"})
		return
	}
	ctx := c.Request.Context()
	devices, err := s.opts.Store.ListDevices(ctx)
	if err != nil {
		s.storeError(c, err)
		return
	}
	name := c.Param("name")
	for _, d := range devices {
		if d.Name != name {
			continue
		}
		if err := s.opts.SCU.Echo(ctx, d); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"response": "ok"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no device named " + name})
}

// listModels returns every scanner model seen by validation, so the
// operator can target filter settings at real hardware names.
func (s *Server) listModels(c *gin.Context) {
	models, err := s.opts.Store.ListPetModels(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	if models == nil {
		models = []string{}
	}
	c.JSON(http.StatusOK, models)
}

// =============================================================================
// Maintenance
// =============================================================================

// clearDatabase sweeps rows no task references and removes their files.
func (s *Server) clearDatabase(c *gin.Context) {
	paths, err := s.opts.Store.ClearDatabase(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	s.opts.Store.RemovePaths(paths)
	c.JSON(http.StatusOK, gin.H{"removed": len(paths)})
}

// clearStorage removes incoming directories no study or series row
// references, the mirror image of clearDatabase.
func (s *Server) clearStorage(c *gin.Context) {
	removed, err := s.opts.Store.ClearStorage(c.Request.Context(),
		s.opts.Config().Paths.IncomingDir)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": len(removed)})
}

// =============================================================================
// Radiopharmaceuticals
// =============================================================================

type radiopharmaceuticalJSON struct {
	Name     string  `json:"name" binding:"required"`
	Synonyms string  `json:"synonyms"`
	HalfLife float64 `json:"half_life" binding:"gt=0"`
}

func (s *Server) listRadiopharmaceuticals(c *gin.Context) {
	all, err := s.opts.Store.ListRadiopharmaceuticals(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	out := make([]radiopharmaceuticalJSON, len(all))
	for i, r := range all {
		out[i] = radiopharmaceuticalJSON{Name: r.Name, Synonyms: r.Synonyms, HalfLife: r.HalfLife}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) saveRadiopharmaceutical(c *gin.Context) {
	var req radiopharmaceuticalJSON
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.opts.Store.SaveRadiopharmaceutical(c.Request.Context(), &store.Radiopharmaceutical{
		Name: req.Name, Synonyms: req.Synonyms, HalfLife: req.HalfLife,
	})
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}
