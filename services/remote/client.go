// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package remote talks to the central processing server: capability
// checks before a series is packed, the processing hand-off after
// upload, and the liveness probe behind the server monitor.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
)

// Capability check failures, mapped from the server's status codes.
var (
	// ErrClientInactive is status 405: this site is disabled server-side.
	ErrClientInactive = errors.New("client inactive")

	// ErrTracerInactive is status 406: the radiopharmaceutical is not
	// enabled for this site.
	ErrTracerInactive = errors.New("radiopharmaceutical inactive")

	// ErrNoModel is status 407: no algorithm is trained for the
	// scanner model.
	ErrNoModel = errors.New("no trained processing algorithm available for this scanner model")
)

// ModelCheck is the /check_model request payload. The field names are
// the server's wire contract.
type ModelCheck struct {
	IDClient              string    `json:"id_client"`
	ManufacturerModelName string    `json:"ManufacturerModelName"`
	ReconstructionMethod  string    `json:"ReconstructionMethod"`
	Iteraciones           int       `json:"Iteraciones"`
	Subsets               int       `json:"Subsets"`
	VoxelSpacing          []float64 `json:"VoxelSpacing"`
	SliceThickness        float64   `json:"SliceThickness"`
	Radiofarmaco          string    `json:"Radiofarmaco"`
	HalfLife              float64   `json:"HalfLife"`
}

// ProcessingMetadata describes the uploaded series to the server.
type ProcessingMetadata struct {
	ManufacturerModelName string    `json:"ManufacturerModelName"`
	ReconstructionMethod  string    `json:"ReconstructionMethod"`
	Iteraciones           int       `json:"Iteraciones"`
	Subsets               int       `json:"Subsets"`
	VoxelSpacing          []float64 `json:"VoxelSpacing"`
	SliceThickness        float64   `json:"SliceThickness"`
	Radiofarmaco          string    `json:"Radiofarmaco"`
	HalfLife              float64   `json:"HalfLife"`
	StudyInstanceUID      string    `json:"StudyInstanceUID"`
	SeriesInstanceUID     string    `json:"SeriesInstanceUID"`
	StudyDate             string    `json:"StudyDate"`
	SeriesTime            string    `json:"SeriesTime"`

	// Dose is TotalDose converted to millicuries.
	Dose float64 `json:"radiopharmaceutical_dose"`

	// Start is the injection timestamp derived from the study date and
	// RadiopharmaceuticalStartTime.
	Start string `json:"radiopharmaceutical_start"`

	Weight float64 `json:"weight"`

	// Height is PatientSize converted from meters to centimeters.
	Height float64 `json:"height"`

	// Age in years, parsed from the DICOM age string.
	Age int `json:"age"`
}

// ProcessingRequest is the /processing request payload.
type ProcessingRequest struct {
	InputFile  string             `json:"input_file"`
	ClientPort int                `json:"client_port"`
	ClientID   string             `json:"client_id"`
	Metadata   ProcessingMetadata `json:"metadata"`
}

// Client calls the processing server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logging.Logger
}

// NewClient builds a Client for baseURL, e.g. "http://server:8000".
func NewClient(baseURL string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("service", "remote"),
	}
}

// CheckModel asks whether the server can process this series. A nil
// error means processing may proceed.
func (c *Client) CheckModel(ctx context.Context, check *ModelCheck) error {
	resp, err := c.postJSON(ctx, "/check_model", check)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusMethodNotAllowed:
		return ErrClientInactive
	case http.StatusNotAcceptable:
		return ErrTracerInactive
	case http.StatusProxyAuthRequired:
		return ErrNoModel
	default:
		return fmt.Errorf("check_model returned unexpected status %d", resp.StatusCode)
	}
}

// StartProcessing announces an uploaded archive. The server must answer
// {"response":"Processing"}.
func (c *Client) StartProcessing(ctx context.Context, req *ProcessingRequest) error {
	resp, err := c.postJSON(ctx, "/processing", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("processing returned status %d", resp.StatusCode)
	}
	var body struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding processing response: %w", err)
	}
	if body.Response != "Processing" {
		return fmt.Errorf("server refused processing: %q", body.Response)
	}
	return nil
}

// CheckPing probes the server's liveness endpoint.
func (c *Client) CheckPing(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/check_ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pinging server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("check_ping returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", path, err)
	}
	return resp, nil
}
