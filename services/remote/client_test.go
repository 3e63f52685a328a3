// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckModel_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"accepted", http.StatusOK, nil},
		{"client disabled", http.StatusMethodNotAllowed, ErrClientInactive},
		{"tracer disabled", http.StatusNotAcceptable, ErrTracerInactive},
		{"no model", http.StatusProxyAuthRequired, ErrNoModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/check_model", r.URL.Path)
				assert.Equal(t, http.MethodPost, r.Method)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewClient(srv.URL, nil)
			err := client.CheckModel(context.Background(), &ModelCheck{
				IDClient:              "site-042",
				ManufacturerModelName: "Biograph64",
				Radiofarmaco:          "FDG",
			})
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCheckModel_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	err := client.CheckModel(context.Background(), &ModelCheck{})
	assert.ErrorContains(t, err, "500")
}

func TestStartProcessing_SendsContractPayload(t *testing.T) {
	var got ProcessingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/processing", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"response":"Processing"}`))
	}))
	defer srv.Close()

	req := &ProcessingRequest{
		InputFile:  "202401170930150001_site-042.zip",
		ClientPort: 8123,
		ClientID:   "site-042",
		Metadata: ProcessingMetadata{
			ManufacturerModelName: "Biograph64",
			ReconstructionMethod:  "OSEM3D",
			Iteraciones:           3,
			Subsets:               21,
			VoxelSpacing:          []float64{4.07, 4.07},
			SliceThickness:        3.0,
			Radiofarmaco:          "FDG",
			HalfLife:              6586.2,
			StudyInstanceUID:      "1.2.3",
			SeriesInstanceUID:     "1.2.3.4",
			Dose:                  8.11,
			Weight:                70,
			Height:                175,
			Age:                   61,
		},
	}
	client := NewClient(srv.URL, nil)
	require.NoError(t, client.StartProcessing(context.Background(), req))
	assert.Equal(t, *req, got)
}

func TestStartProcessing_RejectsWrongResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"Busy"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	err := client.StartProcessing(context.Background(), &ProcessingRequest{})
	assert.ErrorContains(t, err, "Busy")
}

func TestCheckPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/check_ping", r.URL.Path)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	assert.NoError(t, client.CheckPing(context.Background()))

	srv.Close()
	assert.Error(t, client.CheckPing(context.Background()))
}
