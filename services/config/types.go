// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"path/filepath"
	"strconv"
)

// Config is the agent's full runtime configuration. It is loaded once
// at startup from YAML plus environment overrides; the site installer
// normally only sets client_id, the server address and the mount point.
type Config struct {
	// ClientID identifies this site to the processing server.
	ClientID string `yaml:"client_id" validate:"required"`

	Server   ServerConfig   `yaml:"server"`
	DICOM    DICOMConfig    `yaml:"dicom"`
	Series   SeriesConfig   `yaml:"series"`
	Paths    PathsConfig    `yaml:"paths"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig points at the central processing server.
type ServerConfig struct {
	Address string `yaml:"address" validate:"required"`
	Port    int    `yaml:"port" validate:"gte=1,lte=65535"`

	// Interaction false runs the agent in simulation mode: no HTTP
	// calls leave the site and uploads are answered locally.
	Interaction bool `yaml:"interaction"`

	// MirrorMode returns results to the device that sent the series
	// instead of the configured destination list.
	MirrorMode bool `yaml:"mirror_mode"`
}

// URL returns the base http URL of the processing server.
func (s ServerConfig) URL() string {
	return "http://" + s.Address + ":" + strconv.Itoa(s.Port)
}

// DICOMConfig configures the C-STORE listener.
type DICOMConfig struct {
	ListenerPort int    `yaml:"listener_port" validate:"gte=1,lte=65535"`
	AETitle      string `yaml:"ae_title" validate:"required,max=16"`
	IPAddress    string `yaml:"ip_address"`
}

// SeriesConfig holds the compile-stage acceptance criteria.
type SeriesConfig struct {
	// MinInstances is the floor below which a series is rejected even
	// when the header slice count is missing.
	MinInstances int `yaml:"min_instances" validate:"gte=1"`

	// SliceGapTolerance is the allowed relative deviation between
	// adjacent slice spacings.
	SliceGapTolerance float64 `yaml:"slice_gap_tolerance" validate:"gt=0"`

	// TimeoutSeconds closes a series when no new instance arrives.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=1"`
}

// PathsConfig holds the local and shared working directories.
type PathsConfig struct {
	// SharedMountPoint is the network share exchanged with the server;
	// to_process/ and processed/ live beneath it.
	SharedMountPoint string `yaml:"shared_mount_point" validate:"required"`

	// DataDir is the agent's local scratch root. Incoming instances,
	// zip staging and download staging default to subdirectories.
	DataDir string `yaml:"data_dir" validate:"required"`

	IncomingDir  string `yaml:"incoming_dir,omitempty"`
	ZipDir       string `yaml:"zip_dir,omitempty"`
	UnzipDir     string `yaml:"unzip_dir,omitempty"`
	DownloadPath string `yaml:"download_path,omitempty"`
}

// ToProcess returns the shared directory uploads are copied into.
func (p PathsConfig) ToProcess() string {
	return filepath.Join(p.SharedMountPoint, "to_process")
}

// Processed returns the shared directory results appear in.
func (p PathsConfig) Processed() string {
	return filepath.Join(p.SharedMountPoint, "processed")
}

// DatabaseConfig selects sqlite (default) or MySQL.
type DatabaseConfig struct {
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	MySQLHost     string `yaml:"mysql_host,omitempty"`
	MySQLPort     int    `yaml:"mysql_port,omitempty"`
	MySQLUser     string `yaml:"mysql_user,omitempty"`
	MySQLPassword string `yaml:"mysql_password,omitempty"`
	MySQLDatabase string `yaml:"mysql_database,omitempty"`
}

// DSN returns the MySQL DSN, or "" when sqlite is selected.
func (d DatabaseConfig) DSN() string {
	if d.MySQLHost == "" {
		return ""
	}
	port := d.MySQLPort
	if port == 0 {
		port = 3306
	}
	return d.MySQLUser + ":" + d.MySQLPassword + "@tcp(" +
		d.MySQLHost + ":" + strconv.Itoa(port) + ")/" + d.MySQLDatabase
}

// HTTPConfig configures the callback and operator API listener.
type HTTPConfig struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level    string `yaml:"level" validate:"oneof=debug info warn error"`
	FilePath string `yaml:"file_path,omitempty"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Default returns the configuration a fresh install starts from.
func Default() *Config {
	return &Config{
		ClientID: "site-unset",
		Server: ServerConfig{
			Address:     "127.0.0.1",
			Port:        8000,
			Interaction: true,
		},
		DICOM: DICOMConfig{
			ListenerPort: 11112,
			AETitle:      "PETFECTIOR",
			IPAddress:    "0.0.0.0",
		},
		Series: SeriesConfig{
			MinInstances:      47,
			SliceGapTolerance: 0.025,
			TimeoutSeconds:    30,
		},
		Paths: PathsConfig{
			SharedMountPoint: "/mnt/petfectior",
			DataDir:          "/var/lib/petfectior",
		},
		HTTP: HTTPConfig{
			Port: 8123,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
