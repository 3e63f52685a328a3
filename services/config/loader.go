// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/petfectior-agent/pkg/validation"
)

// Load reads the config file at path, applies environment overrides
// and validates the result. A missing file is created with defaults so
// the installer has something to edit.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := writeDefault(path); err != nil {
				return nil, err
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyPathDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags and the cross-field rules.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validation.ValidateAETitle(cfg.DICOM.AETitle); err != nil {
		return fmt.Errorf("invalid dicom.ae_title: %w", err)
	}
	if cfg.DICOM.IPAddress != "" {
		if err := validation.ValidateIPv4(cfg.DICOM.IPAddress); err != nil {
			return fmt.Errorf("invalid dicom.ip_address: %w", err)
		}
	}
	return nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv maps the container-style environment variables onto the
// config. Environment wins over the file.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr("CLIENT_ID", &cfg.ClientID)
	setStr("SERVER_ADDRESS", &cfg.Server.Address)
	setInt("SERVER_PORT", &cfg.Server.Port)
	setBool("SERVER_INTERACTION", &cfg.Server.Interaction)
	setBool("MIRROR_MODE", &cfg.Server.MirrorMode)
	setInt("DICOM_LISTENER_PORT", &cfg.DICOM.ListenerPort)
	setStr("DICOM_AE_TITLE", &cfg.DICOM.AETitle)
	setStr("SHARED_MOUNT_POINT", &cfg.Paths.SharedMountPoint)
	setStr("DATA_DIR", &cfg.Paths.DataDir)
	setStr("LOGGING_FILEPATH", &cfg.Logging.FilePath)
	setStr("LOGGING_LEVEL", &cfg.Logging.Level)
	setStr("MYSQL_HOST", &cfg.Database.MySQLHost)
	setInt("MYSQL_PORT", &cfg.Database.MySQLPort)
	setStr("MYSQL_USER", &cfg.Database.MySQLUser)
	setStr("MYSQL_PASSWORD", &cfg.Database.MySQLPassword)
	setStr("MYSQL_DATABASE", &cfg.Database.MySQLDatabase)
}

// applyPathDefaults derives the scratch directories left unset from
// the data root.
func applyPathDefaults(cfg *Config) {
	p := &cfg.Paths
	if p.IncomingDir == "" {
		p.IncomingDir = filepath.Join(p.DataDir, "incoming")
	}
	if p.ZipDir == "" {
		p.ZipDir = filepath.Join(p.DataDir, "zips")
	}
	if p.UnzipDir == "" {
		p.UnzipDir = filepath.Join(p.DataDir, "unzipped")
	}
	if p.DownloadPath == "" {
		p.DownloadPath = filepath.Join(p.DataDir, "downloads")
	}
	if cfg.Database.SQLitePath == "" && cfg.Database.MySQLHost == "" {
		cfg.Database.SQLitePath = filepath.Join(p.DataDir, "agent.db")
	}
}
