// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

// The DDL sticks to types both SQLite and MySQL accept. Timestamps are
// stored as text in timeLayout; booleans as 0/1 integers.

const timeLayout = "2006-01-02 15:04:05.000000"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		patient_id   VARCHAR(64) PRIMARY KEY,
		patient_name VARCHAR(256) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS studies (
		study_uid      VARCHAR(64) PRIMARY KEY,
		date           VARCHAR(32) NOT NULL DEFAULT '',
		description    VARCHAR(256) NOT NULL DEFAULT '',
		patient_id     VARCHAR(64) NOT NULL,
		patient_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
		patient_size   DOUBLE PRECISION NOT NULL DEFAULT 0,
		patient_age    VARCHAR(8) NOT NULL DEFAULT '',
		stored_in      VARCHAR(512) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS series (
		series_uid       VARCHAR(64) PRIMARY KEY,
		date             VARCHAR(32) NOT NULL DEFAULT '',
		description      VARCHAR(256) NOT NULL DEFAULT '',
		modality         VARCHAR(16) NOT NULL DEFAULT '',
		number           INTEGER NOT NULL DEFAULT 0,
		patient_id       VARCHAR(64) NOT NULL,
		study_uid        VARCHAR(64) NOT NULL,
		originating_task VARCHAR(18) NOT NULL DEFAULT '',
		stored_in        VARCHAR(512) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS instances (
		sop_uid       VARCHAR(64) PRIMARY KEY,
		sop_class_uid VARCHAR(64) NOT NULL DEFAULT '',
		filename      VARCHAR(512) NOT NULL DEFAULT '',
		patient_id    VARCHAR(64) NOT NULL,
		study_uid     VARCHAR(64) NOT NULL,
		series_uid    VARCHAR(64) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		name           VARCHAR(64) PRIMARY KEY,
		ae_title       VARCHAR(16) NOT NULL,
		address        VARCHAR(15) NOT NULL,
		port           INTEGER NOT NULL DEFAULT 104,
		is_destination INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS sources (
		identifier VARCHAR(64) PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS radiopharmaceuticals (
		name      VARCHAR(64) PRIMARY KEY,
		synonyms  VARCHAR(512) NOT NULL DEFAULT '',
		half_life DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS pet_models (
		name VARCHAR(128) PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id                  VARCHAR(18) PRIMARY KEY,
		started             VARCHAR(32) NOT NULL,
		updated             VARCHAR(32) NOT NULL,
		current_step        VARCHAR(16) NOT NULL,
		recon_settings      TEXT,
		step_state          INTEGER NOT NULL DEFAULT 0,
		status_msg          VARCHAR(256) NOT NULL DEFAULT '',
		full_status_msg     TEXT,
		imgs                INTEGER NOT NULL DEFAULT 0,
		expected_imgs       INTEGER NOT NULL DEFAULT 0,
		visible             INTEGER NOT NULL DEFAULT 1,
		series_uid          VARCHAR(64) NOT NULL DEFAULT '',
		source_identifier   VARCHAR(64) NOT NULL DEFAULT '',
		radiopharmaceutical VARCHAR(64) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS task_instances (
		task_id VARCHAR(18) NOT NULL,
		sop_uid VARCHAR(64) NOT NULL,
		PRIMARY KEY (task_id, sop_uid)
	)`,
	`CREATE TABLE IF NOT EXISTS task_destinations (
		task_id     VARCHAR(18) NOT NULL,
		device_name VARCHAR(64) NOT NULL,
		PRIMARY KEY (task_id, device_name)
	)`,
	`CREATE TABLE IF NOT EXISTS filter_settings (
		id                  INTEGER PRIMARY KEY,
		fwhm                DOUBLE PRECISION NOT NULL DEFAULT 0,
		description         VARCHAR(64) NOT NULL DEFAULT '',
		mode                VARCHAR(8) NOT NULL DEFAULT 'append',
		series_number       INTEGER NOT NULL DEFAULT 1001,
		noise               DOUBLE PRECISION NOT NULL DEFAULT 0,
		model               VARCHAR(128) NOT NULL DEFAULT 'all',
		radiopharmaceutical VARCHAR(64) NOT NULL DEFAULT 'all',
		enabled             INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS app_config (
		client_id               VARCHAR(64) PRIMARY KEY,
		min_instances_in_series INTEGER NOT NULL,
		slice_gap_tolerance     DOUBLE PRECISION NOT NULL,
		series_timeout_seconds  INTEGER NOT NULL,
		store_scp_port          INTEGER NOT NULL,
		store_scp_aet           VARCHAR(16) NOT NULL,
		ip_address              VARCHAR(15) NOT NULL,
		mirror_mode             INTEGER NOT NULL DEFAULT 0,
		server_url              VARCHAR(256) NOT NULL DEFAULT '',
		shared_mount_point      VARCHAR(512) NOT NULL DEFAULT '',
		zip_dir                 VARCHAR(512) NOT NULL DEFAULT '',
		unzip_dir               VARCHAR(512) NOT NULL DEFAULT '',
		download_path           VARCHAR(512) NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_series_study ON series (study_uid)`,
	`CREATE INDEX IF NOT EXISTS idx_series_task ON series (originating_task)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_series ON instances (series_uid)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_step ON tasks (current_step, step_state)`,
	`CREATE INDEX IF NOT EXISTS idx_task_instances_sop ON task_instances (sop_uid)`,
}
