// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Devices and sources
// =============================================================================

// SaveDevice inserts or replaces a device.
func (s *Store) SaveDevice(ctx context.Context, d *Device) error {
	isDest := 0
	if d.IsDestination {
		isDest = 1
	}
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE name = ?`, d.Name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO devices (name, ae_title, address, port, is_destination)
			VALUES (?, ?, ?, ?, ?)`, d.Name, d.AETitle, d.Address, d.Port, isDest)
		return err
	})
}

// DeleteDevice removes a device by name.
func (s *Store) DeleteDevice(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE name = ?`, name)
	return err
}

// ListDevices returns every configured device.
func (s *Store) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, ae_title, address, port, is_destination FROM devices ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// DestinationDevices returns the devices flagged as destinations.
func (s *Store) DestinationDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, ae_title, address, port, is_destination FROM devices WHERE is_destination = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// DevicesByAddress returns the devices at an IP address.
func (s *Store) DevicesByAddress(ctx context.Context, address string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, ae_title, address, port, is_destination FROM devices WHERE address = ? ORDER BY name`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// DevicesByAddressAndAET narrows an address match to one AE title.
func (s *Store) DevicesByAddressAndAET(ctx context.Context, address, aet string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, ae_title, address, port, is_destination FROM devices
		 WHERE address = ? AND ae_title = ? ORDER BY name`, address, aet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// UpsertSource records a "{AET}@{IP}" source identity.
func (s *Store) UpsertSource(ctx context.Context, identifier string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sources (identifier)
		SELECT ? WHERE NOT EXISTS (SELECT 1 FROM sources WHERE identifier = ?)`,
		identifier, identifier)
	return err
}

// =============================================================================
// Radiopharmaceuticals and scanner models
// =============================================================================

// SaveRadiopharmaceutical inserts or replaces a tracer definition.
func (s *Store) SaveRadiopharmaceutical(ctx context.Context, r *Radiopharmaceutical) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM radiopharmaceuticals WHERE name = ?`, r.Name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO radiopharmaceuticals (name, synonyms, half_life) VALUES (?, ?, ?)`,
			r.Name, r.Synonyms, r.HalfLife)
		return err
	})
}

// ListRadiopharmaceuticals returns every tracer definition.
func (s *Store) ListRadiopharmaceuticals(ctx context.Context) ([]*Radiopharmaceutical, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, synonyms, half_life FROM radiopharmaceuticals ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Radiopharmaceutical
	for rows.Next() {
		var r Radiopharmaceutical
		if err := rows.Scan(&r.Name, &r.Synonyms, &r.HalfLife); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ResolveRadiopharmaceutical matches a header literal against every
// tracer's synonym list (comma-separated, case-insensitive). A miss
// means the operator has to add the spelling and retry.
func (s *Store) ResolveRadiopharmaceutical(ctx context.Context, literal string) (*Radiopharmaceutical, error) {
	all, err := s.ListRadiopharmaceuticals(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(literal))
	for _, r := range all {
		if strings.EqualFold(r.Name, needle) {
			return r, nil
		}
		for _, syn := range strings.Split(r.Synonyms, ",") {
			if strings.ToLower(strings.TrimSpace(syn)) == needle && needle != "" {
				return r, nil
			}
		}
	}
	return nil, fmt.Errorf("unknown radiopharmaceutical %q: %w", literal, ErrNotFound)
}

// UpsertPetModel records a scanner model name observed at validation.
func (s *Store) UpsertPetModel(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO pet_models (name)
		SELECT ? WHERE NOT EXISTS (SELECT 1 FROM pet_models WHERE name = ?)`, name, name)
	return err
}

// ListPetModels returns every observed scanner model.
func (s *Store) ListPetModels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pet_models ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// =============================================================================
// Filter settings
// =============================================================================

// SaveFilterSettings inserts (ID zero) or updates a post-filter row.
func (s *Store) SaveFilterSettings(ctx context.Context, f *FilterSettings) error {
	enabled := 0
	if f.Enabled {
		enabled = 1
	}
	if f.ID == 0 {
		res, err := s.db.ExecContext(ctx, `INSERT INTO filter_settings
			(fwhm, description, mode, series_number, noise, model, radiopharmaceutical, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.FWHM, f.Description, f.Mode, f.SeriesNumber, f.Noise, f.Model, f.Radiopharmaceutical, enabled)
		if err != nil {
			return err
		}
		f.ID, _ = res.LastInsertId()
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE filter_settings SET fwhm = ?, description = ?,
		mode = ?, series_number = ?, noise = ?, model = ?, radiopharmaceutical = ?, enabled = ?
		WHERE id = ?`,
		f.FWHM, f.Description, f.Mode, f.SeriesNumber, f.Noise, f.Model, f.Radiopharmaceutical, enabled, f.ID)
	return err
}

// DeleteFilterSettings removes a post-filter row.
func (s *Store) DeleteFilterSettings(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM filter_settings WHERE id = ?`, id)
	return err
}

// ListFilterSettings returns every post-filter row.
func (s *Store) ListFilterSettings(ctx context.Context) ([]*FilterSettings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, fwhm, description, mode, series_number,
		noise, model, radiopharmaceutical, enabled FROM filter_settings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*FilterSettings
	for rows.Next() {
		var f FilterSettings
		var enabled int
		if err := rows.Scan(&f.ID, &f.FWHM, &f.Description, &f.Mode, &f.SeriesNumber,
			&f.Noise, &f.Model, &f.Radiopharmaceutical, &enabled); err != nil {
			return nil, err
		}
		f.Enabled = enabled != 0
		out = append(out, &f)
	}
	return out, rows.Err()
}

// =============================================================================
// App config
// =============================================================================

// LoadAppConfig returns the singleton config row, or ErrNotFound on
// first boot.
func (s *Store) LoadAppConfig(ctx context.Context) (*AppConfig, error) {
	var c AppConfig
	var mirror, timeoutSec int
	err := s.db.QueryRowContext(ctx, `SELECT client_id, min_instances_in_series,
		slice_gap_tolerance, series_timeout_seconds, store_scp_port, store_scp_aet,
		ip_address, mirror_mode, server_url, shared_mount_point, zip_dir, unzip_dir,
		download_path FROM app_config LIMIT 1`).
		Scan(&c.ClientID, &c.MinInstancesInSeries, &c.SliceGapTolerance, &timeoutSec,
			&c.StoreSCPPort, &c.StoreSCPAET, &c.IPAddress, &mirror, &c.ServerURL,
			&c.SharedMountPoint, &c.ZipDir, &c.UnzipDir, &c.DownloadPath)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.MirrorMode = mirror != 0
	c.SeriesTimeout = time.Duration(timeoutSec) * time.Second
	return &c, nil
}

// SaveAppConfig replaces the singleton config row.
func (s *Store) SaveAppConfig(ctx context.Context, c *AppConfig) error {
	mirror := 0
	if c.MirrorMode {
		mirror = 1
	}
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM app_config`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO app_config (client_id,
			min_instances_in_series, slice_gap_tolerance, series_timeout_seconds,
			store_scp_port, store_scp_aet, ip_address, mirror_mode, server_url,
			shared_mount_point, zip_dir, unzip_dir, download_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ClientID, c.MinInstancesInSeries, c.SliceGapTolerance,
			int(c.SeriesTimeout/time.Second), c.StoreSCPPort, c.StoreSCPAET,
			c.IPAddress, mirror, c.ServerURL, c.SharedMountPoint, c.ZipDir,
			c.UnzipDir, c.DownloadPath)
		return err
	})
}
