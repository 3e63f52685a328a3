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
)

// =============================================================================
// DICOM hierarchy
// =============================================================================

const seriesSelect = `SELECT series_uid, date, description, modality, number,
	patient_id, study_uid, originating_task, stored_in FROM series`

// UpsertPatient inserts a patient row if it does not exist.
func (s *Store) UpsertPatient(ctx context.Context, p *Patient) error {
	return s.upsertPatientTx(ctx, s.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertPatientTx(ctx context.Context, db execer, p *Patient) error {
	_, err := db.ExecContext(ctx, `INSERT INTO patients (patient_id, patient_name)
		SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM patients WHERE patient_id = ?)`,
		p.PatientID, p.PatientName, p.PatientID)
	return err
}

// UpsertStudy inserts a study row if it does not exist.
func (s *Store) UpsertStudy(ctx context.Context, st *Study) error {
	return s.upsertStudyTx(ctx, s.db, st)
}

func (s *Store) upsertStudyTx(ctx context.Context, db execer, st *Study) error {
	_, err := db.ExecContext(ctx, `INSERT INTO studies
		(study_uid, date, description, patient_id, patient_weight, patient_size, patient_age, stored_in)
		SELECT ?, ?, ?, ?, ?, ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM studies WHERE study_uid = ?)`,
		st.StudyInstanceUID, encodeTime(st.Date), st.Description, st.PatientID,
		st.PatientWeight, st.PatientSize, st.PatientAge, st.StoredIn, st.StudyInstanceUID)
	return err
}

// UpsertSeries inserts a series row if it does not exist.
func (s *Store) UpsertSeries(ctx context.Context, se *Series) error {
	return s.upsertSeriesTx(ctx, s.db, se)
}

func (s *Store) upsertSeriesTx(ctx context.Context, db execer, se *Series) error {
	_, err := db.ExecContext(ctx, `INSERT INTO series
		(series_uid, date, description, modality, number, patient_id, study_uid, originating_task, stored_in)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM series WHERE series_uid = ?)`,
		se.SeriesInstanceUID, encodeTime(se.Date), se.Description, se.Modality, se.Number,
		se.PatientID, se.StudyInstanceUID, se.OriginatingTask, se.StoredIn, se.SeriesInstanceUID)
	return err
}

// InstanceExists reports whether an instance row is already present,
// which is how duplicate C-STOREs are detected.
func (s *Store) InstanceExists(ctx context.Context, sopUID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM instances WHERE sop_uid = ?`, sopUID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// CreateInstance inserts the full hierarchy for a received instance in
// one transaction: patient, study and series are created when missing,
// the instance always.
func (s *Store) CreateInstance(ctx context.Context, p *Patient, st *Study, se *Series, in *Instance) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.upsertPatientTx(ctx, tx, p); err != nil {
			return fmt.Errorf("upserting patient: %w", err)
		}
		if err := s.upsertStudyTx(ctx, tx, st); err != nil {
			return fmt.Errorf("upserting study: %w", err)
		}
		if err := s.upsertSeriesTx(ctx, tx, se); err != nil {
			return fmt.Errorf("upserting series: %w", err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO instances
			(sop_uid, sop_class_uid, filename, patient_id, study_uid, series_uid)
			VALUES (?, ?, ?, ?, ?, ?)`,
			in.SOPInstanceUID, in.SOPClassUID, in.Filename,
			in.PatientID, in.StudyInstanceUID, in.SeriesInstanceUID)
		if err != nil {
			return fmt.Errorf("inserting instance %s: %w", in.SOPInstanceUID, err)
		}
		return nil
	})
}

// GetSeries fetches one series by UID.
func (s *Store) GetSeries(ctx context.Context, uid string) (*Series, error) {
	row := s.db.QueryRowContext(ctx, seriesSelect+` WHERE series_uid = ?`, uid)
	se, err := scanSeries(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return se, err
}

// GetStudy fetches one study by UID.
func (s *Store) GetStudy(ctx context.Context, uid string) (*Study, error) {
	var st Study
	var date string
	err := s.db.QueryRowContext(ctx, `SELECT study_uid, date, description, patient_id,
		patient_weight, patient_size, patient_age, stored_in FROM studies WHERE study_uid = ?`, uid).
		Scan(&st.StudyInstanceUID, &date, &st.Description, &st.PatientID,
			&st.PatientWeight, &st.PatientSize, &st.PatientAge, &st.StoredIn)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Date = decodeTime(date)
	return &st, nil
}

// SeriesInstances returns the instances of a series.
func (s *Store) SeriesInstances(ctx context.Context, seriesUID string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sop_uid, sop_class_uid, filename,
		patient_id, study_uid, series_uid FROM instances WHERE series_uid = ? ORDER BY sop_uid`, seriesUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// DeleteSeries removes a series with its instances inside tx, returning
// the file paths (instance files, then the series directory) for the
// post-transaction filesystem reconciler.
func (s *Store) DeleteSeries(ctx context.Context, tx *sql.Tx, seriesUID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT filename FROM instances WHERE series_uid = ?`, seriesUID)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			rows.Close()
			return nil, err
		}
		if f != "" {
			paths = append(paths, f)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var storedIn string
	if err := tx.QueryRowContext(ctx,
		`SELECT stored_in FROM series WHERE series_uid = ?`, seriesUID).Scan(&storedIn); err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if storedIn != "" {
		paths = append(paths, storedIn)
	}

	for _, q := range []string{
		`DELETE FROM task_instances WHERE sop_uid IN (SELECT sop_uid FROM instances WHERE series_uid = ?)`,
		`DELETE FROM instances WHERE series_uid = ?`,
		`DELETE FROM series WHERE series_uid = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, seriesUID); err != nil {
			return nil, fmt.Errorf("deleting series %s: %w", seriesUID, err)
		}
	}
	return paths, nil
}

// =============================================================================
// Scan helpers
// =============================================================================

func scanSeries(row interface{ Scan(...any) error }) (*Series, error) {
	var se Series
	var date string
	err := row.Scan(&se.SeriesInstanceUID, &date, &se.Description, &se.Modality,
		&se.Number, &se.PatientID, &se.StudyInstanceUID, &se.OriginatingTask, &se.StoredIn)
	if err != nil {
		return nil, err
	}
	se.Date = decodeTime(date)
	return &se, nil
}

func scanSeriesRows(rows *sql.Rows) ([]*Series, error) {
	var out []*Series
	for rows.Next() {
		se, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

func scanInstances(rows *sql.Rows) ([]*Instance, error) {
	var out []*Instance
	for rows.Next() {
		var in Instance
		if err := rows.Scan(&in.SOPInstanceUID, &in.SOPClassUID, &in.Filename,
			&in.PatientID, &in.StudyInstanceUID, &in.SeriesInstanceUID); err != nil {
			return nil, err
		}
		out = append(out, &in)
	}
	return out, rows.Err()
}

func scanDevices(rows *sql.Rows) ([]*Device, error) {
	var out []*Device
	for rows.Next() {
		var d Device
		var isDest int
		if err := rows.Scan(&d.Name, &d.AETitle, &d.Address, &d.Port, &isDest); err != nil {
			return nil, err
		}
		d.IsDestination = isDest != 0
		out = append(out, &d)
	}
	return out, rows.Err()
}
