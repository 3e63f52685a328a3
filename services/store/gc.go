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
	"os"
	"path/filepath"
)

// =============================================================================
// Task deletion and garbage collection
// =============================================================================

// Deletion is explicit rather than relying on cascades: every query
// that removes rows also collects the file paths those rows owned, and
// the caller reconciles the filesystem after the transaction commits.

// DeleteTask removes a finished or failed task, its result series, and
// its source series when no other task references it. The returned
// paths are files and directories to remove from disk.
func (s *Store) DeleteTask(ctx context.Context, id string) ([]string, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.StepState != StepFailed && t.StepState != StepCompleted {
		return nil, fmt.Errorf("only completed or failed tasks can be deleted")
	}

	// Hide the row first so the operator UI stops listing it while the
	// deletion proceeds.
	if err := s.SetTaskVisible(ctx, id, false); err != nil {
		return nil, err
	}

	var paths []string
	err = s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		results, err := s.resultSeriesUIDs(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, uid := range results {
			p, err := s.DeleteSeries(ctx, tx, uid)
			if err != nil {
				return err
			}
			paths = append(paths, p...)
		}

		if t.SeriesInstanceUID != "" {
			var others int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM tasks WHERE series_uid = ? AND id != ?`,
				t.SeriesInstanceUID, id).Scan(&others); err != nil {
				return err
			}
			if others == 0 {
				p, err := s.DeleteSeries(ctx, tx, t.SeriesInstanceUID)
				if err != nil {
					return err
				}
				paths = append(paths, p...)
			}
		}

		for _, q := range []string{
			`DELETE FROM task_instances WHERE task_id = ?`,
			`DELETE FROM task_destinations WHERE task_id = ?`,
			`DELETE FROM tasks WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("deleting task %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func (s *Store) resultSeriesUIDs(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT series_uid FROM series WHERE originating_task = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// DeleteTasksByState deletes every task in a terminal state; used by
// the operator's "delete finished" and "delete failed" actions.
func (s *Store) DeleteTasksByState(ctx context.Context, state StepState) (int, []string, error) {
	if state != StepFailed && state != StepCompleted {
		return 0, nil, fmt.Errorf("only terminal states can be bulk-deleted")
	}
	tasks, err := s.ListTasksByState(ctx, state)
	if err != nil {
		return 0, nil, err
	}
	var paths []string
	deleted := 0
	for _, t := range tasks {
		p, err := s.DeleteTask(ctx, t.ID)
		if err != nil {
			s.logger.Error("bulk delete skipped task", "task_id", t.ID, "error", err)
			continue
		}
		paths = append(paths, p...)
		deleted++
	}
	return deleted, paths, nil
}

// ClearDatabase removes series no task references, orphaned instances,
// empty studies and patients without series, returning owned file paths.
func (s *Store) ClearDatabase(ctx context.Context) ([]string, error) {
	var paths []string
	err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT series_uid FROM series s
			WHERE NOT EXISTS (SELECT 1 FROM tasks t WHERE t.series_uid = s.series_uid)
			AND (s.originating_task = '' OR NOT EXISTS (
				SELECT 1 FROM tasks t WHERE t.id = s.originating_task))`)
		if err != nil {
			return err
		}
		var orphanSeries []string
		for rows.Next() {
			var uid string
			if err := rows.Scan(&uid); err != nil {
				rows.Close()
				return err
			}
			orphanSeries = append(orphanSeries, uid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, uid := range orphanSeries {
			p, err := s.DeleteSeries(ctx, tx, uid)
			if err != nil {
				return err
			}
			paths = append(paths, p...)
		}

		// Instances whose series vanished, studies without series,
		// patients without studies or series.
		if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE NOT EXISTS
			(SELECT 1 FROM series s WHERE s.series_uid = instances.series_uid)`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM studies WHERE NOT EXISTS
			(SELECT 1 FROM series s WHERE s.study_uid = studies.study_uid)`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM patients WHERE NOT EXISTS
			(SELECT 1 FROM series s WHERE s.patient_id = patients.patient_id)`); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// ClearStorage walks the incoming root and removes directories no
// study or series row references. Returns the removed paths.
func (s *Store) ClearStorage(ctx context.Context, incomingRoot string) ([]string, error) {
	referenced := map[string]bool{}
	collect := func(q string) error {
		rows, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return err
			}
			if p != "" {
				referenced[filepath.Clean(p)] = true
			}
		}
		return rows.Err()
	}
	if err := collect(`SELECT stored_in FROM studies`); err != nil {
		return nil, err
	}
	if err := collect(`SELECT stored_in FROM series`); err != nil {
		return nil, err
	}

	var removed []string
	studyDirs, err := os.ReadDir(incomingRoot)
	if err != nil {
		return nil, fmt.Errorf("reading incoming root: %w", err)
	}
	for _, sd := range studyDirs {
		if !sd.IsDir() {
			continue
		}
		studyPath := filepath.Join(incomingRoot, sd.Name())
		if !referenced[filepath.Clean(studyPath)] {
			if err := os.RemoveAll(studyPath); err == nil {
				removed = append(removed, studyPath)
			}
			continue
		}
		seriesDirs, err := os.ReadDir(studyPath)
		if err != nil {
			continue
		}
		for _, rd := range seriesDirs {
			if !rd.IsDir() {
				continue
			}
			seriesPath := filepath.Join(studyPath, rd.Name())
			if !referenced[filepath.Clean(seriesPath)] {
				if err := os.RemoveAll(seriesPath); err == nil {
					removed = append(removed, seriesPath)
				}
			}
		}
	}
	return removed, nil
}

// RemovePaths deletes the given files and directories, logging failures
// without stopping. It is the post-transaction filesystem reconciler.
func (s *Store) RemovePaths(paths []string) {
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			s.logger.Warn("could not remove path", "path", p, "error", err)
		}
	}
}
