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
	"time"
)

// =============================================================================
// Task CRUD
// =============================================================================

const taskColumns = `id, started, updated, current_step, recon_settings, step_state,
	status_msg, full_status_msg, imgs, expected_imgs, visible,
	series_uid, source_identifier, radiopharmaceutical`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		started, updated string
		recon, full      sql.NullString
		visible          int
		task             Task
	)
	err := row.Scan(&task.ID, &started, &updated, &task.CurrentStep, &recon,
		&task.StepState, &task.StatusMsg, &full, &task.Imgs, &task.ExpectedImgs,
		&visible, &task.SeriesInstanceUID, &task.SourceIdentifier,
		&task.Radiopharmaceutical)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	task.Started = decodeTime(started)
	task.Updated = decodeTime(updated)
	task.ReconSettings = recon.String
	task.FullStatusMsg = full.String
	task.Visible = visible != 0
	return &task, nil
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	visible := 0
	if t.Visible {
		visible = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, encodeTime(t.Started), encodeTime(t.Updated), t.CurrentStep,
		t.ReconSettings, int(t.StepState), t.StatusMsg, t.FullStatusMsg,
		t.Imgs, t.ExpectedImgs, visible, t.SeriesInstanceUID,
		t.SourceIdentifier, t.Radiopharmaceutical)
	if err != nil {
		return fmt.Errorf("creating task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns all tasks, newest first. With onlyVisible, rows an
// operator has queued for deletion are skipped.
func (s *Store) ListTasks(ctx context.Context, onlyVisible bool) ([]*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if onlyVisible {
		q += ` WHERE visible = 1`
	}
	q += ` ORDER BY id DESC`
	return s.queryTasks(ctx, q)
}

// ListTasksByState returns tasks in a given step state, oldest first.
func (s *Store) ListTasksByState(ctx context.Context, state StepState) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE step_state = ? ORDER BY id`, int(state))
}

// ListTasksByStatus returns tasks whose status message matches, oldest
// first. The task manager's simulation mode uses this to find tasks
// waiting on the remote server.
func (s *Store) ListTasksByStatus(ctx context.Context, statusMsg string) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status_msg = ? ORDER BY id`, statusMsg)
}

// ListTasksInStep returns tasks at a stage in a given state, oldest
// first. The compile sweep uses it to find series still assembling.
func (s *Store) ListTasksInStep(ctx context.Context, step string, state StepState) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE current_step = ? AND step_state = ? ORDER BY id`,
		step, int(state))
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// Task transitions
// =============================================================================

// UpdateTaskStatus refreshes the status message and the updated stamp.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, statusMsg string) error {
	return s.execTask(ctx, id,
		`UPDATE tasks SET status_msg = ?, updated = ? WHERE id = ?`,
		statusMsg, encodeTime(time.Now()), id)
}

// SetTaskState moves a task to a step state with status messages. An
// empty fullStatus leaves the existing one in place.
func (s *Store) SetTaskState(ctx context.Context, id string, state StepState, statusMsg, fullStatus string) error {
	if fullStatus != "" {
		return s.execTask(ctx, id,
			`UPDATE tasks SET step_state = ?, status_msg = ?, full_status_msg = ?, updated = ? WHERE id = ?`,
			int(state), statusMsg, fullStatus, encodeTime(time.Now()), id)
	}
	return s.execTask(ctx, id,
		`UPDATE tasks SET step_state = ?, status_msg = ?, updated = ? WHERE id = ?`,
		int(state), statusMsg, encodeTime(time.Now()), id)
}

// AdvanceTask marks the current step done and hands the task to the
// next stage; the task manager dispatches it on its next poll.
func (s *Store) AdvanceTask(ctx context.Context, id, nextStep, statusMsg string) error {
	return s.execTask(ctx, id,
		`UPDATE tasks SET current_step = ?, step_state = ?, status_msg = ?, updated = ? WHERE id = ?`,
		nextStep, int(StepDone), statusMsg, encodeTime(time.Now()), id)
}

// SetTaskReconSettings replaces the serialized reconstruction metadata.
func (s *Store) SetTaskReconSettings(ctx context.Context, id, recon string) error {
	return s.execTask(ctx, id,
		`UPDATE tasks SET recon_settings = ?, updated = ? WHERE id = ?`,
		recon, encodeTime(time.Now()), id)
}

// SetTaskRadiopharmaceutical links a task to its resolved tracer.
func (s *Store) SetTaskRadiopharmaceutical(ctx context.Context, id, name string) error {
	return s.execTask(ctx, id,
		`UPDATE tasks SET radiopharmaceutical = ?, updated = ? WHERE id = ?`,
		name, encodeTime(time.Now()), id)
}

// SetTaskVisible toggles operator visibility. Deletion workers hide a
// task first so the UI stops showing it while rows are removed.
func (s *Store) SetTaskVisible(ctx context.Context, id string, visible bool) error {
	v := 0
	if visible {
		v = 1
	}
	return s.execTask(ctx, id,
		`UPDATE tasks SET visible = ?, updated = ? WHERE id = ?`, v, encodeTime(time.Now()), id)
}

// AbortInFlight forces every step_state=0 task to failed at startup.
// Whatever was processing when the agent died cannot be resumed safely.
func (s *Store) AbortInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET step_state = ?, status_msg = ?, updated = ? WHERE step_state = ?`,
		int(StepFailed), "aborted - app reset", encodeTime(time.Now()), int(StepProcessing))
	if err != nil {
		return 0, fmt.Errorf("aborting in-flight tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClaimStepDone atomically collects every step_state=1 task and flips it
// to step_state=0, returning the claimed tasks so the task manager can
// enqueue them. A task can never be dispatched twice.
func (s *Store) ClaimStepDone(ctx context.Context) ([]*Task, error) {
	var claimed []*Task
	err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE step_state = ? ORDER BY id`, int(StepDone))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, t)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		now := encodeTime(time.Now())
		for _, t := range claimed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET step_state = ?, updated = ? WHERE id = ?`,
				int(StepProcessing), now, t.ID); err != nil {
				return err
			}
			t.StepState = StepProcessing
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RestartTask sends a finished or failed task back to compile.
func (s *Store) RestartTask(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.StepState != StepFailed && t.StepState != StepCompleted {
		return fmt.Errorf("only completed or failed tasks can be restarted")
	}
	return s.execTask(ctx, id,
		`UPDATE tasks SET current_step = ?, step_state = ?, status_msg = ?, updated = ? WHERE id = ?`,
		StageCompile, int(StepProcessing), "restarting...", encodeTime(time.Now()), id)
}

// RetryLastStep re-dispatches the current step of a finished or failed
// task. Retrying compile is a full restart.
func (s *Store) RetryLastStep(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.StepState != StepFailed && t.StepState != StepCompleted {
		return fmt.Errorf("only completed or failed tasks can be retried")
	}
	if t.CurrentStep == StageCompile {
		return s.RestartTask(ctx, id)
	}
	return s.execTask(ctx, id,
		`UPDATE tasks SET step_state = ?, status_msg = ?, updated = ? WHERE id = ?`,
		int(StepDone), "retrying...", encodeTime(time.Now()), id)
}

func (s *Store) execTask(ctx context.Context, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating task %s: %w", id, ErrNotFound)
	}
	return nil
}

// =============================================================================
// Task links
// =============================================================================

// FindCompileTask locates the open compile-stage task for a series and
// source that does not yet contain the given SOP instance. A duplicate
// SOP starts a fresh task for the re-sent series.
func (s *Store) FindCompileTask(ctx context.Context, seriesUID, sourceID, sopUID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE current_step = ? AND step_state = ? AND series_uid = ? AND source_identifier = ?
		AND NOT EXISTS (
			SELECT 1 FROM task_instances ti WHERE ti.task_id = tasks.id AND ti.sop_uid = ?
		)
		ORDER BY id LIMIT 1`,
		StageCompile, int(StepProcessing), seriesUID, sourceID, sopUID)
	return scanTask(row)
}

// LinkTaskInstance attaches a stored instance to a task and bumps its
// received-image counter.
func (s *Store) LinkTaskInstance(ctx context.Context, taskID, sopUID string) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_instances (task_id, sop_uid) VALUES (?, ?)`, taskID, sopUID); err != nil {
			return fmt.Errorf("linking instance %s to task %s: %w", sopUID, taskID, err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET imgs = imgs + 1, updated = ? WHERE id = ?`,
			encodeTime(time.Now()), taskID)
		return err
	})
}

// TaskInstances returns the instances linked to a task.
func (s *Store) TaskInstances(ctx context.Context, taskID string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT i.sop_uid, i.sop_class_uid, i.filename,
		i.patient_id, i.study_uid, i.series_uid
		FROM instances i JOIN task_instances ti ON ti.sop_uid = i.sop_uid
		WHERE ti.task_id = ? ORDER BY i.sop_uid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// AddTaskDestination links a destination device to a task, ignoring
// duplicates.
func (s *Store) AddTaskDestination(ctx context.Context, taskID, deviceName string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_destinations (task_id, device_name)
		SELECT ?, ? WHERE NOT EXISTS (
			SELECT 1 FROM task_destinations WHERE task_id = ? AND device_name = ?
		)`, taskID, deviceName, taskID, deviceName)
	return err
}

// TaskDestinations returns the destination devices of a task.
func (s *Store) TaskDestinations(ctx context.Context, taskID string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT d.name, d.ae_title, d.address, d.port, d.is_destination
		FROM devices d JOIN task_destinations td ON td.device_name = d.name
		WHERE td.task_id = ? ORDER BY d.name`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// ResultSeries returns the series generated by a task's unpack step.
func (s *Store) ResultSeries(ctx context.Context, taskID string) ([]*Series, error) {
	rows, err := s.db.QueryContext(ctx, seriesSelect+` WHERE originating_task = ? ORDER BY series_uid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSeriesRows(rows)
}
