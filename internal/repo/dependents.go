package repo

import (
	"context"
	"database/sql"

	"opsboard/internal/domain"
)

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTaskHistory(ctx context.Context, h domain.TaskHistory) error {
	_, err := r.exec(ctx, `INSERT INTO task_history(id,task_id,snapshot_json,changed_by,created_at) VALUES (?,?,?,?,?)`,
		h.ID, h.TaskID, h.SnapshotJSON, h.ChangedBy, h.CreatedAt)
	return err
}

func (r Repo) ListTaskHistory(ctx context.Context, taskID string) ([]domain.TaskHistory, error) {
	res := []domain.TaskHistory{}
	err := r.selectAll(ctx, &res, `SELECT id,task_id,snapshot_json,changed_by,created_at FROM task_history WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	return res, err
}

func (r Repo) InsertQualityControl(ctx context.Context, q domain.QualityControl) error {
	_, err := r.exec(ctx, `INSERT INTO quality_controls(id,task_id,outcome,notes,checked_by,created_at) VALUES (?,?,?,?,?,?)`,
		q.ID, q.TaskID, q.Outcome, q.Notes, q.CheckedBy, q.CreatedAt)
	return err
}

func (r Repo) ListQualityControls(ctx context.Context, taskID string) ([]domain.QualityControl, error) {
	res := []domain.QualityControl{}
	err := r.selectAll(ctx, &res, `SELECT id,task_id,outcome,notes,checked_by,created_at FROM quality_controls WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	return res, err
}

func (r Repo) InsertPackingControl(ctx context.Context, p domain.PackingControl) error {
	_, err := r.exec(ctx, `INSERT INTO packing_controls(id,task_id,packages,notes,checked_by,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.TaskID, p.Packages, p.Notes, p.CheckedBy, p.CreatedAt)
	return err
}

func (r Repo) ListPackingControls(ctx context.Context, taskID string) ([]domain.PackingControl, error) {
	res := []domain.PackingControl{}
	err := r.selectAll(ctx, &res, `SELECT id,task_id,packages,notes,checked_by,created_at FROM packing_controls WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	return res, err
}

// DeleteTaskDependents removes history, quality and packing rows for a task and
// returns how many rows went in total.
func (r Repo) DeleteTaskDependents(ctx context.Context, taskID string) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM task_history WHERE task_id=?`,
		`DELETE FROM quality_controls WHERE task_id=?`,
		`DELETE FROM packing_controls WHERE task_id=?`,
	} {
		res, err := r.exec(ctx, q, taskID)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// CountTaskDependents reports rows still referencing the task from any dependent table.
func (r Repo) CountTaskDependents(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.get(ctx, &n, `SELECT
		(SELECT COUNT(*) FROM task_history WHERE task_id=?) +
		(SELECT COUNT(*) FROM quality_controls WHERE task_id=?) +
		(SELECT COUNT(*) FROM packing_controls WHERE task_id=?)`, taskID, taskID, taskID)
	return n, err
}
