package repo

import (
	"context"
	"strings"

	"opsboard/internal/domain"
)

const taskColumns = `id,site_id,unique_code,task_type,kanban_id,kanban_column_id,archived,parent_task_id,client_id,product_id,title,start_date,delivery_date,price,positions_json,notes,cloud_folder_url,project_files_url,created_by,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.exec(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SiteID, t.UniqueCode, t.TaskType, t.KanbanID, t.KanbanColumnID, t.Archived, t.ParentTaskID,
		t.ClientID, t.ProductID, t.Title, t.StartDate, t.DeliveryDate, t.Price, t.Positions, t.Notes,
		t.CloudFolderURL, t.ProjectFilesURL, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTask rewrites the mutable fields of a task. Identity, site and code never change.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	res, err := r.exec(ctx, `UPDATE tasks SET kanban_id=?, kanban_column_id=?, archived=?, parent_task_id=?, client_id=?, product_id=?, title=?, start_date=?, delivery_date=?, price=?, positions_json=?, notes=?, updated_at=? WHERE id=?`,
		t.KanbanID, t.KanbanColumnID, t.Archived, t.ParentTaskID, t.ClientID, t.ProductID, t.Title,
		t.StartDate, t.DeliveryDate, t.Price, t.Positions, t.Notes, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r Repo) SetTaskColumn(ctx context.Context, id, columnID, updatedAt string) error {
	res, err := r.exec(ctx, `UPDATE tasks SET kanban_column_id=?, updated_at=? WHERE id=?`, columnID, updatedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r Repo) SetTaskArchived(ctx context.Context, id string, archived bool, updatedAt string) error {
	res, err := r.exec(ctx, `UPDATE tasks SET archived=?, updated_at=? WHERE id=?`, archived, updatedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r Repo) SetTaskFolders(ctx context.Context, id string, cloudURL, filesURL *string) error {
	_, err := r.exec(ctx, `UPDATE tasks SET cloud_folder_url=?, project_files_url=? WHERE id=?`, cloudURL, filesURL, id)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := r.get(ctx, &t, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return t, err
}

func (r Repo) GetTaskByCode(ctx context.Context, siteID, code string) (domain.Task, error) {
	var t domain.Task
	err := r.get(ctx, &t, `SELECT `+taskColumns+` FROM tasks WHERE site_id=? AND unique_code=?`, siteID, code)
	return t, err
}

type TaskFilter struct {
	SiteID          string
	KanbanID        string
	ColumnID        string
	TaskType        string
	ParentTaskID    string
	IncludeArchived bool
	Limit           int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.SiteID != "" {
		add("site_id=?", f.SiteID)
	}
	if f.KanbanID != "" {
		add("kanban_id=?", f.KanbanID)
	}
	if f.ColumnID != "" {
		add("kanban_column_id=?", f.ColumnID)
	}
	if f.TaskType != "" {
		add("task_type=?", f.TaskType)
	}
	if f.ParentTaskID != "" {
		add("parent_task_id=?", f.ParentTaskID)
	}
	if !f.IncludeArchived {
		add("archived=?", false)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	res := []domain.Task{}
	err := r.selectAll(ctx, &res, query, args...)
	return res, err
}

// DetachChildren clears parent_task_id on every task that points at parentID.
func (r Repo) DetachChildren(ctx context.Context, parentID, updatedAt string) (int64, error) {
	res, err := r.exec(ctx, `UPDATE tasks SET parent_task_id=NULL, updated_at=? WHERE parent_task_id=?`, updatedAt, parentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
