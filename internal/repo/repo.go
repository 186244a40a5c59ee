package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"opsboard/internal/domain"
)

// Repo runs queries against either the pool or an open transaction. Inside a
// transaction always use Tx(tx) so reads observe the same snapshot and do not
// wait on a second pool connection.
type Repo struct {
	DB sqlx.ExtContext
}

var ErrNotFound = errors.New("not found")

func New(db *sqlx.DB) Repo {
	return Repo{DB: db}
}

// Tx returns a Repo bound to tx.
func (r Repo) Tx(tx *sqlx.Tx) Repo {
	return Repo{DB: tx}
}

func (r Repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.DB.ExecContext(ctx, r.DB.Rebind(query), args...)
}

func (r Repo) get(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, r.DB, dest, r.DB.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r Repo) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, r.DB, dest, r.DB.Rebind(query), args...)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (r Repo) InsertOrganization(ctx context.Context, o domain.Organization) error {
	_, err := r.exec(ctx, `INSERT INTO organizations(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`,
		o.ID, o.Name, o.CreatedAt)
	return err
}

func (r Repo) InsertSite(ctx context.Context, s domain.Site) error {
	_, err := r.exec(ctx, `INSERT INTO sites(id,organization_id,name,created_at) VALUES (?,?,?,?)`,
		s.ID, s.OrganizationID, s.Name, s.CreatedAt)
	return err
}

func (r Repo) GetSite(ctx context.Context, id string) (domain.Site, error) {
	var s domain.Site
	err := r.get(ctx, &s, `SELECT id,organization_id,name,created_at FROM sites WHERE id=?`, id)
	return s, err
}

func (r Repo) ListSites(ctx context.Context) ([]domain.Site, error) {
	res := []domain.Site{}
	err := r.selectAll(ctx, &res, `SELECT id,organization_id,name,created_at FROM sites ORDER BY created_at, id`)
	return res, err
}

func (r Repo) InsertCategory(ctx context.Context, c domain.KanbanCategory) error {
	_, err := r.exec(ctx, `INSERT INTO kanban_categories(id,site_id,name,internal,internal_base_code,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.SiteID, c.Name, c.Internal, c.InternalBaseCode, c.CreatedAt)
	return err
}

func (r Repo) GetCategory(ctx context.Context, id string) (domain.KanbanCategory, error) {
	var c domain.KanbanCategory
	err := r.get(ctx, &c, `SELECT id,site_id,name,internal,internal_base_code,created_at FROM kanban_categories WHERE id=?`, id)
	return c, err
}

func (r Repo) ListCategories(ctx context.Context, siteID string) ([]domain.KanbanCategory, error) {
	res := []domain.KanbanCategory{}
	err := r.selectAll(ctx, &res, `SELECT id,site_id,name,internal,internal_base_code,created_at FROM kanban_categories WHERE site_id=? ORDER BY name, id`, siteID)
	return res, err
}

func (r Repo) InsertKanban(ctx context.Context, k domain.Kanban) error {
	_, err := r.exec(ctx, `INSERT INTO kanbans(id,site_id,name,task_type,category_id,created_at) VALUES (?,?,?,?,?,?)`,
		k.ID, k.SiteID, k.Name, k.TaskType, k.CategoryID, k.CreatedAt)
	return err
}

func (r Repo) GetKanban(ctx context.Context, id string) (domain.Kanban, error) {
	var k domain.Kanban
	err := r.get(ctx, &k, `SELECT id,site_id,name,task_type,category_id,created_at FROM kanbans WHERE id=?`, id)
	return k, err
}

func (r Repo) ListKanbans(ctx context.Context, siteID string) ([]domain.Kanban, error) {
	res := []domain.Kanban{}
	err := r.selectAll(ctx, &res, `SELECT id,site_id,name,task_type,category_id,created_at FROM kanbans WHERE site_id=? ORDER BY name, id`, siteID)
	return res, err
}

func (r Repo) InsertColumn(ctx context.Context, c domain.KanbanColumn) error {
	_, err := r.exec(ctx, `INSERT INTO kanban_columns(id,kanban_id,name,position,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.KanbanID, c.Name, c.Position, c.CreatedAt)
	return err
}

func (r Repo) GetColumn(ctx context.Context, id string) (domain.KanbanColumn, error) {
	var c domain.KanbanColumn
	err := r.get(ctx, &c, `SELECT id,kanban_id,name,position,created_at FROM kanban_columns WHERE id=?`, id)
	return c, err
}

// ColumnsByKanban returns the kanban's columns in board order.
func (r Repo) ColumnsByKanban(ctx context.Context, kanbanID string) ([]domain.KanbanColumn, error) {
	res := []domain.KanbanColumn{}
	err := r.selectAll(ctx, &res, `SELECT id,kanban_id,name,position,created_at FROM kanban_columns WHERE kanban_id=? ORDER BY position ASC, id ASC`, kanbanID)
	return res, err
}

// NextColumnPosition returns the position after the last column of the kanban.
func (r Repo) NextColumnPosition(ctx context.Context, kanbanID string) (int, error) {
	var pos int
	err := r.get(ctx, &pos, `SELECT COALESCE(MAX(position),0)+1 FROM kanban_columns WHERE kanban_id=?`, kanbanID)
	return pos, err
}
