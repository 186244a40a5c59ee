package repo

import (
	"context"

	"opsboard/internal/domain"
)

func (r Repo) InsertActionRecord(ctx context.Context, a domain.ActionRecord) error {
	_, err := r.exec(ctx, `INSERT INTO action_records(id,type,data_json,user_id,site_id,organization_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Type, a.DataJSON, a.UserID, a.SiteID, a.OrganizationID, a.CreatedAt)
	return err
}

type ActionFilter struct {
	SiteID string
	Type   string
	Limit  int
}

// ListActionRecords returns audit entries oldest first.
func (r Repo) ListActionRecords(ctx context.Context, f ActionFilter) ([]domain.ActionRecord, error) {
	query := `SELECT id,type,data_json,user_id,site_id,organization_id,created_at FROM action_records WHERE 1=1`
	var args []any
	if f.SiteID != "" {
		query += ` AND site_id=?`
		args = append(args, f.SiteID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	res := []domain.ActionRecord{}
	err := r.selectAll(ctx, &res, query, args...)
	return res, err
}
