package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"opsboard/internal/domain"
	"opsboard/internal/engine/auth"
	"opsboard/internal/repo"
)

func newID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}

// CreateOrganization is idempotent on id.
func (e Engine) CreateOrganization(ctx context.Context, id, name string) (domain.Organization, error) {
	o := domain.Organization{ID: newID(id), Name: strings.TrimSpace(name), CreatedAt: e.timestamp()}
	if o.Name == "" {
		o.Name = o.ID
	}
	if err := e.Repo.InsertOrganization(ctx, o); err != nil {
		return domain.Organization{}, storeErr("insert organization", err)
	}
	return o, nil
}

// CreateSite creates a site and its organization when missing.
func (e Engine) CreateSite(ctx context.Context, id, orgID, name string) (domain.Site, error) {
	if orgID == "" {
		return domain.Site{}, invalid("organization_id", "organization is required")
	}
	tx, r, err := e.begin(ctx)
	if err != nil {
		return domain.Site{}, err
	}
	defer tx.Rollback()
	ts := e.timestamp()
	if err := r.InsertOrganization(ctx, domain.Organization{ID: orgID, Name: orgID, CreatedAt: ts}); err != nil {
		return domain.Site{}, storeErr("ensure organization", err)
	}
	s := domain.Site{ID: newID(id), OrganizationID: orgID, Name: strings.TrimSpace(name), CreatedAt: ts}
	if s.Name == "" {
		s.Name = s.ID
	}
	if err := r.InsertSite(ctx, s); err != nil {
		return domain.Site{}, storeErr("insert site", err)
	}
	if err := commit(tx); err != nil {
		return domain.Site{}, err
	}
	return s, nil
}

func (e Engine) GetSite(ctx context.Context, id string) (domain.Site, error) {
	s, err := e.Repo.GetSite(ctx, id)
	return s, storeErr("load site", err)
}

func (e Engine) ListSites(ctx context.Context) ([]domain.Site, error) {
	s, err := e.Repo.ListSites(ctx)
	return s, storeErr("list sites", err)
}

type CategoryInput struct {
	ID               string
	Name             string
	Internal         bool
	InternalBaseCode *int
}

func (e Engine) CreateCategory(ctx context.Context, in CategoryInput, siteID string) (domain.KanbanCategory, error) {
	if siteID == "" {
		return domain.KanbanCategory{}, invalid("site_id", "site is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return domain.KanbanCategory{}, invalid("name", "name is required")
	}
	if in.InternalBaseCode != nil {
		if !in.Internal {
			return domain.KanbanCategory{}, invalid("internal_base_code", "only internal categories carry a base code")
		}
		if *in.InternalBaseCode < 1 {
			return domain.KanbanCategory{}, invalid("internal_base_code", "base code must be positive")
		}
	}
	c := domain.KanbanCategory{
		ID:               newID(in.ID),
		SiteID:           siteID,
		Name:             strings.TrimSpace(in.Name),
		Internal:         in.Internal,
		InternalBaseCode: in.InternalBaseCode,
		CreatedAt:        e.timestamp(),
	}
	if err := e.Repo.InsertCategory(ctx, c); err != nil {
		return domain.KanbanCategory{}, storeErr("insert category", err)
	}
	return c, nil
}

func (e Engine) ListCategories(ctx context.Context, siteID string) ([]domain.KanbanCategory, error) {
	c, err := e.Repo.ListCategories(ctx, siteID)
	return c, storeErr("list categories", err)
}

type KanbanInput struct {
	ID         string
	Name       string
	TaskType   string
	CategoryID string
	// Columns are created in order at positions 1..n.
	Columns []string
}

func (e Engine) CreateKanban(ctx context.Context, in KanbanInput, siteID string) (domain.Kanban, []domain.KanbanColumn, error) {
	if siteID == "" {
		return domain.Kanban{}, nil, invalid("site_id", "site is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return domain.Kanban{}, nil, invalid("name", "name is required")
	}
	if !domain.ValidTaskType(in.TaskType) {
		return domain.Kanban{}, nil, invalid("task_type", "task type must be OFFERTA, LAVORO or INTERNO")
	}
	tx, r, err := e.begin(ctx)
	if err != nil {
		return domain.Kanban{}, nil, err
	}
	defer tx.Rollback()

	if in.CategoryID != "" {
		c, err := r.GetCategory(ctx, in.CategoryID)
		if err != nil {
			return domain.Kanban{}, nil, storeErr("load category", err)
		}
		if err := auth.RequireSite("category", c.SiteID, siteID); err != nil {
			return domain.Kanban{}, nil, err
		}
		if c.HasBaseCode() && in.TaskType != domain.TaskTypeInternal {
			return domain.Kanban{}, nil, invalid("category_id", fmt.Sprintf("category %s numbers internal tasks; kanban task type must be %s", c.ID, domain.TaskTypeInternal))
		}
	} else if in.TaskType == domain.TaskTypeInternal {
		return domain.Kanban{}, nil, invalid("category_id", "internal kanbans need a category")
	}
	ts := e.timestamp()
	k := domain.Kanban{
		ID:         newID(in.ID),
		SiteID:     siteID,
		Name:       strings.TrimSpace(in.Name),
		TaskType:   in.TaskType,
		CategoryID: optionalString(in.CategoryID),
		CreatedAt:  ts,
	}
	if err := r.InsertKanban(ctx, k); err != nil {
		return domain.Kanban{}, nil, storeErr("insert kanban", err)
	}
	cols := make([]domain.KanbanColumn, 0, len(in.Columns))
	for i, name := range in.Columns {
		c := domain.KanbanColumn{ID: uuid.NewString(), KanbanID: k.ID, Name: name, Position: i + 1, CreatedAt: ts}
		if err := r.InsertColumn(ctx, c); err != nil {
			return domain.Kanban{}, nil, storeErr("insert column", err)
		}
		cols = append(cols, c)
	}
	if err := commit(tx); err != nil {
		return domain.Kanban{}, nil, err
	}
	return k, cols, nil
}

func (e Engine) GetKanban(ctx context.Context, id, siteID string) (domain.Kanban, error) {
	k, err := e.Repo.GetKanban(ctx, id)
	if err != nil {
		return domain.Kanban{}, storeErr("load kanban", err)
	}
	if k.SiteID != siteID {
		return domain.Kanban{}, storeErr("load kanban", repo.ErrNotFound)
	}
	return k, nil
}

func (e Engine) ListKanbans(ctx context.Context, siteID string) ([]domain.Kanban, error) {
	k, err := e.Repo.ListKanbans(ctx, siteID)
	return k, storeErr("list kanbans", err)
}

// AddColumn appends a column, or inserts it at position when one is given.
func (e Engine) AddColumn(ctx context.Context, kanbanID, name string, position int, siteID string) (domain.KanbanColumn, error) {
	if strings.TrimSpace(name) == "" {
		return domain.KanbanColumn{}, invalid("name", "name is required")
	}
	if position < 0 {
		return domain.KanbanColumn{}, invalid("position", "position must be positive")
	}
	tx, r, err := e.begin(ctx)
	if err != nil {
		return domain.KanbanColumn{}, err
	}
	defer tx.Rollback()

	k, err := r.GetKanban(ctx, kanbanID)
	if err != nil {
		return domain.KanbanColumn{}, storeErr("load kanban", err)
	}
	if err := auth.RequireSite("kanban", k.SiteID, siteID); err != nil {
		return domain.KanbanColumn{}, err
	}
	if position == 0 {
		if position, err = r.NextColumnPosition(ctx, kanbanID); err != nil {
			return domain.KanbanColumn{}, storeErr("next position", err)
		}
	}
	c := domain.KanbanColumn{ID: uuid.NewString(), KanbanID: kanbanID, Name: strings.TrimSpace(name), Position: position, CreatedAt: e.timestamp()}
	if err := r.InsertColumn(ctx, c); err != nil {
		return domain.KanbanColumn{}, storeErr("insert column", err)
	}
	if err := commit(tx); err != nil {
		return domain.KanbanColumn{}, err
	}
	return c, nil
}

func (e Engine) ListColumns(ctx context.Context, kanbanID, siteID string) ([]domain.KanbanColumn, error) {
	if _, err := e.GetKanban(ctx, kanbanID, siteID); err != nil {
		return nil, err
	}
	cols, err := e.Repo.ColumnsByKanban(ctx, kanbanID)
	return cols, storeErr("list columns", err)
}

var qualityOutcomes = map[string]bool{"passed": true, "failed": true, "rework": true}

func (e Engine) AddQualityControl(ctx context.Context, taskID, outcome, notes string, s Scope) (domain.QualityControl, error) {
	if err := validateScope(s); err != nil {
		return domain.QualityControl{}, err
	}
	if !qualityOutcomes[outcome] {
		return domain.QualityControl{}, invalid("outcome", "outcome must be passed, failed or rework")
	}
	tx, r, err := e.begin(ctx)
	if err != nil {
		return domain.QualityControl{}, err
	}
	defer tx.Rollback()
	t, _, err := loadOwned(ctx, r, taskID, s.SiteID)
	if err != nil {
		return domain.QualityControl{}, err
	}
	q := domain.QualityControl{ID: uuid.NewString(), TaskID: t.ID, Outcome: outcome, Notes: notes, CheckedBy: s.UserID, CreatedAt: e.timestamp()}
	if err := r.InsertQualityControl(ctx, q); err != nil {
		return domain.QualityControl{}, storeErr("insert quality control", err)
	}
	if err := commit(tx); err != nil {
		return domain.QualityControl{}, err
	}
	return q, nil
}

func (e Engine) AddPackingControl(ctx context.Context, taskID string, packages int, notes string, s Scope) (domain.PackingControl, error) {
	if err := validateScope(s); err != nil {
		return domain.PackingControl{}, err
	}
	if packages < 0 {
		return domain.PackingControl{}, invalid("packages", "packages must not be negative")
	}
	tx, r, err := e.begin(ctx)
	if err != nil {
		return domain.PackingControl{}, err
	}
	defer tx.Rollback()
	t, _, err := loadOwned(ctx, r, taskID, s.SiteID)
	if err != nil {
		return domain.PackingControl{}, err
	}
	p := domain.PackingControl{ID: uuid.NewString(), TaskID: t.ID, Packages: packages, Notes: notes, CheckedBy: s.UserID, CreatedAt: e.timestamp()}
	if err := r.InsertPackingControl(ctx, p); err != nil {
		return domain.PackingControl{}, storeErr("insert packing control", err)
	}
	if err := commit(tx); err != nil {
		return domain.PackingControl{}, err
	}
	return p, nil
}

func (e Engine) ListQualityControls(ctx context.Context, taskID, siteID string) ([]domain.QualityControl, error) {
	if _, err := e.GetTask(ctx, taskID, siteID); err != nil {
		return nil, err
	}
	q, err := e.Repo.ListQualityControls(ctx, taskID)
	return q, storeErr("list quality controls", err)
}

func (e Engine) ListPackingControls(ctx context.Context, taskID, siteID string) ([]domain.PackingControl, error) {
	if _, err := e.GetTask(ctx, taskID, siteID); err != nil {
		return nil, err
	}
	p, err := e.Repo.ListPackingControls(ctx, taskID)
	return p, storeErr("list packing controls", err)
}

func (e Engine) ListActions(ctx context.Context, siteID, typ string, limit int) ([]domain.ActionRecord, error) {
	if siteID == "" {
		return nil, invalid("site_id", "site is required")
	}
	a, err := e.Repo.ListActionRecords(ctx, repo.ActionFilter{SiteID: siteID, Type: typ, Limit: limit})
	return a, storeErr("list actions", err)
}

// CreateAPIKey issues a key for actorID on siteID. The plain key is returned
// once and only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, siteID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", invalid("actor_id", "actor is required")
	}
	if _, err := e.GetSite(ctx, siteID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "ob_" + hex.EncodeToString(buf)
	k := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		SiteID:    siteID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
		return domain.APIKey{}, "", storeErr("insert api key", err)
	}
	return k, plain, nil
}
