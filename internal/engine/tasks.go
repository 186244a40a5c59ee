package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsboard/internal/audit"
	"opsboard/internal/codes"
	"opsboard/internal/domain"
	"opsboard/internal/engine/auth"
	"opsboard/internal/repo"
)

// TaskInput carries the fields of a new task.
type TaskInput struct {
	KanbanID     string
	ColumnID     *string
	ParentTaskID *string
	ClientID     *string
	ProductID    *string
	Title        string
	StartDate    *string
	DeliveryDate *string
	Price        *float64
	Positions    []string
	Notes        string
}

// TaskPatch lists the fields to change. Nil leaves a field as it is; an empty
// string clears an optional reference.
type TaskPatch struct {
	KanbanID     *string
	ColumnID     *string
	ParentTaskID *string
	ClientID     *string
	ProductID    *string
	Title        *string
	StartDate    *string
	DeliveryDate *string
	Price        *float64
	ClearPrice   bool
	Positions    *[]string
	Notes        *string
}

const dateLayout = "2006-01-02"

func validateDates(start, delivery *string) error {
	var s, d time.Time
	var err error
	if start != nil && *start != "" {
		if s, err = time.Parse(dateLayout, *start); err != nil {
			return invalid("start_date", "expected YYYY-MM-DD")
		}
	}
	if delivery != nil && *delivery != "" {
		if d, err = time.Parse(dateLayout, *delivery); err != nil {
			return invalid("delivery_date", "expected YYYY-MM-DD")
		}
	}
	if !s.IsZero() && !d.IsZero() && d.Before(s) {
		return invalid("delivery_date", "delivery date is before start date")
	}
	return nil
}

func validateFields(price *float64, positions []string) error {
	if price != nil && (*price < 0 || math.IsNaN(*price) || math.IsInf(*price, 0)) {
		return invalid("price", "price must be a non-negative number")
	}
	if len(positions) > domain.MaxPositions {
		return invalid("positions", fmt.Sprintf("at most %d positions allowed", domain.MaxPositions))
	}
	return nil
}

func cleanPositions(in []string) domain.Positions {
	out := domain.Positions{}
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func emptyToNil(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}

func validateScope(s Scope) error {
	if s.SiteID == "" {
		return invalid("site_id", "site is required")
	}
	if s.UserID == "" {
		return invalid("user_id", "user is required")
	}
	return nil
}

// CreateTask allocates a code for the task, places it on its kanban and stores it.
func (e Engine) CreateTask(ctx context.Context, in TaskInput, s Scope) (domain.Task, error) {
	if err := validateScope(s); err != nil {
		return domain.Task{}, err
	}
	if in.KanbanID == "" {
		return domain.Task{}, invalid("kanban_id", "kanban is required")
	}
	positions := cleanPositions(in.Positions)
	if err := validateFields(in.Price, positions); err != nil {
		return domain.Task{}, err
	}
	if err := validateDates(in.StartDate, in.DeliveryDate); err != nil {
		return domain.Task{}, err
	}

	tx, r, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	site, err := r.GetSite(ctx, s.SiteID)
	if err != nil {
		return domain.Task{}, storeErr("load site", err)
	}
	kb, err := r.GetKanban(ctx, in.KanbanID)
	if err != nil {
		return domain.Task{}, storeErr("load kanban", err)
	}
	if err := auth.RequireSite("kanban", kb.SiteID, s.SiteID); err != nil {
		return domain.Task{}, err
	}
	category, err := e.kanbanCategory(ctx, r, kb)
	if err != nil {
		return domain.Task{}, err
	}
	taskType := codes.TaskTypeFor(kb.TaskType, category)
	parentID := emptyToNil(in.ParentTaskID)
	if parentID != nil {
		if err := e.checkParentOffer(ctx, r, *parentID, taskType, s.SiteID); err != nil {
			return domain.Task{}, err
		}
	}
	ns, err := codes.NamespaceFor(s.SiteID, taskType, category)
	if err != nil {
		return domain.Task{}, err
	}
	columnID, err := e.resolver(r).Resolve(ctx, kb.ID, in.ColumnID)
	if err != nil {
		return domain.Task{}, err
	}
	seq, err := e.allocator().Allocate(ctx, tx, ns)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	code, err := e.Codes.Format(codes.Input{
		SiteID:   s.SiteID,
		TaskType: taskType,
		Sequence: seq,
		Year:     now.Year(),
		Category: category,
	})
	if err != nil {
		return domain.Task{}, err
	}
	ts := e.timestamp()
	t := domain.Task{
		ID:             uuid.NewString(),
		SiteID:         s.SiteID,
		UniqueCode:     code,
		TaskType:       taskType,
		KanbanID:       kb.ID,
		KanbanColumnID: columnID,
		ParentTaskID:   parentID,
		ClientID:       emptyToNil(in.ClientID),
		ProductID:      emptyToNil(in.ProductID),
		Title:          strings.TrimSpace(in.Title),
		StartDate:      emptyToNil(in.StartDate),
		DeliveryDate:   emptyToNil(in.DeliveryDate),
		Price:          in.Price,
		Positions:      positions,
		Notes:          in.Notes,
		CreatedBy:      s.UserID,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if err := r.InsertTask(ctx, t); err != nil {
		return domain.Task{}, storeErr("insert task", err)
	}
	if err := commit(tx); err != nil {
		return domain.Task{}, err
	}

	e.provisionFolders(ctx, &t)
	e.record(ctx, s, site.OrganizationID, audit.TaskCreate, audit.Payload{
		"task_id":          t.ID,
		"unique_code":      t.UniqueCode,
		"task_type":        t.TaskType,
		"kanban_id":        t.KanbanID,
		"kanban_column_id": t.KanbanColumnID,
		"parent_task_id":   t.ParentTaskID,
	})
	return t, nil
}

func (e Engine) kanbanCategory(ctx context.Context, r repo.Repo, kb domain.Kanban) (*domain.KanbanCategory, error) {
	if kb.CategoryID == nil || *kb.CategoryID == "" {
		return nil, nil
	}
	c, err := r.GetCategory(ctx, *kb.CategoryID)
	if err != nil {
		return nil, storeErr("load category", err)
	}
	if c.SiteID != kb.SiteID {
		return nil, ConfigurationError{Message: "kanban category belongs to another site"}
	}
	return &c, nil
}

// checkParentOffer enforces that only jobs link to a parent, and that the
// parent is an offer of the same site.
func (e Engine) checkParentOffer(ctx context.Context, r repo.Repo, parentID, childType, siteID string) error {
	parent, err := r.GetTask(ctx, parentID)
	if err != nil {
		return storeErr("load parent task", err)
	}
	if err := auth.RequireSite("task", parent.SiteID, siteID); err != nil {
		return err
	}
	if parent.TaskType != domain.TaskTypeOffer {
		return invalid("parent_task_id", "parent must be an offer")
	}
	if childType != domain.TaskTypeJob {
		return invalid("parent_task_id", "only jobs can be created from an offer")
	}
	return nil
}

func (e Engine) provisionFolders(ctx context.Context, t *domain.Task) {
	if e.Folders == nil {
		return
	}
	f, err := e.Folders.Provision(ctx, t.SiteID, t.UniqueCode)
	if err != nil {
		e.logger().WarnContext(ctx, "folder provisioning failed", "task_id", t.ID, "unique_code", t.UniqueCode, "error", err)
		return
	}
	if f.CloudURL == "" && f.FilesURL == "" {
		return
	}
	cloud, files := optionalString(f.CloudURL), optionalString(f.FilesURL)
	if err := e.Repo.SetTaskFolders(ctx, t.ID, cloud, files); err != nil {
		e.logger().WarnContext(ctx, "storing folder urls failed", "task_id", t.ID, "error", err)
		return
	}
	t.CloudFolderURL, t.ProjectFilesURL = cloud, files
}

// loadOwned reads a task inside the transaction and checks it belongs to the site.
func loadOwned(ctx context.Context, r repo.Repo, id, siteID string) (domain.Task, domain.Site, error) {
	if id == "" {
		return domain.Task{}, domain.Site{}, invalid("task_id", "task is required")
	}
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, domain.Site{}, storeErr("load task", err)
	}
	if err := auth.RequireSite("task", t.SiteID, siteID); err != nil {
		return domain.Task{}, domain.Site{}, err
	}
	site, err := r.GetSite(ctx, siteID)
	if err != nil {
		return domain.Task{}, domain.Site{}, storeErr("load site", err)
	}
	return t, site, nil
}

func (e Engine) snapshot(ctx context.Context, r repo.Repo, prev domain.Task, userID string) error {
	data, err := json.Marshal(prev)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	h := domain.TaskHistory{
		ID:           uuid.NewString(),
		TaskID:       prev.ID,
		SnapshotJSON: string(data),
		ChangedBy:    userID,
		CreatedAt:    e.timestamp(),
	}
	return storeErr("insert history", r.InsertTaskHistory(ctx, h))
}

// UpdateTask applies patch to a task of the scope's site. Moving to another
// kanban always lands the task in that kanban's first column.
func (e Engine) UpdateTask(ctx context.Context, id string, patch TaskPatch, s Scope) (domain.Task, error) {
	if err := validateScope(s); err != nil {
		return domain.Task{}, err
	}
	tx, r, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, site, err := loadOwned(ctx, r, id, s.SiteID)
	if err != nil {
		return domain.Task{}, err
	}
	prev := t

	if patch.KanbanID != nil && *patch.KanbanID != "" && *patch.KanbanID != t.KanbanID {
		kb, err := r.GetKanban(ctx, *patch.KanbanID)
		if err != nil {
			return domain.Task{}, storeErr("load kanban", err)
		}
		if err := auth.RequireSite("kanban", kb.SiteID, s.SiteID); err != nil {
			return domain.Task{}, err
		}
		category, err := e.kanbanCategory(ctx, r, kb)
		if err != nil {
			return domain.Task{}, err
		}
		if holds := codes.TaskTypeFor(kb.TaskType, category); holds != t.TaskType {
			return domain.Task{}, invalid("kanban_id", fmt.Sprintf("kanban holds %s tasks, task is %s", holds, t.TaskType))
		}
		col, err := e.resolver(r).First(ctx, kb.ID)
		if err != nil {
			return domain.Task{}, err
		}
		t.KanbanID, t.KanbanColumnID = kb.ID, col
	} else if patch.ColumnID != nil && *patch.ColumnID != t.KanbanColumnID {
		col, err := e.resolver(r).Resolve(ctx, t.KanbanID, patch.ColumnID)
		if err != nil {
			return domain.Task{}, err
		}
		t.KanbanColumnID = col
	}

	if patch.ParentTaskID != nil {
		if *patch.ParentTaskID == "" {
			t.ParentTaskID = nil
		} else {
			if *patch.ParentTaskID == t.ID {
				return domain.Task{}, invalid("parent_task_id", "task cannot be its own parent")
			}
			if err := e.checkParentOffer(ctx, r, *patch.ParentTaskID, t.TaskType, s.SiteID); err != nil {
				return domain.Task{}, err
			}
			t.ParentTaskID = patch.ParentTaskID
		}
	}
	if patch.ClientID != nil {
		t.ClientID = emptyToNil(patch.ClientID)
	}
	if patch.ProductID != nil {
		t.ProductID = emptyToNil(patch.ProductID)
	}
	if patch.Title != nil {
		t.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.StartDate != nil {
		t.StartDate = emptyToNil(patch.StartDate)
	}
	if patch.DeliveryDate != nil {
		t.DeliveryDate = emptyToNil(patch.DeliveryDate)
	}
	if patch.ClearPrice {
		t.Price = nil
	} else if patch.Price != nil {
		t.Price = patch.Price
	}
	if patch.Positions != nil {
		t.Positions = cleanPositions(*patch.Positions)
	}
	if patch.Notes != nil {
		t.Notes = *patch.Notes
	}
	if err := validateFields(t.Price, t.Positions); err != nil {
		return domain.Task{}, err
	}
	if err := validateDates(t.StartDate, t.DeliveryDate); err != nil {
		return domain.Task{}, err
	}

	if err := e.snapshot(ctx, r, prev, s.UserID); err != nil {
		return domain.Task{}, err
	}
	t.UpdatedAt = e.timestamp()
	if err := r.UpdateTask(ctx, t); err != nil {
		return domain.Task{}, storeErr("update task", err)
	}
	if err := commit(tx); err != nil {
		return domain.Task{}, err
	}

	data := audit.Payload{"task_id": t.ID, "unique_code": t.UniqueCode}
	if prev.KanbanID != t.KanbanID {
		data["from_kanban_id"], data["kanban_id"] = prev.KanbanID, t.KanbanID
	}
	if prev.KanbanColumnID != t.KanbanColumnID {
		data["from_column_id"], data["kanban_column_id"] = prev.KanbanColumnID, t.KanbanColumnID
	}
	e.record(ctx, s, site.OrganizationID, audit.TaskUpdate, data)
	return t, nil
}

// MoveTask moves a task to another column of its current kanban. A column
// from another kanban is ignored in favour of the first column.
func (e Engine) MoveTask(ctx context.Context, id, columnID string, s Scope) (domain.Task, error) {
	if err := validateScope(s); err != nil {
		return domain.Task{}, err
	}
	if columnID == "" {
		return domain.Task{}, invalid("kanban_column_id", "column is required")
	}
	tx, r, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, site, err := loadOwned(ctx, r, id, s.SiteID)
	if err != nil {
		return domain.Task{}, err
	}
	from := t.KanbanColumnID
	col, err := e.resolver(r).Resolve(ctx, t.KanbanID, &columnID)
	if err != nil {
		return domain.Task{}, err
	}
	if col == from {
		return t, nil
	}
	if err := e.snapshot(ctx, r, t, s.UserID); err != nil {
		return domain.Task{}, err
	}
	t.KanbanColumnID = col
	t.UpdatedAt = e.timestamp()
	if err := r.SetTaskColumn(ctx, t.ID, col, t.UpdatedAt); err != nil {
		return domain.Task{}, storeErr("move task", err)
	}
	if err := commit(tx); err != nil {
		return domain.Task{}, err
	}
	e.record(ctx, s, site.OrganizationID, audit.TaskMove, audit.Payload{
		"task_id":          t.ID,
		"unique_code":      t.UniqueCode,
		"from_column_id":   from,
		"kanban_column_id": col,
	})
	return t, nil
}

// ArchiveTask sets the archived flag. The column is left untouched.
func (e Engine) ArchiveTask(ctx context.Context, id string, archived bool, s Scope) (domain.Task, error) {
	if err := validateScope(s); err != nil {
		return domain.Task{}, err
	}
	tx, r, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, site, err := loadOwned(ctx, r, id, s.SiteID)
	if err != nil {
		return domain.Task{}, err
	}
	t.Archived = archived
	t.UpdatedAt = e.timestamp()
	if err := r.SetTaskArchived(ctx, t.ID, archived, t.UpdatedAt); err != nil {
		return domain.Task{}, storeErr("archive task", err)
	}
	if err := commit(tx); err != nil {
		return domain.Task{}, err
	}
	typ := audit.TaskArchive
	if !archived {
		typ = audit.TaskUnarchive
	}
	e.record(ctx, s, site.OrganizationID, typ, audit.Payload{"task_id": t.ID, "unique_code": t.UniqueCode})
	return t, nil
}

// DeleteTask removes a task with its history, quality and packing records.
// Jobs created from the task keep existing with their parent link cleared.
func (e Engine) DeleteTask(ctx context.Context, id string, s Scope) error {
	if err := validateScope(s); err != nil {
		return err
	}
	tx, r, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, site, err := loadOwned(ctx, r, id, s.SiteID)
	if err != nil {
		return err
	}
	removed, err := r.DeleteTaskDependents(ctx, t.ID)
	if err != nil {
		return storeErr("delete dependents", err)
	}
	detached, err := r.DetachChildren(ctx, t.ID, e.timestamp())
	if err != nil {
		return storeErr("detach children", err)
	}
	if err := r.DeleteTask(ctx, t.ID); err != nil {
		return storeErr("delete task", err)
	}
	if err := commit(tx); err != nil {
		return err
	}
	e.record(ctx, s, site.OrganizationID, audit.TaskDelete, audit.Payload{
		"task_id":            t.ID,
		"unique_code":        t.UniqueCode,
		"dependents_removed": removed,
		"children_detached":  detached,
	})
	return nil
}

// PromoteOffer creates a job from an offer, linked to it as parent.
func (e Engine) PromoteOffer(ctx context.Context, offerID, jobKanbanID string, columnID *string, s Scope) (domain.Task, error) {
	if err := validateScope(s); err != nil {
		return domain.Task{}, err
	}
	offer, err := e.GetTask(ctx, offerID, s.SiteID)
	if err != nil {
		return domain.Task{}, err
	}
	if offer.TaskType != domain.TaskTypeOffer {
		return domain.Task{}, invalid("task_id", "only offers can be promoted")
	}
	return e.CreateTask(ctx, TaskInput{
		KanbanID:     jobKanbanID,
		ColumnID:     columnID,
		ParentTaskID: &offer.ID,
		ClientID:     offer.ClientID,
		ProductID:    offer.ProductID,
		Title:        offer.Title,
		StartDate:    offer.StartDate,
		DeliveryDate: offer.DeliveryDate,
		Price:        offer.Price,
		Positions:    offer.Positions,
		Notes:        offer.Notes,
	}, s)
}

// GetTask returns a task of siteID. Tasks of other sites read as not found.
func (e Engine) GetTask(ctx context.Context, id, siteID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, storeErr("load task", err)
	}
	if t.SiteID != siteID {
		return domain.Task{}, fmt.Errorf("load task: %w", repo.ErrNotFound)
	}
	return t, nil
}

func (e Engine) GetTaskByCode(ctx context.Context, siteID, code string) (domain.Task, error) {
	t, err := e.Repo.GetTaskByCode(ctx, siteID, code)
	return t, storeErr("load task", err)
}

type TaskFilter = repo.TaskFilter

func (e Engine) ListTasks(ctx context.Context, siteID string, f TaskFilter) ([]domain.Task, error) {
	if siteID == "" {
		return nil, invalid("site_id", "site is required")
	}
	f.SiteID = siteID
	tasks, err := e.Repo.ListTasks(ctx, f)
	return tasks, storeErr("list tasks", err)
}

func (e Engine) TaskHistory(ctx context.Context, id, siteID string) ([]domain.TaskHistory, error) {
	if _, err := e.GetTask(ctx, id, siteID); err != nil {
		return nil, err
	}
	h, err := e.Repo.ListTaskHistory(ctx, id)
	return h, storeErr("list history", err)
}

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
