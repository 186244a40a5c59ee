package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Task types. Kanbans carry one of these; tasks inherit it at creation.
const (
	TaskTypeOffer    = "OFFERTA"
	TaskTypeJob      = "LAVORO"
	TaskTypeInternal = "INTERNO"
)

// MaxPositions is the number of position lines a task can carry.
const MaxPositions = 8

func ValidTaskType(t string) bool {
	switch t {
	case TaskTypeOffer, TaskTypeJob, TaskTypeInternal:
		return true
	}
	return false
}

type Organization struct {
	ID        string `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

type Site struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Name           string `json:"name" db:"name"`
	CreatedAt      string `json:"created_at" db:"created_at" format:"date-time"`
}

type KanbanCategory struct {
	ID               string `json:"id" db:"id"`
	SiteID           string `json:"site_id" db:"site_id"`
	Name             string `json:"name" db:"name"`
	Internal         bool   `json:"internal" db:"internal"`
	InternalBaseCode *int   `json:"internal_base_code,omitempty" db:"internal_base_code"`
	CreatedAt        string `json:"created_at" db:"created_at" format:"date-time"`
}

// HasBaseCode reports whether tasks from this category get internal codes.
func (c *KanbanCategory) HasBaseCode() bool {
	return c != nil && c.Internal && c.InternalBaseCode != nil && *c.InternalBaseCode > 0
}

type Kanban struct {
	ID         string  `json:"id" db:"id"`
	SiteID     string  `json:"site_id" db:"site_id"`
	Name       string  `json:"name" db:"name"`
	TaskType   string  `json:"task_type" db:"task_type" enum:"OFFERTA,LAVORO,INTERNO"`
	CategoryID *string `json:"category_id,omitempty" db:"category_id"`
	CreatedAt  string  `json:"created_at" db:"created_at" format:"date-time"`
}

type KanbanColumn struct {
	ID        string `json:"id" db:"id"`
	KanbanID  string `json:"kanban_id" db:"kanban_id"`
	Name      string `json:"name" db:"name"`
	Position  int    `json:"position" db:"position"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

type Task struct {
	ID              string    `json:"id" db:"id"`
	SiteID          string    `json:"site_id" db:"site_id"`
	UniqueCode      string    `json:"unique_code" db:"unique_code"`
	TaskType        string    `json:"task_type" db:"task_type" enum:"OFFERTA,LAVORO,INTERNO"`
	KanbanID        string    `json:"kanban_id" db:"kanban_id"`
	KanbanColumnID  string    `json:"kanban_column_id" db:"kanban_column_id"`
	Archived        bool      `json:"archived" db:"archived"`
	ParentTaskID    *string   `json:"parent_task_id,omitempty" db:"parent_task_id"`
	ClientID        *string   `json:"client_id,omitempty" db:"client_id"`
	ProductID       *string   `json:"product_id,omitempty" db:"product_id"`
	Title           string    `json:"title" db:"title"`
	StartDate       *string   `json:"start_date,omitempty" db:"start_date" format:"date"`
	DeliveryDate    *string   `json:"delivery_date,omitempty" db:"delivery_date" format:"date"`
	Price           *float64  `json:"price,omitempty" db:"price"`
	Positions       Positions `json:"positions" db:"positions_json"`
	Notes           string    `json:"notes,omitempty" db:"notes"`
	CloudFolderURL  *string   `json:"cloud_folder_url,omitempty" db:"cloud_folder_url"`
	ProjectFilesURL *string   `json:"project_files_url,omitempty" db:"project_files_url"`
	CreatedBy       string    `json:"created_by" db:"created_by"`
	CreatedAt       string    `json:"created_at" db:"created_at" format:"date-time"`
	UpdatedAt       string    `json:"updated_at" db:"updated_at" format:"date-time"`
}

type TaskHistory struct {
	ID           string `json:"id" db:"id"`
	TaskID       string `json:"task_id" db:"task_id"`
	SnapshotJSON string `json:"snapshot_json" db:"snapshot_json"`
	ChangedBy    string `json:"changed_by" db:"changed_by"`
	CreatedAt    string `json:"created_at" db:"created_at" format:"date-time"`
}

type QualityControl struct {
	ID        string `json:"id" db:"id"`
	TaskID    string `json:"task_id" db:"task_id"`
	Outcome   string `json:"outcome" db:"outcome" enum:"passed,failed,rework"`
	Notes     string `json:"notes,omitempty" db:"notes"`
	CheckedBy string `json:"checked_by" db:"checked_by"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

type PackingControl struct {
	ID        string `json:"id" db:"id"`
	TaskID    string `json:"task_id" db:"task_id"`
	Packages  int    `json:"packages" db:"packages"`
	Notes     string `json:"notes,omitempty" db:"notes"`
	CheckedBy string `json:"checked_by" db:"checked_by"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

// ActionRecord is one append-only audit entry.
type ActionRecord struct {
	ID             string  `json:"id" db:"id"`
	Type           string  `json:"type" db:"type"`
	DataJSON       string  `json:"data_json" db:"data_json"`
	UserID         string  `json:"user_id" db:"user_id"`
	SiteID         *string `json:"site_id,omitempty" db:"site_id"`
	OrganizationID *string `json:"organization_id,omitempty" db:"organization_id"`
	CreatedAt      string  `json:"created_at" db:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id" db:"id"`
	ActorID   string `json:"actor_id" db:"actor_id"`
	SiteID    string `json:"site_id" db:"site_id"`
	Name      string `json:"name,omitempty" db:"name"`
	KeyHash   string `json:"key_hash" db:"key_hash"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

// Namespace scopes a sequence counter to one site.
type Namespace struct {
	SiteID string
	Key    string
}

func (n Namespace) String() string {
	return n.SiteID + "/" + n.Key
}

// Positions is the ordered list of position lines on a task, stored as a JSON array.
type Positions []string

func (p Positions) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Positions) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = Positions{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("positions: unsupported type %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	*p = out
	return nil
}
