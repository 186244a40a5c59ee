package server

import (
	"opsboard/internal/domain"
	"opsboard/internal/engine"
	"opsboard/internal/sequence"
)

// Request payloads

type CreateTaskRequest struct {
	KanbanID       string   `json:"kanban_id"`
	KanbanColumnID *string  `json:"kanban_column_id,omitempty"`
	ParentTaskID   *string  `json:"parent_task_id,omitempty"`
	ClientID       *string  `json:"client_id,omitempty"`
	ProductID      *string  `json:"product_id,omitempty"`
	Title          string   `json:"title,omitempty"`
	StartDate      *string  `json:"start_date,omitempty" format:"date"`
	DeliveryDate   *string  `json:"delivery_date,omitempty" format:"date"`
	Price          *float64 `json:"price,omitempty" minimum:"0"`
	Positions      []string `json:"positions,omitempty" maxItems:"8"`
	Notes          string   `json:"notes,omitempty"`
}

type UpdateTaskRequest struct {
	KanbanID       *string  `json:"kanban_id,omitempty"`
	KanbanColumnID *string  `json:"kanban_column_id,omitempty"`
	ParentTaskID   *string  `json:"parent_task_id,omitempty"`
	ClientID       *string  `json:"client_id,omitempty"`
	ProductID      *string  `json:"product_id,omitempty"`
	Title          *string  `json:"title,omitempty"`
	StartDate      *string  `json:"start_date,omitempty"`
	DeliveryDate   *string  `json:"delivery_date,omitempty"`
	Price          *float64 `json:"price,omitempty" nullable:"true"`
	Positions      []string `json:"positions,omitempty" maxItems:"8"`
	Notes          *string  `json:"notes,omitempty"`
}

type MoveTaskRequest struct {
	KanbanColumnID string `json:"kanban_column_id"`
}

type ArchiveTaskRequest struct {
	Archived bool `json:"archived"`
}

type PromoteOfferRequest struct {
	KanbanID       string  `json:"kanban_id"`
	KanbanColumnID *string `json:"kanban_column_id,omitempty"`
}

type CreateCategoryRequest struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	Internal         bool   `json:"internal,omitempty"`
	InternalBaseCode *int   `json:"internal_base_code,omitempty" minimum:"1"`
}

type CreateKanbanRequest struct {
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name"`
	TaskType   string   `json:"task_type" enum:"OFFERTA,LAVORO,INTERNO"`
	CategoryID string   `json:"category_id,omitempty"`
	Columns    []string `json:"columns,omitempty"`
}

type CreateColumnRequest struct {
	Name     string `json:"name"`
	Position int    `json:"position,omitempty" minimum:"0"`
}

type QualityControlRequest struct {
	Outcome string `json:"outcome" enum:"passed,failed,rework"`
	Notes   string `json:"notes,omitempty"`
}

type PackingControlRequest struct {
	Packages int    `json:"packages" minimum:"0"`
	Notes    string `json:"notes,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	SiteID  string `json:"site_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	SiteID  string `json:"site_id"`
	Source  string `json:"source"`
}

type KanbanResponse struct {
	domain.Kanban
	Columns []domain.KanbanColumn `json:"columns"`
}

type ListTasksResponse struct {
	Items []domain.Task `json:"items"`
}

type ListActionsResponse struct {
	Items []domain.ActionRecord `json:"items"`
}

type ListCountersResponse struct {
	Items []sequence.Counter `json:"items"`
}

func taskInput(in CreateTaskRequest) engine.TaskInput {
	return engine.TaskInput{
		KanbanID:     in.KanbanID,
		ColumnID:     in.KanbanColumnID,
		ParentTaskID: in.ParentTaskID,
		ClientID:     in.ClientID,
		ProductID:    in.ProductID,
		Title:        in.Title,
		StartDate:    in.StartDate,
		DeliveryDate: in.DeliveryDate,
		Price:        in.Price,
		Positions:    in.Positions,
		Notes:        in.Notes,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
