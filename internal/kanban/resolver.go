// Package kanban decides which column a task lands in.
package kanban

import (
	"context"
	"log/slog"
	"sort"

	"opsboard/internal/domain"
)

// ColumnReader lists the columns of one kanban.
type ColumnReader interface {
	ColumnsByKanban(ctx context.Context, kanbanID string) ([]domain.KanbanColumn, error)
}

type Resolver struct {
	Columns ColumnReader
	Logger  *slog.Logger
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Resolve returns requested when it is a column of kanbanID. Otherwise it
// returns the column with the lowest position, logging a warning when a
// requested column was discarded.
func (r Resolver) Resolve(ctx context.Context, kanbanID string, requested *string) (string, error) {
	cols, err := r.columns(ctx, kanbanID)
	if err != nil {
		return "", err
	}
	if requested != nil && *requested != "" {
		for _, c := range cols {
			if c.ID == *requested {
				return c.ID, nil
			}
		}
		r.logger().WarnContext(ctx, "requested column not on kanban, using first column",
			"kanban_id", kanbanID, "column_id", *requested)
	}
	return first(kanbanID, cols)
}

// First returns the entry column of kanbanID regardless of any request.
func (r Resolver) First(ctx context.Context, kanbanID string) (string, error) {
	cols, err := r.columns(ctx, kanbanID)
	if err != nil {
		return "", err
	}
	return first(kanbanID, cols)
}

func (r Resolver) columns(ctx context.Context, kanbanID string) ([]domain.KanbanColumn, error) {
	if kanbanID == "" {
		return nil, domain.ValidationError{Field: "kanban_id", Message: "kanban is required"}
	}
	cols, err := r.Columns.ColumnsByKanban(ctx, kanbanID)
	if err != nil {
		return nil, domain.PersistenceError{Op: "list columns", Err: err}
	}
	return cols, nil
}

func first(kanbanID string, cols []domain.KanbanColumn) (string, error) {
	if len(cols) == 0 {
		return "", domain.ConfigurationError{Message: "no columns found for kanban " + kanbanID}
	}
	sorted := append([]domain.KanbanColumn(nil), cols...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	return sorted[0].ID, nil
}
