// Package codes turns allocated sequence values into task codes.
package codes

import (
	"fmt"
	"strconv"

	"opsboard/internal/domain"
)

const DefaultWidth = 5

const internalPrefix = domain.TaskTypeInternal + ":"

type Formatter struct {
	Width       int
	IncludeYear bool
}

type Input struct {
	SiteID   string
	TaskType string
	Sequence int64
	Year     int
	Category *domain.KanbanCategory
}

func (f Formatter) width() int {
	if f.Width <= 0 {
		return DefaultWidth
	}
	return f.Width
}

// Format renders the code for in. Tasks on an internal category with a base
// code get "<base>-<seq>"; offers and jobs get "<TYPE>-<YEAR>-<seq>", without
// the year when it is disabled or unknown.
func (f Formatter) Format(in Input) (string, error) {
	if in.SiteID == "" {
		return "", domain.ValidationError{Field: "site_id", Message: "site is required"}
	}
	if in.Sequence < 1 {
		return "", domain.ValidationError{Field: "sequence", Message: "sequence must be positive"}
	}
	seq := fmt.Sprintf("%0*d", f.width(), in.Sequence)
	if in.Category.HasBaseCode() {
		return strconv.Itoa(*in.Category.InternalBaseCode) + "-" + seq, nil
	}
	switch in.TaskType {
	case domain.TaskTypeOffer, domain.TaskTypeJob:
		if f.IncludeYear && in.Year > 0 {
			return fmt.Sprintf("%s-%04d-%s", in.TaskType, in.Year, seq), nil
		}
		return in.TaskType + "-" + seq, nil
	case domain.TaskTypeInternal:
		return "", domain.ValidationError{Field: "category", Message: "internal tasks need a category with a base code"}
	default:
		return "", domain.ValidationError{Field: "task_type", Message: fmt.Sprintf("unknown task type %q", in.TaskType)}
	}
}

// NamespaceFor returns the counter a task draws its sequence from. Internal
// categories count per base code so two categories sharing a base code never
// produce the same code.
func NamespaceFor(siteID, taskType string, category *domain.KanbanCategory) (domain.Namespace, error) {
	if siteID == "" {
		return domain.Namespace{}, domain.ValidationError{Field: "site_id", Message: "site is required"}
	}
	if category.HasBaseCode() {
		return domain.Namespace{SiteID: siteID, Key: internalPrefix + strconv.Itoa(*category.InternalBaseCode)}, nil
	}
	switch taskType {
	case domain.TaskTypeOffer, domain.TaskTypeJob:
		return domain.Namespace{SiteID: siteID, Key: taskType}, nil
	case domain.TaskTypeInternal:
		return domain.Namespace{}, domain.ValidationError{Field: "category", Message: "internal tasks need a category with a base code"}
	}
	return domain.Namespace{}, domain.ValidationError{Field: "task_type", Message: fmt.Sprintf("unknown task type %q", taskType)}
}

// TaskTypeFor returns the task type that goes with NamespaceFor's choice.
// A category with a base code makes the task internal whatever its kanban says.
func TaskTypeFor(taskType string, category *domain.KanbanCategory) string {
	if category.HasBaseCode() {
		return domain.TaskTypeInternal
	}
	return taskType
}
