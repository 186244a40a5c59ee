// Package audit appends action records after a mutation has committed.
// Recording is best effort: failures are logged and counted, never returned.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"opsboard/internal/domain"
)

// Action types.
const (
	TaskCreate    = "task_create"
	TaskUpdate    = "task_update"
	TaskMove      = "task_move"
	TaskArchive   = "task_archive"
	TaskUnarchive = "task_unarchive"
	TaskDelete    = "task_delete"
)

type Sink interface {
	InsertActionRecord(ctx context.Context, a domain.ActionRecord) error
}

type Payload map[string]any

type Entry struct {
	Type           string
	Data           Payload
	UserID         string
	SiteID         string
	OrganizationID string
}

// AuditError is what the recorder logs when an entry could not be stored.
type AuditError struct {
	Type string
	Err  error
}

func (e AuditError) Error() string {
	return fmt.Sprintf("audit %s: %v", e.Type, e.Err)
}

func (e AuditError) Unwrap() error {
	return e.Err
}

type Recorder struct {
	Sink     Sink
	Logger   *slog.Logger
	Now      func() time.Time
	Disabled bool

	failures atomic.Int64
}

func New(sink Sink, logger *slog.Logger, enabled bool) *Recorder {
	return &Recorder{Sink: sink, Logger: logger, Now: time.Now, Disabled: !enabled}
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Record stores e. Any failure, including a nil sink, is logged as an
// AuditError and otherwise swallowed.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.Disabled {
		return
	}
	if err := r.write(ctx, e); err != nil {
		r.failures.Add(1)
		aerr := AuditError{Type: e.Type, Err: err}
		r.logger().ErrorContext(ctx, "audit record failed",
			"type", e.Type, "site_id", e.SiteID, "user_id", e.UserID, "error", aerr)
	}
}

// Failures returns how many entries could not be stored.
func (r *Recorder) Failures() int64 {
	if r == nil {
		return 0
	}
	return r.failures.Load()
}

func (r *Recorder) write(ctx context.Context, e Entry) error {
	if r.Sink == nil {
		return fmt.Errorf("no sink configured")
	}
	if e.Type == "" {
		return fmt.Errorf("type required")
	}
	if e.UserID == "" {
		return fmt.Errorf("user_id required")
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if e.Data == nil {
		e.Data = Payload{}
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return r.Sink.InsertActionRecord(ctx, domain.ActionRecord{
		ID:             uuid.NewString(),
		Type:           e.Type,
		DataJSON:       string(data),
		UserID:         e.UserID,
		SiteID:         optional(e.SiteID),
		OrganizationID: optional(e.OrganizationID),
		CreatedAt:      now().UTC().Format(time.RFC3339Nano),
	})
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
