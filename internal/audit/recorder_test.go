package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsboard/internal/domain"
)

type memorySink struct {
	mu      sync.Mutex
	records []domain.ActionRecord
	err     error
}

func (m *memorySink) InsertActionRecord(_ context.Context, a domain.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, a)
	return nil
}

func TestRecordWritesEntry(t *testing.T) {
	sink := &memorySink{}
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := New(sink, nil, true)
	r.Now = func() time.Time { return fixed }

	r.Record(context.Background(), Entry{
		Type:           TaskCreate,
		Data:           Payload{"task_id": "t1", "unique_code": "LAVORO-2024-00001"},
		UserID:         "u1",
		SiteID:         "site-a",
		OrganizationID: "org-1",
	})

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, TaskCreate, rec.Type)
	assert.Equal(t, "u1", rec.UserID)
	require.NotNil(t, rec.SiteID)
	assert.Equal(t, "site-a", *rec.SiteID)
	require.NotNil(t, rec.OrganizationID)
	assert.Equal(t, "org-1", *rec.OrganizationID)
	assert.Equal(t, fixed.Format(time.RFC3339Nano), rec.CreatedAt)
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.DataJSON), &data))
	assert.Equal(t, "LAVORO-2024-00001", data["unique_code"])
	assert.Zero(t, r.Failures())
}

func TestRecordSwallowsSinkFailure(t *testing.T) {
	var buf bytes.Buffer
	sink := &memorySink{err: errors.New("disk full")}
	r := New(sink, slog.New(slog.NewTextHandler(&buf, nil)), true)

	assert.NotPanics(t, func() {
		r.Record(context.Background(), Entry{Type: TaskDelete, UserID: "u1", SiteID: "site-a"})
	})
	assert.Equal(t, int64(1), r.Failures())
	assert.Contains(t, buf.String(), "audit record failed")
	assert.Contains(t, buf.String(), "disk full")
}

func TestRecordRejectsIncompleteEntry(t *testing.T) {
	sink := &memorySink{}
	r := New(sink, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), true)
	r.Record(context.Background(), Entry{Type: TaskUpdate})
	r.Record(context.Background(), Entry{UserID: "u1"})
	assert.Empty(t, sink.records)
	assert.Equal(t, int64(2), r.Failures())
}

func TestDisabledRecorderIsNoop(t *testing.T) {
	sink := &memorySink{}
	r := New(sink, nil, false)
	r.Record(context.Background(), Entry{Type: TaskCreate, UserID: "u1"})
	assert.Empty(t, sink.records)

	var nilRecorder *Recorder
	nilRecorder.Record(context.Background(), Entry{Type: TaskCreate, UserID: "u1"})
	assert.Zero(t, nilRecorder.Failures())
}

func TestAuditErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := error(AuditError{Type: TaskMove, Err: base})
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "audit task_move: boom", err.Error())
}
