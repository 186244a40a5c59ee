package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsboard/internal/db"
	"opsboard/internal/domain"
	"opsboard/internal/migrate"
	"opsboard/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn)
	ctx := context.Background()
	require.NoError(t, r.InsertOrganization(ctx, domain.Organization{ID: "org", Name: "Org", CreatedAt: ts}))
	require.NoError(t, r.InsertSite(ctx, domain.Site{ID: "site-a", OrganizationID: "org", Name: "A", CreatedAt: ts}))
	require.NoError(t, r.InsertSite(ctx, domain.Site{ID: "site-b", OrganizationID: "org", Name: "B", CreatedAt: ts}))
	require.NoError(t, r.InsertKanban(ctx, domain.Kanban{ID: "kb", SiteID: "site-a", Name: "Jobs", TaskType: domain.TaskTypeJob, CreatedAt: ts}))
	require.NoError(t, r.InsertColumn(ctx, domain.KanbanColumn{ID: "col-1", KanbanID: "kb", Name: "Todo", Position: 1, CreatedAt: ts}))
	return r
}

func task(id, site, code string) domain.Task {
	return domain.Task{
		ID:             id,
		SiteID:         site,
		UniqueCode:     code,
		TaskType:       domain.TaskTypeJob,
		KanbanID:       "kb",
		KanbanColumnID: "col-1",
		Positions:      domain.Positions{"frame", "glass"},
		CreatedBy:      "tester",
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}

func TestTaskRoundTripKeepsPositions(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertTask(ctx, task("t1", "site-a", "LAVORO-2024-00001")))

	got, err := r.GetTaskByCode(ctx, "site-a", "LAVORO-2024-00001")
	require.NoError(t, err)
	assert.Equal(t, domain.Positions{"frame", "glass"}, got.Positions)
	assert.Nil(t, got.ParentTaskID)

	_, err = r.GetTaskByCode(ctx, "site-b", "LAVORO-2024-00001")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestDuplicateCodeRejectedWithinSite(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertTask(ctx, task("t1", "site-a", "LAVORO-2024-00001")))
	require.Error(t, r.InsertTask(ctx, task("t2", "site-a", "LAVORO-2024-00001")))
	require.NoError(t, r.InsertTask(ctx, task("t3", "site-b", "LAVORO-2024-00001")))
}

func TestListTasksFilters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertTask(ctx, task("t1", "site-a", "LAVORO-2024-00001")))
	require.NoError(t, r.InsertTask(ctx, task("t2", "site-a", "LAVORO-2024-00002")))
	require.NoError(t, r.InsertTask(ctx, task("t3", "site-b", "LAVORO-2024-00001")))
	require.NoError(t, r.SetTaskArchived(ctx, "t2", true, ts))

	items, err := r.ListTasks(ctx, repo.TaskFilter{SiteID: "site-a"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "t1", items[0].ID)

	items, err = r.ListTasks(ctx, repo.TaskFilter{SiteID: "site-a", IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = r.ListTasks(ctx, repo.TaskFilter{IncludeArchived: true, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestDeleteTaskDependentsCountsRows(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertTask(ctx, task("t1", "site-a", "LAVORO-2024-00001")))
	require.NoError(t, r.InsertTaskHistory(ctx, domain.TaskHistory{ID: "h1", TaskID: "t1", SnapshotJSON: "{}", ChangedBy: "x", CreatedAt: ts}))
	require.NoError(t, r.InsertQualityControl(ctx, domain.QualityControl{ID: "q1", TaskID: "t1", Outcome: "passed", CheckedBy: "x", CreatedAt: ts}))
	require.NoError(t, r.InsertPackingControl(ctx, domain.PackingControl{ID: "p1", TaskID: "t1", Packages: 2, CheckedBy: "x", CreatedAt: ts}))

	n, err := r.CountTaskDependents(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	removed, err := r.DeleteTaskDependents(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	require.NoError(t, r.DeleteTask(ctx, "t1"))

	err = r.DeleteTask(ctx, "t1")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestAPIKeyLookupByHash(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "bot", SiteID: "site-a", KeyHash: repo.HashAPIKey("ob_secret"), CreatedAt: ts}
	require.NoError(t, r.InsertAPIKey(ctx, key))

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("ob_secret"))
	require.NoError(t, err)
	assert.Equal(t, "bot", got.ActorID)
	assert.Equal(t, "site-a", got.SiteID)

	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey("ob_other"))
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	keys, err := r.ListAPIKeys(ctx, "site-a")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDetachChildrenClearsParent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertTask(ctx, task("offer", "site-a", "LAVORO-2024-00001")))
	child := task("job", "site-a", "LAVORO-2024-00002")
	parent := "offer"
	child.ParentTaskID = &parent
	require.NoError(t, r.InsertTask(ctx, child))

	n, err := r.DetachChildren(ctx, "offer", "2024-02-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := r.GetTask(ctx, "job")
	require.NoError(t, err)
	assert.Nil(t, got.ParentTaskID)
	assert.Equal(t, "2024-02-01T00:00:00Z", got.UpdatedAt)
	require.NoError(t, r.DeleteTask(ctx, "offer"))
}
