package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsboard/internal/config"
	"opsboard/internal/db"
	"opsboard/internal/domain"
	"opsboard/internal/engine"
	"opsboard/internal/migrate"
	opsboardsdk "opsboard/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	seedSites(t, e)

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedSites(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	for _, site := range []string{"site-a", "site-b"} {
		if _, err := e.CreateSite(ctx, site, "org-1", site); err != nil {
			t.Fatalf("create site %s: %v", site, err)
		}
	}
	if _, _, err := e.CreateKanban(ctx, engine.KanbanInput{ID: "kb-jobs", Name: "Jobs", TaskType: domain.TaskTypeJob}, "site-a"); err != nil {
		t.Fatalf("create kanban: %v", err)
	}
	for _, c := range []struct {
		name string
		pos  int
	}{{"Doing", 2}, {"Todo", 1}, {"Done", 3}} {
		if _, err := e.AddColumn(ctx, "kb-jobs", c.name, c.pos, "site-a"); err != nil {
			t.Fatalf("add column: %v", err)
		}
	}
	if _, _, err := e.CreateKanban(ctx, engine.KanbanInput{ID: "kb-empty", Name: "Empty", TaskType: domain.TaskTypeJob}, "site-a"); err != nil {
		t.Fatalf("create empty kanban: %v", err)
	}
}

func tokenFor(t *testing.T, actor, site string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, site, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestCreateTaskAssignsCodeAndFirstColumn(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := tokenFor(t, "alice", "site-a")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/site-a/tasks", map[string]any{
		"kanban_id": "kb-jobs",
		"title":     "Gate for Rossi",
		"positions": []string{"gate 3x2m"},
	}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created domain.Task
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, "LAVORO-2024-00001", created.UniqueCode)
	assert.Equal(t, "alice", created.CreatedBy)

	cols, err := srv.Engine.ListColumns(context.Background(), "kb-jobs", "site-a")
	require.NoError(t, err)
	assert.Equal(t, "Todo", cols[0].Name)
	assert.Equal(t, cols[0].ID, created.KanbanColumnID)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/site-a/tasks", map[string]any{
		"kanban_id": "kb-jobs",
	}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var second domain.Task
	require.NoError(t, json.Unmarshal(data, &second))
	assert.Equal(t, "LAVORO-2024-00002", second.UniqueCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/site-a/codes/LAVORO-2024-00002", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var byCode domain.Task
	require.NoError(t, json.Unmarshal(data, &byCode))
	assert.Equal(t, second.ID, byCode.ID)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/site-a/tasks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/docs", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v0/openapi.json")
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestStorageErrorStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, err := srv.Engine.CreateSite(context.Background(), "site-a", "org-1", "again")
	var perr engine.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.True(t, db.IsUniqueViolation(err))
	assert.Equal(t, http.StatusConflict, handleError(err).GetStatus())

	lost := engine.PersistenceError{Op: "commit", Err: sql.ErrConnDone}
	assert.False(t, db.IsUniqueViolation(lost))
	assert.Equal(t, http.StatusInternalServerError, handleError(lost).GetStatus())
}

func TestCrossSiteAccessForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	siteA := tokenFor(t, "alice", "site-a")
	siteB := tokenFor(t, "bob", "site-b")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/site-a/tasks", map[string]any{"kanban_id": "kb-jobs"}, siteA)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created domain.Task
	require.NoError(t, json.Unmarshal(data, &created))

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/sites/site-a/tasks/"+created.ID, nil, siteB)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	// Addressing the task through the caller's own site reaches the engine tenant check.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/site-b/tasks/"+created.ID+"/archive", map[string]any{"archived": true}, siteB)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/site-a/tasks/"+created.ID, nil, siteA)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var fetched domain.Task
	require.NoError(t, json.Unmarshal(data, &fetched))
	assert.False(t, fetched.Archived)
}

func TestDeleteTaskThenNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := tokenFor(t, "alice", "site-a")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/site-a/tasks", map[string]any{"kanban_id": "kb-jobs"}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created domain.Task
	require.NoError(t, json.Unmarshal(data, &created))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/site-a/tasks/"+created.ID+"/quality-controls", map[string]any{"outcome": "passed"}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/sites/site-a/tasks/"+created.ID, nil, headers)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/site-a/tasks/"+created.ID, nil, headers)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/site-a/actions?type=task_delete", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var actions ListActionsResponse
	require.NoError(t, json.Unmarshal(data, &actions))
	require.Len(t, actions.Items, 1)
	assert.Contains(t, actions.Items[0].DataJSON, created.UniqueCode)
}

func TestKanbanWithoutColumnsIsConfigurationError(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := tokenFor(t, "alice", "site-a")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/site-a/tasks", map[string]any{"kanban_id": "kb-empty"}, headers)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "configuration_error", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/site-a/counters", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var counters ListCountersResponse
	require.NoError(t, json.Unmarshal(data, &counters))
	assert.Empty(t, counters.Items)
}

func TestInvalidTaskInputIsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := tokenFor(t, "alice", "site-a")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/site-a/tasks", map[string]any{
		"kanban_id":     "kb-jobs",
		"start_date":    "2024-05-10",
		"delivery_date": "2024-05-01",
	}, headers)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "bad_request", env.Error.Code)
	assert.Equal(t, "delivery_date", env.Error.Details["field"])

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/site-a/tasks", nil, headers)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestUpdateTaskClearsPriceWithNull(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := tokenFor(t, "alice", "site-a")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/site-a/tasks", map[string]any{
		"kanban_id": "kb-jobs",
		"price":     120.5,
	}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created domain.Task
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotNil(t, created.Price)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/sites/site-a/tasks/"+created.ID, map[string]any{
		"title": "Renamed",
		"price": nil,
	}, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var updated domain.Task
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, "Renamed", updated.Title)
	assert.Nil(t, updated.Price)
	assert.Equal(t, created.UniqueCode, updated.UniqueCode)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, plain, err := srv.Engine.CreateAPIKey(context.Background(), "svc-bot", "site-a", "bot")
	require.NoError(t, err)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, WhoAmIResponse{ActorID: "svc-bot", SiteID: "site-a", Source: "api_key"}, me)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "ob_wrong"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))
}

func TestSDKClientLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	token, err := SignToken(testSecret, "alice", "site-a", time.Hour)
	require.NoError(t, err)
	client := opsboardsdk.New(srv.URL, "site-a")
	client.BearerToken = token

	task, err := client.CreateTask(ctx, opsboardsdk.CreateTaskParams{KanbanID: "kb-jobs", Title: "Railing"})
	require.NoError(t, err)
	assert.Equal(t, "LAVORO-2024-00001", task.UniqueCode)

	cols, err := srv.Engine.ListColumns(ctx, "kb-jobs", "site-a")
	require.NoError(t, err)
	moved, err := client.MoveTask(ctx, task.ID, cols[2].ID)
	require.NoError(t, err)
	assert.Equal(t, cols[2].ID, moved.KanbanColumnID)

	archived, err := client.ArchiveTask(ctx, task.ID, true)
	require.NoError(t, err)
	assert.True(t, archived.Archived)
	assert.Equal(t, cols[2].ID, archived.KanbanColumnID)

	listed, err := client.ListTasks(ctx, "kb-jobs", 10)
	require.NoError(t, err)
	assert.Empty(t, listed)

	require.NoError(t, client.DeleteTask(ctx, task.ID))
	_, err = client.GetTask(ctx, task.ID)
	var apiErr *opsboardsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
