package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"opsboard/internal/db"
	"opsboard/internal/domain"
	"opsboard/internal/engine"
	"opsboard/internal/repo"
	"opsboard/internal/sequence"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"not authorized to modify a task belonging to another site"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the opsboard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400; 422 is kept for site configuration errors.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Opsboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerSites(group, cfg.Engine)
	registerKanbans(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerControls(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		verr engine.ValidationError
		cerr engine.ConfigurationError
		aerr engine.AuthorizationError
		perr engine.PersistenceError
	)
	switch {
	case errors.As(err, &aerr):
		return newAPIError(http.StatusForbidden, "forbidden", aerr.Error(), nil)
	case errors.As(err, &verr):
		var details map[string]any
		if verr.Field != "" {
			details = map[string]any{"field": verr.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", verr.Error(), details)
	case errors.As(err, &cerr):
		return newAPIError(http.StatusUnprocessableEntity, "configuration_error", cerr.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &perr) && db.IsUniqueViolation(perr.Err):
		return newAPIError(http.StatusConflict, "conflict", "storage conflict", map[string]any{"op": perr.Op})
	case errors.As(err, &perr):
		return newAPIError(http.StatusInternalServerError, "storage_error", "storage failure", map[string]any{"op": perr.Op})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "configuration_error"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Opsboard API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, SiteID: p.SiteID, Source: p.Source}}, nil
	})
}

type sitePath struct {
	SiteID string `path:"site_id"`
}

func registerSites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-site",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}",
		Summary:     "Get site",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sitePath) (*struct {
		Body domain.Site `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		s, err := e.GetSite(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Site `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-counters",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/counters",
		Summary:     "List code counters",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *sitePath) (*struct {
		Body ListCountersResponse `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		items, err := sequence.NewStore(e.DB).List(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListCountersResponse `json:"body"`
		}{Body: ListCountersResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-category",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/categories",
		Summary:       "Create kanban category",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string                `path:"site_id"`
		Body   CreateCategoryRequest `json:"body"`
	}) (*struct {
		Body domain.KanbanCategory `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCategory(ctx, engine.CategoryInput{
			ID:               input.Body.ID,
			Name:             input.Body.Name,
			Internal:         input.Body.Internal,
			InternalBaseCode: input.Body.InternalBaseCode,
		}, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KanbanCategory `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-categories",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/categories",
		Summary:     "List kanban categories",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *sitePath) (*struct {
		Body []domain.KanbanCategory `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListCategories(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.KanbanCategory `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerKanbans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-kanban",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/kanbans",
		Summary:       "Create kanban",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string              `path:"site_id"`
		Body   CreateKanbanRequest `json:"body"`
	}) (*struct {
		Body KanbanResponse `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		k, cols, err := e.CreateKanban(ctx, engine.KanbanInput{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			TaskType:   input.Body.TaskType,
			CategoryID: input.Body.CategoryID,
			Columns:    input.Body.Columns,
		}, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KanbanResponse `json:"body"`
		}{Body: KanbanResponse{Kanban: k, Columns: nonNilSlice(cols)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-kanbans",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/kanbans",
		Summary:     "List kanbans",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *sitePath) (*struct {
		Body []domain.Kanban `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListKanbans(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Kanban `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-kanban",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/kanbans/{kanban_id}",
		Summary:     "Get kanban with columns",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID   string `path:"site_id"`
		KanbanID string `path:"kanban_id"`
	}) (*struct {
		Body KanbanResponse `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		k, err := e.GetKanban(ctx, input.KanbanID, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		cols, err := e.ListColumns(ctx, k.ID, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KanbanResponse `json:"body"`
		}{Body: KanbanResponse{Kanban: k, Columns: nonNilSlice(cols)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-column",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/kanbans/{kanban_id}/columns",
		Summary:       "Add kanban column",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		SiteID   string              `path:"site_id"`
		KanbanID string              `path:"kanban_id"`
		Body     CreateColumnRequest `json:"body"`
	}) (*struct {
		Body domain.KanbanColumn `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		c, err := e.AddColumn(ctx, input.KanbanID, input.Body.Name, input.Body.Position, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KanbanColumn `json:"body"`
		}{Body: c}, nil
	})
}

type taskPath struct {
	SiteID string `path:"site_id"`
	TaskID string `path:"task_id"`
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string            `path:"site_id"`
		Body   CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		scope, authErr := scopeFor(ctx, input.SiteID)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, taskInput(input.Body), scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SiteID          string `path:"site_id"`
		KanbanID        string `query:"kanban_id"`
		ColumnID        string `query:"kanban_column_id"`
		TaskType        string `query:"task_type"`
		ParentTaskID    string `query:"parent_task_id"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit"`
	}) (*struct {
		Body ListTasksResponse `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTasks(ctx, input.SiteID, engine.TaskFilter{
			KanbanID:        input.KanbanID,
			ColumnID:        input.ColumnID,
			TaskType:        input.TaskType,
			ParentTaskID:    input.ParentTaskID,
			IncludeArchived: input.IncludeArchived,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListTasksResponse `json:"body"`
		}{Body: ListTasksResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, input.TaskID, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-by-code",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/codes/{code}",
		Summary:     "Get task by unique code",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Code   string `path:"code"`
	}) (*taskOutput, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTaskByCode(ctx, input.SiteID, input.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/sites/{site_id}/tasks/{task_id}",
		Summary:     "Update task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string            `path:"site_id"`
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		scope, authErr := scopeFor(ctx, input.SiteID)
		if authErr != nil {
			return nil, authErr
		}
		bodyMap := rawBodyMap(ctx)
		patch := engine.TaskPatch{
			KanbanID:     input.Body.KanbanID,
			ColumnID:     input.Body.KanbanColumnID,
			ParentTaskID: input.Body.ParentTaskID,
			ClientID:     input.Body.ClientID,
			ProductID:    input.Body.ProductID,
			Title:        input.Body.Title,
			StartDate:    input.Body.StartDate,
			DeliveryDate: input.Body.DeliveryDate,
			Price:        input.Body.Price,
			ClearPrice:   isNullRaw(bodyMap["price"]),
			Notes:        input.Body.Notes,
		}
		if _, ok := bodyMap["positions"]; ok {
			positions := input.Body.Positions
			patch.Positions = &positions
		}
		t, err := e.UpdateTask(ctx, input.TaskID, patch, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/sites/{site_id}/tasks/{task_id}/move",
		Summary:     "Move task to another column of its kanban",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string          `path:"site_id"`
		TaskID string          `path:"task_id"`
		Body   MoveTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		scope, authErr := scopeFor(ctx, input.SiteID)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.MoveTask(ctx, input.TaskID, input.Body.KanbanColumnID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-task",
		Method:      http.MethodPost,
		Path:        "/sites/{site_id}/tasks/{task_id}/archive",
		Summary:     "Archive or unarchive task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string             `path:"site_id"`
		TaskID string             `path:"task_id"`
		Body   ArchiveTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		scope, authErr := scopeFor(ctx, input.SiteID)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ArchiveTask(ctx, input.TaskID, input.Body.Archived, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "promote-offer",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/tasks/{task_id}/promote",
		Summary:       "Create a job from an offer",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string              `path:"site_id"`
		TaskID string              `path:"task_id"`
		Body   PromoteOfferRequest `json:"body"`
	}) (*taskOutput, error) {
		scope, authErr := scopeFor(ctx, input.SiteID)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.PromoteOffer(ctx, input.TaskID, input.Body.KanbanID, input.Body.KanbanColumnID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/sites/{site_id}/tasks/{task_id}",
		Summary:       "Delete task and its records",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		scope, authErr := scopeFor(ctx, input.SiteID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, input.TaskID, scope); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/tasks/{task_id}/history",
		Summary:     "Task change history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.TaskHistory `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		items, err := e.TaskHistory(ctx, input.TaskID, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskHistory `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerControls(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-quality-control",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/tasks/{task_id}/quality-controls",
		Summary:       "Record a quality control",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string                `path:"site_id"`
		TaskID string                `path:"task_id"`
		Body   QualityControlRequest `json:"body"`
	}) (*struct {
		Body domain.QualityControl `json:"body"`
	}, error) {
		scope, authErr := scopeFor(ctx, input.SiteID)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.AddQualityControl(ctx, input.TaskID, input.Body.Outcome, input.Body.Notes, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QualityControl `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-quality-controls",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/tasks/{task_id}/quality-controls",
		Summary:     "List quality controls",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.QualityControl `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListQualityControls(ctx, input.TaskID, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.QualityControl `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-packing-control",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/tasks/{task_id}/packing-controls",
		Summary:       "Record a packing control",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string                `path:"site_id"`
		TaskID string                `path:"task_id"`
		Body   PackingControlRequest `json:"body"`
	}) (*struct {
		Body domain.PackingControl `json:"body"`
	}, error) {
		scope, authErr := scopeFor(ctx, input.SiteID)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AddPackingControl(ctx, input.TaskID, input.Body.Packages, input.Body.Notes, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PackingControl `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-packing-controls",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/tasks/{task_id}/packing-controls",
		Summary:     "List packing controls",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.PackingControl `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPackingControls(ctx, input.TaskID, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PackingControl `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/actions",
		Summary:     "List audit records",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body ListActionsResponse `json:"body"`
	}, error) {
		if _, authErr := scopeFor(ctx, input.SiteID); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListActions(ctx, input.SiteID, input.Type, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListActionsResponse `json:"body"`
		}{Body: ListActionsResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		site := strings.TrimSpace(input.Body.SiteID)
		if actor == "" || site == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and site_id are required", nil)
		}
		if _, err := e.GetSite(ctx, site); err != nil {
			return nil, handleError(err)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, site, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
