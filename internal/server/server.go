package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"autopilot/internal/domain"
	"autopilot/internal/engine"
	"autopilot/internal/events"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

// apiError is the error envelope returned by every endpoint.
type apiError struct {
	status  int
	Message string `json:"error" example:"Undo not supported for this action type"`
	Code    string `json:"code,omitempty" example:"undo_unsupported"`
	Details any    `json:"details,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the orchestrator API.
func New(cfg Config) (http.Handler, error) {
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = msgs
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Autopilot API", "0.1.0")
	hcfg.OpenAPIPath = "" // served below, next to the docs
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuto(group, cfg.Engine)
	registerApproval(group, cfg.Engine)
	registerUndo(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status:  status,
		Message: message,
		Code:    code,
		Details: details,
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrNoPlanner) {
		return newAPIError(http.StatusServiceUnavailable, "planner_unavailable", err.Error(), nil)
	}
	var runErr *engine.RunError
	if errors.As(err, &runErr) {
		return newAPIError(http.StatusInternalServerError, "run_failed", "Orchestration failed", runErr.Error())
	}
	switch {
	case errors.Is(err, engine.ErrUndoUnsupported):
		return newAPIError(http.StatusBadRequest, "undo_unsupported", "Undo not supported for this action type", nil)
	case errors.Is(err, engine.ErrInvalidAction):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrNotPending):
		return newAPIError(http.StatusNotFound, "not_pending", err.Error(), nil)
	case errors.Is(err, events.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "canceled", "request canceled", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authEnabled bool) {
	var spec []byte
	specPath := path.Join("/", basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if authEnabled {
				applyAuthSecurity(oas, basePath)
			}
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
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"error":   {Type: "string"},
								"code":    {Type: "string"},
								"details": {},
							},
							Required: []string{"error"},
						},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	guarded := path.Join("/", basePath, "orchestrator")
	for route, item := range oas.Paths {
		if !strings.HasPrefix(route, guarded) {
			continue
		}
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op != nil {
				op.Security = security
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Autopilot API Docs</title>
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

func registerAuto(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "orchestrator-auto",
		Method:      http.MethodPost,
		Path:        "/orchestrator/auto",
		Summary:     "Run one snapshot, propose and execute cycle",
		Errors:      []int{http.StatusInternalServerError, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AutoRunResponse `json:"body"`
	}, error) {
		run, err := e.AutoRun(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AutoRunResponse `json:"body"`
		}{Body: autoRunResponse(run)}, nil
	})
}

type actionInput struct {
	Body ActionRequest `json:"body"`
}

type actionResultOutput struct {
	Body domain.ActionResult `json:"body"`
}

func registerApproval(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "orchestrator-approve",
		Method:      http.MethodPost,
		Path:        "/orchestrator/approve",
		Summary:     "Approve a suggested action",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *actionInput) (*actionResultOutput, error) {
		a, err := input.Body.decode()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := e.Approve(ctx, a, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &actionResultOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestrator-reject",
		Method:      http.MethodPost,
		Path:        "/orchestrator/reject",
		Summary:     "Reject a suggested action",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *actionInput) (*actionResultOutput, error) {
		a, err := input.Body.decode()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := e.Reject(ctx, a, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &actionResultOutput{Body: res}, nil
	})
}

func registerUndo(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "orchestrator-undo",
		Method:      http.MethodPost,
		Path:        "/orchestrator/undo",
		Summary:     "Undo an executed action",
		Description: "Send the action with its inverse data, or only actionId to use the inverse recorded in the audit log.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *actionInput) (*actionResultOutput, error) {
		a, err := input.Body.decode()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		actor := actorFromContext(ctx)
		if a.Kind == "" {
			res, err := e.UndoLogged(ctx, a.ID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &actionResultOutput{Body: res}, nil
		}
		res, err := e.Undo(ctx, a, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &actionResultOutput{Body: res}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "orchestrator-logs",
		Method:      http.MethodGet,
		Path:        "/orchestrator/logs",
		Summary:     "List recorded runs, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body LogsResponse `json:"body"`
	}, error) {
		runs, err := e.Logs(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.Run{}
		}
		return &struct {
			Body LogsResponse `json:"body"`
		}{Body: LogsResponse{Runs: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestrator-pending",
		Method:      http.MethodGet,
		Path:        "/orchestrator/pending",
		Summary:     "List suggestions awaiting approval",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PendingResponse `json:"body"`
	}, error) {
		items, err := e.Pending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.PendingSuggestion{}
		}
		return &struct {
			Body PendingResponse `json:"body"`
		}{Body: PendingResponse{Items: items}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
