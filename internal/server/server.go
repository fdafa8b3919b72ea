package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/knowledge"
	"careline/internal/monitor"
	"careline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    *engine.Engine
	Retriever *knowledge.Retriever
	Monitor   monitor.Monitor
	BasePath  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"workflow not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Careline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Careline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflows(group, cfg.Engine)
	registerFeedback(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerMetrics(group, cfg.Engine)
	registerKnowledge(group, cfg.Retriever)
	registerMonitor(group, cfg.Monitor)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrTerminal) {
		return newAPIError(http.StatusConflict, "terminal_status", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "must be"),
		strings.Contains(lowered, "is empty"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Careline API Docs</title>
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

func registerWorkflows(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Start a workflow",
		Description:   "Runs the monitor, retrieval, planning, guardrail, and notification pipeline and returns the terminal record.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body StartWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowRecord `json:"body"`
	}, error) {
		rec, err := e.StartWorkflow(ctx, input.Body.TriggerType, input.Body.TargetRole)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get a workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body domain.WorkflowRecord `json:"body"`
	}, error) {
		rec, err := e.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"pending,monitoring,retrieving,planning,validating,notifying,completed,failed,rejected" required:"false"`
		TriggerType string `query:"trigger_type" enum:"auto,manual" required:"false"`
		Limit       int    `query:"limit" required:"false"`
		Offset      int    `query:"offset" required:"false"`
	}) (*struct {
		Body WorkflowListResponse `json:"body"`
	}, error) {
		items, err := e.ListWorkflows(ctx, repo.ListWorkflowsQuery{
			Status:      input.Status,
			TriggerType: input.TriggerType,
			Limit:       input.Limit,
			Offset:      input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkflowSummary{}
		}
		return &struct {
			Body WorkflowListResponse `json:"body"`
		}{Body: WorkflowListResponse{Workflows: items, Count: len(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/reject",
		Summary:     "Reject a workflow",
		Description: "Human-in-the-loop rejection. Valid on any workflow that has not reached a terminal status.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkflowID string                `path:"workflow_id"`
		Body       RejectWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowRecord `json:"body"`
	}, error) {
		rec, err := e.Reject(ctx, input.WorkflowID, input.Body.Reason, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerFeedback(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-feedback",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/feedback",
		Summary:       "Submit feedback",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string          `path:"workflow_id"`
		Body       FeedbackRequest `json:"body"`
	}) (*struct {
		Body domain.FeedbackRecord `json:"body"`
	}, error) {
		fb, err := e.SubmitFeedback(ctx, input.WorkflowID, input.Body.FeedbackType, input.Body.Comments, input.Body.UserRole)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FeedbackRecord `json:"body"`
		}{Body: fb}, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "workflow-audit",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/audit",
		Summary:     "Workflow audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		items, err := e.AuditTrail(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: AuditResponse{WorkflowID: input.WorkflowID, Events: items}}, nil
	})
}

func registerMetrics(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "metrics-summary",
		Method:      http.MethodGet,
		Path:        "/metrics/summary",
		Summary:     "Metrics summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MetricsResponse `json:"body"`
	}, error) {
		items, err := e.MetricsSummary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.MetricSummary{}
		}
		return &struct {
			Body MetricsResponse `json:"body"`
		}{Body: MetricsResponse{Categories: items}}, nil
	})
}

func registerKnowledge(api huma.API, retriever *knowledge.Retriever) {
	huma.Register(api, huma.Operation{
		OperationID: "kb-search",
		Method:      http.MethodGet,
		Path:        "/kb/search",
		Summary:     "Search the knowledge base",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Query string `query:"q"`
	}) (*struct {
		Body SearchResponse `json:"body"`
	}, error) {
		results, err := retriever.Search(ctx, input.Query)
		if err != nil {
			return nil, handleError(err)
		}
		if results == nil {
			results = []domain.ScoredChunk{}
		}
		return &struct {
			Body SearchResponse `json:"body"`
		}{Body: SearchResponse{Query: input.Query, Mode: retriever.Mode, Results: results}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "kb-add-document",
		Method:        http.MethodPost,
		Path:          "/kb/documents",
		Summary:       "Add a document",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AddDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		doc, err := retriever.AddDocument(ctx, domain.Document{
			Title:   input.Body.Title,
			Content: input.Body.Content,
			Source:  input.Body.Source,
			DocType: input.Body.DocType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		doc.Content = "" // echo metadata only
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kb-stats",
		Method:      http.MethodGet,
		Path:        "/kb/stats",
		Summary:     "Knowledge base statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		stats, err := retriever.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: stats}, nil
	})
}

func registerMonitor(api huma.API, mon monitor.Monitor) {
	huma.Register(api, huma.Operation{
		OperationID: "monitor-status",
		Method:      http.MethodGet,
		Path:        "/monitor/status",
		Summary:     "Current monitored signals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		status, err := mon.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: status}, nil
	})
}
