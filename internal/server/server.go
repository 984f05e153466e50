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
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/queue"
	"readyline/internal/repo"
)

// StatusLookup resolves a job ID to its queue-side status.
type StatusLookup interface {
	JobStatus(ctx context.Context, jobID string) (domain.JobStatus, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Status backs GET /assessments/{job_id}; optional (the endpoint
	// answers 404 without it).
	Status StatusLookup
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"ventureId is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Readyline API.
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
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Readyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAssessments(group, cfg.Engine, cfg.Status)
	registerRuns(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
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
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicateJob):
		return newAPIError(http.StatusConflict, "duplicate_job", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrQueueUnavailable):
		return newAPIError(http.StatusInternalServerError, "queue_unavailable", err.Error(), nil)
	case errors.Is(err, domain.ErrStoreUnavailable):
		return newAPIError(http.StatusInternalServerError, "store_unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerAssessments(api huma.API, e engine.Engine, status StatusLookup) {
	type submitInput struct {
		Body struct {
			VentureID string `json:"ventureId,omitempty" doc:"Venture to assess"`
		}
	}
	type submitOutput struct {
		Body struct {
			OK    bool   `json:"ok"`
			JobID string `json:"job_id"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "submit-assessment",
		Method:        http.MethodPost,
		Path:          "/assessments",
		Summary:       "Enqueue a full readiness assessment for a venture",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *submitInput) (*submitOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		handle, err := e.SubmitAssessment(ctx, actorID, input.Body.VentureID)
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateJob) && handle.ID != "" {
				return nil, newAPIError(http.StatusConflict, "duplicate_job", err.Error(), map[string]any{"job_id": handle.ID})
			}
			return nil, handleError(err)
		}
		out := &submitOutput{}
		out.Body.OK = true
		out.Body.JobID = handle.ID
		return out, nil
	})

	type jobPath struct {
		JobID string `path:"job_id"`
	}
	type jobOutput struct {
		Body domain.JobStatus
	}
	huma.Register(api, huma.Operation{
		OperationID: "assessment-status",
		Method:      http.MethodGet,
		Path:        "/assessments/{job_id}",
		Summary:     "Look up the queue-side status of an assessment job",
	}, func(ctx context.Context, input *jobPath) (*jobOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if status == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "job status lookup not configured", nil)
		}
		st, err := status.JobStatus(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOutput{Body: st}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	type runsPath struct {
		VentureID string `path:"venture_id"`
		Dimension string `path:"dimension"`
	}
	type runsOutput struct {
		Body []domain.AgentRun `nullable:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "venture-dimension-runs",
		Method:      http.MethodGet,
		Path:        "/ventures/{venture_id}/dimensions/{dimension}/runs",
		Summary:     "All runs for a venture and dimension, newest first",
	}, func(ctx context.Context, input *runsPath) (*runsOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		runs, err := e.VentureDimensionRuns(ctx, input.VentureID, input.Dimension)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.AgentRun{}
		}
		return &runsOutput{Body: runs}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	type venturePath struct {
		VentureID string `path:"venture_id"`
	}
	type submissionsOutput struct {
		Body []domain.Submission `nullable:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "venture-submissions",
		Method:      http.MethodGet,
		Path:        "/ventures/{venture_id}/submissions",
		Summary:     "Submissions for a venture, newest first",
	}, func(ctx context.Context, input *venturePath) (*submissionsOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		subs, err := e.VentureSubmissions(ctx, input.VentureID)
		if err != nil {
			return nil, handleError(err)
		}
		if subs == nil {
			subs = []domain.Submission{}
		}
		return &submissionsOutput{Body: subs}, nil
	})

	type submissionPath struct {
		SubmissionID string `path:"submission_id"`
	}
	type submissionOutput struct {
		Body struct {
			Submission domain.Submission `json:"submission"`
			Runs       []domain.AgentRun `json:"runs" nullable:"false"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "submission-runs",
		Method:      http.MethodGet,
		Path:        "/submissions/{submission_id}",
		Summary:     "A submission and its recorded runs",
	}, func(ctx context.Context, input *submissionPath) (*submissionOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		sub, runs, err := e.SubmissionRuns(ctx, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.AgentRun{}
		}
		out := &submissionOutput{}
		out.Body.Submission = sub
		out.Body.Runs = runs
		return out, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Readyline API Docs</title>
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
