package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"freeflow/internal/domain"
	"freeflow/internal/engine"
	"freeflow/internal/query"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Query    query.Service
	BasePath string
	Auth     AuthConfig
	// Now is the clock used for defaulted as-of times.
	Now func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"contract c-1 is declined"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type out[T any] struct {
	Body T
}

func reply[T any](v T) *out[T] { return &out[T]{Body: v} }

type handlers struct {
	e     engine.Engine
	q     query.Service
	views views
	now   func() time.Time
}

func (h handlers) fail(err error) huma.StatusError { return handleError(err, h.views) }

// New returns an HTTP handler exposing the Freeflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.DB == nil {
		return nil, errors.New("server: engine has no database")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	q := cfg.Query
	if q.DefaultCurrency == "" {
		q = query.Service{Repo: cfg.Engine.Repo, DefaultCurrency: cfg.Engine.Config.DefaultCurrency()}
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema violations are plain validation errors.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Freeflow API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, q: q, views: views{units: cfg.Engine.Config.Units()}, now: now}
	registerHealth(group)
	registerReference(group, h)
	registerContracts(group, h)
	registerInvites(group, h)
	registerTasks(group, h)
	registerSettlements(group, h)
	registerQueries(group, h)
	registerEvents(group, h)

	docs, err := buildDocs(api, basePath)
	if err != nil {
		return nil, err
	}
	docs.mount(router, basePath)
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

func badRequest(msg string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "validation_error", msg, details)
}

// handleError maps workflow error kinds onto the envelope. Anything without a
// kind is an internal error and its text stays out of the message.
func handleError(err error, v views) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_error", msg, nil)
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case errors.Is(err, engine.ErrPrecondition):
		return newAPIError(http.StatusPreconditionFailed, "precondition_failed", msg, nil)
	case errors.Is(err, engine.ErrConflict):
		var details map[string]any
		if existing, ok := engine.ExistingFrom(err); ok {
			details = map[string]any{"existing": v.record(existing)}
		}
		return newAPIError(http.StatusConflict, "conflict", msg, details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

// record renders an entity carried by a conflict in its response form.
func (v views) record(x any) any {
	switch r := x.(type) {
	case domain.Task:
		return taskResponse(r)
	case domain.Settlement:
		return v.settlement(r)
	case domain.Contract:
		return contractResponse(r)
	default:
		return r
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
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
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusPreconditionFailed,
	http.StatusInternalServerError,
}

func parseAsOf(v string, now func() time.Time) (time.Time, error) {
	if v == "" {
		return now(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, badRequest("as_of must be an RFC 3339 timestamp", map[string]any{"as_of": v})
	}
	return t.UTC(), nil
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
