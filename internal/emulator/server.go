// Package emulator serves an in-process remote platform over HTTP so the CLI
// and rule programs can run end to end without the real service.
package emulator

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"geemake/internal/remote"
)

// Config for the emulator handler.
type Config struct {
	Platform *remote.Memory
	BasePath string
	Auth     AuthConfig
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"asset users/x/a not found"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type assetIDQuery struct {
	ID string `query:"id" required:"true" minLength:"1" doc:"Asset id"`
}

type assetOutput struct {
	Body remote.Asset
}

type jobOutput struct {
	Body remote.TaskStatus
}

type jobPath struct {
	JobID string `path:"job_id"`
}

// New returns an HTTP handler exposing the platform API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Platform == nil {
		return nil, errors.New("emulator platform is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("geemake platform emulator", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAssets(group, cfg.Platform)
	registerJobs(group, cfg.Platform, logger)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, remote.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
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
		return "validation_failed"
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

func registerAssets(api huma.API, mem *remote.Memory) {
	huma.Register(api, huma.Operation{
		OperationID: "get-asset",
		Method:      http.MethodGet,
		Path:        "/assets",
		Summary:     "Get an asset's update time",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assetIDQuery) (*assetOutput, error) {
		a, err := mem.GetAsset(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &assetOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-asset",
		Method:        http.MethodDelete,
		Path:          "/assets",
		Summary:       "Delete an asset",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assetIDQuery) (*struct{}, error) {
		if err := mem.DeleteAsset(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "touch-asset",
		Method:      http.MethodPut,
		Path:        "/assets",
		Summary:     "Create an asset or bump its update time",
	}, func(ctx context.Context, input *struct {
		Body struct {
			ID string `json:"id" minLength:"1"`
		}
	}) (*assetOutput, error) {
		return &assetOutput{Body: mem.TouchAsset(input.Body.ID)}, nil
	})
}

func registerJobs(api huma.API, mem *remote.Memory, logger *log.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "create-job",
		Method:      http.MethodPost,
		Path:        "/jobs",
		Summary:     "Create an unstarted job",
	}, func(ctx context.Context, input *struct {
		Body remote.JobSpec
	}) (*jobOutput, error) {
		if strings.TrimSpace(input.Body.AssetID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "asset_id is required", nil)
		}
		if input.Body.Polls < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "polls must be >= 0", nil)
		}
		j := mem.NewJob(input.Body)
		if subject, ok := SubjectFromContext(ctx); ok {
			logger.Printf("emulator: job %s for %s created by %s", j.ID, input.Body.AssetID, subject)
		}
		st, err := j.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/start",
		Summary:       "Start a job",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*struct{}, error) {
		j, err := mem.Job(input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := j.Start(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Poll a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*jobOutput, error) {
		j, err := mem.Job(input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := j.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOutput{Body: st}, nil
	})
}
