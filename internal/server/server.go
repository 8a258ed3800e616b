// Package server exposes the cultivation engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"cropline/internal/domain"
	"cropline/internal/engine"
	"cropline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot fire Complete from NotStarted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Cropline API.
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
	hcfg := huma.DefaultConfig("Cropline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCatalog(group, cfg.Engine)
	registerCrops(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerReminders(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotAuthorized):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error(), nil)
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

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "List crop and step templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		crops, err := e.Repo.ListCropTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListStepTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: CatalogResponse{Crops: crops, Steps: steps}}, nil
	})
}

func registerCrops(api huma.API, e engine.Engine) {
	type cropPath struct {
		CropID string `path:"crop_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "start-crop",
		Method:        http.MethodPost,
		Path:          "/crops",
		Summary:       "Start a crop from a template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body StartCropRequest `json:"body"`
	}) (*struct {
		Body CropResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.CropType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "crop_type is required", nil)
		}
		tmpl, err := e.Repo.GetCropTemplateByType(ctx, input.Body.CropType)
		if err != nil {
			return nil, handleError(err)
		}
		crop, steps, err := e.StartCrop(ctx, userID, tmpl.ID, input.Body.Nickname, input.Body.StartDate)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CropResponse `json:"body"`
		}{Body: CropResponse{Crop: crop, Steps: steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-crops",
		Method:      http.MethodGet,
		Path:        "/crops",
		Summary:     "List the caller's crops",
	}, func(ctx context.Context, input *struct {
		Archived bool `query:"archived"`
	}) (*struct {
		Body CropListResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		crops, err := e.ListCrops(ctx, userID, !input.Archived)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CropListResponse `json:"body"`
		}{Body: CropListResponse{Crops: crops}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-crop",
		Method:      http.MethodGet,
		Path:        "/crops/{crop_id}",
		Summary:     "Crop detail with steps",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cropPath) (*struct {
		Body CropResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		crop, err := e.GetCrop(ctx, userID, input.CropID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListStepInstancesByCrop(ctx, crop.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CropResponse `json:"body"`
		}{Body: CropResponse{Crop: crop, Steps: steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-steps",
		Method:      http.MethodGet,
		Path:        "/crops/{crop_id}/next-steps",
		Summary:     "Actionable steps whose dependencies are satisfied",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cropPath) (*struct {
		Body StepListResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		steps, err := e.NextSteps(ctx, userID, input.CropID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepListResponse `json:"body"`
		}{Body: StepListResponse{Steps: steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-crop",
		Method:      http.MethodPost,
		Path:        "/crops/{crop_id}/archive",
		Summary:     "Archive a crop and silence its reminders",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cropPath) (*struct {
		Body CropResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		crop, err := e.ArchiveCrop(ctx, userID, input.CropID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CropResponse `json:"body"`
		}{Body: CropResponse{Crop: crop}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unarchive-crop",
		Method:      http.MethodPost,
		Path:        "/crops/{crop_id}/unarchive",
		Summary:     "Reactivate an archived crop",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cropPath) (*struct {
		Body CropResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		crop, err := e.UnarchiveCrop(ctx, userID, input.CropID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CropResponse `json:"body"`
		}{Body: CropResponse{Crop: crop}}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	type stepPath struct {
		StepID string `path:"step_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-step",
		Method:      http.MethodGet,
		Path:        "/steps/{step_id}",
		Summary:     "Step detail with transition history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *stepPath) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.StepDetail(ctx, userID, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: StepResponse{Step: st, PermittedTriggers: domain.PermittedTriggers(st.CurrentState)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-step",
		Method:      http.MethodPost,
		Path:        "/steps/{step_id}/transition",
		Summary:     "Fire a trigger on a step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		StepID string            `path:"step_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Trigger == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "trigger is required", nil)
		}
		st, err := e.Transition(ctx, userID, input.StepID, domain.StepTrigger(input.Body.Trigger), input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: StepResponse{Step: st, PermittedTriggers: domain.PermittedTriggers(st.CurrentState)}}, nil
	})
}

func registerReminders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-reminders",
		Method:      http.MethodPost,
		Path:        "/reminders/run",
		Summary:     "Run the daily reminder sweep now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RemindersRunResponse `json:"body"`
	}, error) {
		sent, err := e.ProcessDailyReminders(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemindersRunResponse `json:"body"`
		}{Body: RemindersRunResponse{Sent: sent}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit log entries",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		evts, err := e.Events.List(ctx, input.EntityKind, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: evts}}, nil
	})
}
