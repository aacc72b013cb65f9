// Package server exposes the scanning station over HTTP for the polling UI
// and for election-office tooling.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"scanstation/internal/domain"
	"scanstation/internal/events"
	"scanstation/internal/importer"
	"scanstation/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Importer *importer.Importer
	Store    store.Store
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"a batch is already in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the station API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Scan Station API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Importer)
	registerScanning(group, cfg.Importer)
	registerBatches(group, cfg.Store)
	registerAdjudication(group, cfg.Importer, cfg.Store)
	registerConfigOps(group, cfg.Importer, cfg.Store)
	registerEvents(group, cfg.Store)

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
	case errors.Is(err, importer.ErrBatchInProgress),
		errors.Is(err, importer.ErrNoScanJob),
		errors.Is(err, importer.ErrNoElection):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, importer.ErrInterpreterLoading):
		return newAPIError(http.StatusServiceUnavailable, "interpreter_loading", err.Error(), nil)
	case errors.Is(err, importer.ErrNeedsBackup):
		return newAPIError(http.StatusForbidden, "needs_backup", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already adjudicated"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
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
		Body okBody `json:"body"`
	}, error) {
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})
}

func registerStatus(api huma.API, imp *importer.Importer) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Station status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		snap, err := imp.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(snap)}, nil
	})
}

func registerScanning(api huma.API, imp *importer.Importer) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-scan",
		Method:        http.MethodPost,
		Path:          "/scan/start",
		Summary:       "Start a new scanning batch",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StartScanResponse `json:"body"`
	}, error) {
		batchID, err := imp.StartImport(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartScanResponse `json:"body"`
		}{Body: StartScanResponse{BatchID: batchID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "continue-scan",
		Method:      http.MethodPost,
		Path:        "/scan/continue",
		Summary:     "Resolve the pending sheet and resume scanning",
		Errors: []int{
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ContinueScanRequest `json:"body"`
	}) (*struct {
		Body okBody `json:"body"`
	}, error) {
		err := imp.ContinueImport(ctx, importer.ContinueOptions{
			ForceAccept: input.Body.ForceAccept,
			FrontMarks:  input.Body.FrontMarks,
			BackMarks:   input.Body.BackMarks,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calibrate",
		Method:      http.MethodPost,
		Path:        "/scan/calibrate",
		Summary:     "Run scanner calibration",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CalibrateResponse `json:"body"`
	}, error) {
		ok, err := imp.Calibrate(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CalibrateResponse `json:"body"`
		}{Body: CalibrateResponse{Success: ok}}, nil
	})
}

func registerBatches(api huma.API, s store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Batch `json:"body"`
	}, error) {
		items, err := s.ListBatches(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Batch{}
		}
		return &struct {
			Body []domain.Batch `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{id}",
		Summary:     "Get batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		b, err := s.GetBatch(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batch-sheets",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/sheets",
		Summary:     "List a batch's sheets in scan order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Sheet `json:"body"`
	}, error) {
		if _, err := s.GetBatch(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		sheets, err := s.ListSheets(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if sheets == nil {
			sheets = []domain.Sheet{}
		}
		return &struct {
			Body []domain.Sheet `json:"body"`
		}{Body: sheets}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sheet",
		Method:      http.MethodGet,
		Path:        "/sheets/{id}",
		Summary:     "Get sheet",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Sheet `json:"body"`
	}, error) {
		sh, err := s.GetSheet(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Sheet `json:"body"`
		}{Body: sh}, nil
	})
}

func registerAdjudication(api huma.API, imp *importer.Importer, s store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "next-review-sheet",
		Method:      http.MethodGet,
		Path:        "/adjudication/next",
		Summary:     "Next sheet awaiting adjudication",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body importer.ReviewSheet `json:"body"`
	}, error) {
		review, err := imp.NextReviewSheet(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if review == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no sheet awaiting adjudication", nil)
		}
		return &struct {
			Body importer.ReviewSheet `json:"body"`
		}{Body: *review}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjudicate-sheet",
		Method:      http.MethodPost,
		Path:        "/sheets/{id}/adjudicate",
		Summary:     "Apply mark adjudications to one side of a sheet",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AdjudicateRequest `json:"body"`
	}) (*struct {
		Body domain.Sheet `json:"body"`
	}, error) {
		side := domain.Side(input.Body.Side)
		if side != domain.SideFront && side != domain.SideBack {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "side must be front or back", nil)
		}
		if err := s.AdjudicateSheet(ctx, input.ID, side, input.Body.Marks); err != nil {
			return nil, handleError(err)
		}
		operator := "unknown"
		if p, ok := principalFromContext(ctx); ok {
			operator = p.Subject
		}
		slog.Info("server: sheet adjudicated", "sheet_id", input.ID, "side", string(side), "operator", operator)
		sh, err := s.GetSheet(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Sheet `json:"body"`
		}{Body: sh}, nil
	})
}

func registerConfigOps(api huma.API, imp *importer.Importer, s store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "get-election",
		Method:      http.MethodGet,
		Path:        "/config/election",
		Summary:     "Get configured election",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ElectionResponse `json:"body"`
	}, error) {
		def, err := s.GetElectionDefinition(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ElectionResponse `json:"body"`
		}{Body: ElectionResponse{Election: def}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "configure-election",
		Method:      http.MethodPut,
		Path:        "/config/election",
		Summary:     "Configure election",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body ConfigureElectionRequest `json:"body"`
	}) (*struct {
		Body okBody `json:"body"`
	}, error) {
		if input.Body.Election.ID == "" || input.Body.Election.Hash == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "election id and hash are required", nil)
		}
		if err := imp.ConfigureElection(ctx, input.Body.Election); err != nil {
			return nil, handleError(err)
		}
		if err := imp.RestoreConfig(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unconfigure-election",
		Method:      http.MethodDelete,
		Path:        "/config/election",
		Summary:     "Remove election and all ballot data",
		Errors: []int{
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		IgnoreBackupRequirement bool `query:"ignore_backup_requirement"`
	}) (*struct {
		Body okBody `json:"body"`
	}, error) {
		if err := imp.Unconfigure(ctx, input.IgnoreBackupRequirement); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-templates",
		Method:      http.MethodPost,
		Path:        "/config/templates",
		Summary:     "Register ballot page layouts",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body AddTemplatesRequest `json:"body"`
	}) (*struct {
		Body okBody `json:"body"`
	}, error) {
		if len(input.Body.Layouts) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "layouts are required", nil)
		}
		if err := imp.AddTemplates(ctx, input.Body.Layouts); err != nil {
			return nil, handleError(err)
		}
		if err := imp.RestoreConfig(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-templates",
		Method:      http.MethodPost,
		Path:        "/config/templates/finalize",
		Summary:     "Mark the registered layout set as complete",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body okBody `json:"body"`
	}, error) {
		if err := imp.FinalizeTemplates(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-test-mode",
		Method:      http.MethodPut,
		Path:        "/config/test-mode",
		Summary:     "Switch test mode (zeroes ballot data)",
		Errors: []int{
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body SetTestModeRequest `json:"body"`
	}) (*struct {
		Body okBody `json:"body"`
	}, error) {
		if err := imp.SetTestMode(ctx, input.Body.Enabled); err != nil {
			return nil, handleError(err)
		}
		if err := imp.RestoreConfig(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-mark-thresholds",
		Method:      http.MethodPut,
		Path:        "/config/mark-thresholds",
		Summary:     "Override mark thresholds",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SetMarkThresholdsRequest `json:"body"`
	}) (*struct {
		Body okBody `json:"body"`
	}, error) {
		if err := imp.SetMarkThresholds(ctx, input.Body.Thresholds); err != nil {
			return nil, handleError(err)
		}
		if err := imp.RestoreConfig(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-skip-hash-check",
		Method:      http.MethodPut,
		Path:        "/config/skip-hash-check",
		Summary:     "Toggle election hash verification",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SetSkipHashCheckRequest `json:"body"`
	}) (*struct {
		Body okBody `json:"body"`
	}, error) {
		if err := imp.SetSkipHashCheck(ctx, input.Body.Skip); err != nil {
			return nil, handleError(err)
		}
		if err := imp.RestoreConfig(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-unconfigure",
		Method:      http.MethodGet,
		Path:        "/config/can-unconfigure",
		Summary:     "Whether destructive operations are unlocked",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CanUnconfigureResponse `json:"body"`
	}, error) {
		ok, err := s.GetCanUnconfigure(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CanUnconfigureResponse `json:"body"`
		}{Body: CanUnconfigureResponse{CanUnconfigure: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backup",
		Method:      http.MethodPost,
		Path:        "/backup",
		Summary:     "Record that ballot data has been exported",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body okBody `json:"body"`
	}, error) {
		if err := imp.Backup(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "zero",
		Method:      http.MethodPost,
		Path:        "/zero",
		Summary:     "Delete all batches and sheets",
		Errors: []int{
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		IgnoreBackupRequirement bool `query:"ignore_backup_requirement"`
	}) (*struct {
		Body okBody `json:"body"`
	}, error) {
		if err := imp.Zero(ctx, input.IgnoreBackupRequirement); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okBody `json:"body"`
		}{Body: okBody{Status: "ok"}}, nil
	})
}

func registerEvents(api huma.API, s store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit log events",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []events.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := events.Latest(ctx, s.DB, limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []events.Event{}
		}
		return &struct {
			Body []events.Event `json:"body"`
		}{Body: items}, nil
	})
}
