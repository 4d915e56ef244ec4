package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kireilab/armory/internal/model"
	"github.com/kireilab/armory/internal/service/bandit"
	"github.com/kireilab/armory/internal/service/generate"
	"github.com/kireilab/armory/internal/service/optimizer"
	"github.com/kireilab/armory/internal/storage"
)

// GenerateService runs the end-user edit pipeline.
type GenerateService interface {
	Generate(ctx context.Context, req model.GenerateRequest) (model.GenerateResponse, error)
}

// BanditService covers feedback recording and arm lifecycle.
type BanditService interface {
	RecordFeedback(ctx context.Context, req model.FeedbackRequest) error
	ArmMetrics(ctx context.Context) ([]model.ArmMetrics, error)
	RegisterArm(ctx context.Context, diff model.Diff, baseVersion string, notes string, active bool) (uuid.UUID, error)
	ActivateArm(ctx context.Context, armID uuid.UUID, reason string) error
	DeactivateArm(ctx context.Context, armID uuid.UUID, reason string) error
}

// OptimizerService runs one on-demand optimization pass.
type OptimizerService interface {
	OptimizeArm(ctx context.Context, armID uuid.UUID) optimizer.Result
}

// Pinger reports database liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EditorHealth reports edit-server liveness for the health endpoint.
type EditorHealth interface {
	Healthy(ctx context.Context) bool
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db           Pinger
	generateSvc  GenerateService
	banditSvc    BanditService
	optimizerSvc OptimizerService
	editorHealth EditorHealth
	validator    *optimizer.Validator
	logger       *slog.Logger
	startedAt    time.Time
	version      string
	maxBodyBytes int64
	openapiSpec  []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): OptimizerSvc, EditorHealth, OpenAPISpec.
type HandlersDeps struct {
	DB           Pinger
	GenerateSvc  GenerateService
	BanditSvc    BanditService
	OptimizerSvc OptimizerService
	EditorHealth EditorHealth
	Logger       *slog.Logger
	Version      string
	MaxBodyBytes int64
	OpenAPISpec  []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:           d.DB,
		generateSvc:  d.GenerateSvc,
		banditSvc:    d.BanditSvc,
		optimizerSvc: d.OptimizerSvc,
		editorHealth: d.EditorHealth,
		validator:    optimizer.NewValidator(),
		logger:       d.Logger,
		startedAt:    time.Now(),
		version:      d.Version,
		maxBodyBytes: d.MaxBodyBytes,
		openapiSpec:  d.OpenAPISpec,
	}
}

// HandleGenerate handles POST /v1/generations.
func (h *Handlers) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req model.GenerateRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.generateSvc.Generate(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, bandit.ErrNoActiveArms):
			// Deployment invariant violation: a baseline arm must always
			// remain active.
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNoActiveArms, "no active arms available")
		case errors.Is(err, generate.ErrEditFailed):
			writeError(w, r, http.StatusBadGateway, model.ErrCodeEditFailed, "image edit failed")
		default:
			h.logger.Error("generation failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleFeedback handles POST /v1/feedback. Duplicate ratings for the
// same generation succeed without creating a second row.
func (h *Handlers) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	var req model.FeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.banditSvc.RecordFeedback(r.Context(), req); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown generation")
			return
		}
		h.logger.Error("feedback recording failed", "error", err, "generation_id", req.GenerationID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"generation_id": req.GenerationID,
		"recorded":      true,
	})
}

// HandleArmMetrics handles GET /v1/arms/metrics.
func (h *Handlers) HandleArmMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.banditSvc.ArmMetrics(r.Context())
	if err != nil {
		h.logger.Error("arm metrics query failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"arms": metrics})
}

// HandleRegisterArm handles POST /v1/arms. Operator-created arms start
// inactive and require explicit activation.
func (h *Handlers) HandleRegisterArm(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterArmRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(req.Notes) > model.MaxNotesLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "notes too long")
		return
	}

	diff := req.Diff
	if req.Sampling != nil {
		diff.Sampling = req.Sampling
	}

	// Operator diffs go through the same validation as LLM proposals.
	if res := h.validator.Validate(diff); !res.Valid {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"invalid diff: "+strings.Join(res.Errors, "; "))
		return
	}

	armID, err := h.banditSvc.RegisterArm(r.Context(), diff, req.BasePromptVersion, req.Notes, false)
	if err != nil {
		h.logger.Error("arm registration failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeJSON(w, r, http.StatusCreated, map[string]any{"arm_id": armID, "active": false})
}

// HandleActivateArm handles POST /v1/arms/{arm_id}/activate.
func (h *Handlers) HandleActivateArm(w http.ResponseWriter, r *http.Request) {
	h.handleArmLifecycle(w, r, "activated", h.banditSvc.ActivateArm)
}

// HandleDeactivateArm handles POST /v1/arms/{arm_id}/deactivate.
func (h *Handlers) HandleDeactivateArm(w http.ResponseWriter, r *http.Request) {
	h.handleArmLifecycle(w, r, "deactivated", h.banditSvc.DeactivateArm)
}

func (h *Handlers) handleArmLifecycle(w http.ResponseWriter, r *http.Request, action string,
	fn func(ctx context.Context, armID uuid.UUID, reason string) error) {
	armID, err := uuid.Parse(r.PathValue("arm_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid arm_id")
		return
	}

	if err := fn(r.Context(), armID, "operator request"); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown arm")
			return
		}
		h.logger.Error("arm lifecycle change failed", "action", action, "arm_id", armID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"arm_id": armID, "status": action})
}

// HandleOptimize handles POST /v1/optimize/{arm_id}. The pipeline never
// errors toward the caller; the result says whether an arm was created
// and why not otherwise.
func (h *Handlers) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	if h.optimizerSvc == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "optimizer not configured")
		return
	}
	armID, err := uuid.Parse(r.PathValue("arm_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid arm_id")
		return
	}

	writeJSON(w, r, http.StatusOK, h.optimizerSvc.OptimizeArm(r.Context(), armID))
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	// Editor down degrades but does not fail health: feedback and metrics
	// still work without it.
	if h.editorHealth != nil {
		if h.editorHealth.Healthy(r.Context()) {
			resp.Editor = "connected"
		} else {
			resp.Editor = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
