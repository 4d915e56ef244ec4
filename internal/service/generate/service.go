// Package generate runs the end-user edit pipeline: pick an arm, render
// its prompt, call the edit server, and log the Generation row the
// feedback loop keys on.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kireilab/armory/internal/editor"
	"github.com/kireilab/armory/internal/model"
	"github.com/kireilab/armory/internal/prompt"
	"github.com/kireilab/armory/internal/service/bandit"
	"github.com/kireilab/armory/internal/telemetry"
)

// ErrEditFailed wraps failures from the edit server. The Generation row
// for the attempt is still written before this is returned.
var ErrEditFailed = errors.New("generate: edit failed")

// Selector picks the arm for one request. *bandit.Service satisfies it.
type Selector interface {
	SelectArm(ctx context.Context) (bandit.SelectionResult, error)
}

// Editor runs one image edit. *editor.Client satisfies it.
type Editor interface {
	Edit(ctx context.Context, req editor.Request) (editor.Result, error)
}

// Store is the persistence surface the pipeline writes.
type Store interface {
	InsertGeneration(ctx context.Context, g model.Generation) (uuid.UUID, error)
	IncrementArmShows(ctx context.Context, armID uuid.UUID) error
}

// Service orchestrates one generation per request.
type Service struct {
	selector Selector
	editor   Editor
	store    Store
	model    string
	logger   *slog.Logger

	generations metric.Int64Counter
	duration    metric.Float64Histogram
}

// New creates the generation pipeline. Model names the editing backend
// recorded on every Generation row.
func New(selector Selector, ed Editor, store Store, editorModel string, logger *slog.Logger) *Service {
	meter := telemetry.Meter("armory/generate")
	generations, _ := meter.Int64Counter("armory.generations",
		metric.WithDescription("Generation attempts by result"))
	duration, _ := meter.Float64Histogram("armory.generate.duration",
		metric.WithDescription("End-to-end generation duration (ms)"),
		metric.WithUnit("ms"))
	return &Service{
		selector:    selector,
		editor:      ed,
		store:       store,
		model:       editorModel,
		logger:      logger,
		generations: generations,
		duration:    duration,
	}
}

// Generate runs the pipeline for one request.
//
// Failure handling is asymmetric on purpose. Arm selection, generation
// insert, and the edit itself fail the request; the shows increment is
// bookkeeping and only logs. An edit failure still writes the Generation
// row with result_ok=false so exposure accounting sees the attempt.
func (s *Service) Generate(ctx context.Context, req model.GenerateRequest) (model.GenerateResponse, error) {
	if err := req.Validate(); err != nil {
		return model.GenerateResponse{}, fmt.Errorf("generate: %w", err)
	}

	start := time.Now()
	sel, err := s.selector.SelectArm(ctx)
	if err != nil {
		return model.GenerateResponse{}, err
	}
	arm := sel.Arm

	instruction := s.renderInstruction(arm)

	temperature := arm.Sampling.TemperatureOrDefault()
	topP := arm.Sampling.TopPOrDefault()

	res, editErr := s.editor.Edit(ctx, editor.Request{
		Image:       req.ImageBase64,
		Instruction: instruction,
		Procedure:   req.Procedure,
		Intensities: req.Intensities,
		Temperature: temperature,
		TopP:        topP,
	})
	elapsed := time.Since(start)
	s.duration.Record(ctx, float64(elapsed.Milliseconds()))

	gen := model.Generation{
		ArmID:            &arm.ID,
		PromptVersion:    arm.BasePromptVersion,
		DiffHash:         prompt.DiffHash(arm.Diff),
		Temperature:      temperature,
		TopP:             topP,
		Model:            s.model,
		Procedure:        req.Procedure,
		Intensities:      req.Intensities,
		UserID:           req.UserID,
		OfferProbability: sel.OfferProbability,
		LatencyMS:        elapsed.Milliseconds(),
		ResultOK:         editErr == nil,
	}
	genID, err := s.store.InsertGeneration(ctx, gen)
	if err != nil {
		return model.GenerateResponse{}, fmt.Errorf("generate: insert generation: %w", err)
	}

	if err := s.store.IncrementArmShows(ctx, arm.ID); err != nil {
		s.logger.Warn("generate: shows increment failed", "arm_id", arm.ID, "error", err)
	}

	if editErr != nil {
		s.generations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "edit_failed")))
		s.logger.Error("generate: edit failed", "arm_id", arm.ID, "error", editErr)
		return model.GenerateResponse{}, fmt.Errorf("%w: %v", ErrEditFailed, editErr)
	}

	s.generations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	s.logger.Info("generation complete",
		"generation_id", genID, "arm_id", arm.ID, "explored", sel.Explored, "latency_ms", elapsed.Milliseconds())
	return model.GenerateResponse{
		GenerationID: genID,
		ArmID:        arm.ID,
		ImageBase64:  res.Image,
	}, nil
}

// renderInstruction applies the arm's diff to its base prompt and
// flattens the result. A diff that no longer applies (its path vanished
// in a newer base version) falls back to the unmodified base rather than
// failing the request.
func (s *Service) renderInstruction(arm model.Arm) string {
	base, ok := prompt.Base(arm.BasePromptVersion)
	if !ok {
		base, _ = prompt.Base(prompt.DefaultVersion)
	}
	tree, err := prompt.Apply(base, arm.Diff)
	if err != nil {
		s.logger.Warn("generate: diff no longer applies, using base prompt", "arm_id", arm.ID, "error", err)
		tree = base
	}
	return prompt.Render(tree)
}

// compile-time interface checks for the production wiring
var (
	_ Selector = (*bandit.Service)(nil)
	_ Editor   = (*editor.Client)(nil)
)
