// Package optimizer implements the LLM-assisted online optimization
// pipeline: it watches an arm's recent negative feedback, asks a language
// model for a small prompt modification, validates the proposal, and
// registers it as a new competing arm.
//
// The whole pipeline is soft. It runs detached from the feedback path,
// and every failure inside it collapses to a logged reason, never an
// error the user sees.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/kireilab/armory/internal/config"
	"github.com/kireilab/armory/internal/model"
	"github.com/kireilab/armory/internal/prompt"
	"github.com/kireilab/armory/internal/telemetry"
)

// Store is the persistence surface the optimizer reads.
type Store interface {
	GetArm(ctx context.Context, id uuid.UUID) (model.Arm, error)
	GetActiveArmsWithStats(ctx context.Context) ([]model.ArmWithStats, error)
	GetRecentSignalsForArm(ctx context.Context, armID uuid.UUID, limit int) ([]model.Signal, error)
}

// Registrar registers validated diffs as arms. *bandit.Service satisfies it.
type Registrar interface {
	RegisterArm(ctx context.Context, diff model.Diff, baseVersion string, notes string, active bool) (uuid.UUID, error)
}

// Result reports one optimization attempt. CreatedArmID is nil whenever
// the pipeline stopped early; Reason says why.
type Result struct {
	CreatedArmID *uuid.UUID `json:"created_arm_id,omitempty"`
	Reason       string     `json:"reason"`
}

// Service is the online optimization orchestrator.
type Service struct {
	store     Store
	registrar Registrar
	proposer  *Proposer
	validator *Validator
	logger    *slog.Logger

	signalLimit     int
	minSignals      int
	minNegativeRate float64

	outcomes metric.Int64Counter
}

// New creates the optimizer service.
func New(store Store, registrar Registrar, proposer *Proposer, cfg config.Config, logger *slog.Logger) *Service {
	meter := telemetry.Meter("armory/optimizer")
	outcomes, _ := meter.Int64Counter("armory.optimizer.outcomes",
		metric.WithDescription("Online optimization attempts by outcome"))
	return &Service{
		store:           store,
		registrar:       registrar,
		proposer:        proposer,
		validator:       NewValidator(),
		logger:          logger,
		signalLimit:     cfg.SignalLimit,
		minSignals:      cfg.MinSignals,
		minNegativeRate: cfg.MinNegativeRate,
		outcomes:        outcomes,
	}
}

// OptimizeArm runs the linear pipeline for one arm: throttle gate,
// proposal, validation, registration. No retries anywhere; a failed stage
// stops the attempt and the next negative rating gets a fresh one.
func (s *Service) OptimizeArm(ctx context.Context, armID uuid.UUID) Result {
	signals, err := s.store.GetRecentSignalsForArm(ctx, armID, s.signalLimit)
	if err != nil {
		return s.outcome(ctx, "signal_fetch_failed", fmt.Sprintf("signal fetch failed: %v", err))
	}

	var negatives int
	for _, sig := range signals {
		if sig.Rating == 0 {
			negatives++
		}
	}
	if len(signals) < s.minSignals || float64(negatives)/float64(max(len(signals), 1)) < s.minNegativeRate {
		return s.outcome(ctx, "throttled", "insufficient negative signal")
	}

	baseVersion := prompt.DefaultVersion
	if arm, err := s.store.GetArm(ctx, armID); err == nil && arm.BasePromptVersion != "" {
		baseVersion = arm.BasePromptVersion
	}

	diff := s.proposer.ProposeDiff(ctx, signals, baseVersion)
	if diff == nil {
		return s.outcome(ctx, "no_proposal", "no diff produced")
	}

	if res := s.validator.Validate(*diff); !res.Valid {
		// Discarded, not stored, not retried.
		return s.outcome(ctx, "invalid_proposal", "proposal rejected: "+strings.Join(res.Errors, "; "))
	}

	notes := fmt.Sprintf("online-optimized from arm %s at %s", armID, time.Now().UTC().Format(time.RFC3339))
	newID, err := s.registrar.RegisterArm(ctx, *diff, baseVersion, notes, true)
	if err != nil {
		return s.outcome(ctx, "register_failed", fmt.Sprintf("failed to register: %v", err))
	}

	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "registered")))
	s.logger.Info("optimizer registered competing arm", "source_arm_id", armID, "new_arm_id", newID)
	return Result{CreatedArmID: &newID, Reason: "registered"}
}

// OptimizeArmDetached is the fire-and-forget entry point wired into the
// feedback processor. It runs on a background context so a canceled HTTP
// request doesn't abort the pipeline mid-flight.
func (s *Service) OptimizeArmDetached(armID uuid.UUID) {
	res := s.OptimizeArm(context.Background(), armID)
	if res.CreatedArmID == nil {
		s.logger.Debug("optimizer pass ended without a new arm", "arm_id", armID, "reason", res.Reason)
	}
}

// RunBatch sweeps every active arm once, proposing up to three diffs per
// degraded arm. Batch-proposed arms register inactive: an operator
// reviews them before they take traffic. Parallelism is bounded so a
// large fleet doesn't stampede the LLM provider.
func (s *Service) RunBatch(ctx context.Context) (int, error) {
	arms, err := s.store.GetActiveArmsWithStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("optimizer: batch arm list: %w", err)
	}

	var registered atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, a := range arms {
		g.Go(func() error {
			registered.Add(s.batchOne(ctx, a.Arm))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(registered.Load()), err
	}
	return int(registered.Load()), nil
}

func (s *Service) batchOne(ctx context.Context, arm model.Arm) int64 {
	signals, err := s.store.GetRecentSignalsForArm(ctx, arm.ID, s.signalLimit)
	if err != nil {
		s.logger.Warn("optimizer: batch signal fetch failed", "arm_id", arm.ID, "error", err)
		return 0
	}
	var negatives int
	for _, sig := range signals {
		if sig.Rating == 0 {
			negatives++
		}
	}
	if len(signals) < s.minSignals || float64(negatives)/float64(max(len(signals), 1)) < s.minNegativeRate {
		return 0
	}

	var count int64
	for _, diff := range s.proposer.ProposeDiffs(ctx, signals, arm.BasePromptVersion) {
		if res := s.validator.Validate(diff); !res.Valid {
			s.logger.Warn("optimizer: batch proposal rejected",
				"arm_id", arm.ID, "errors", strings.Join(res.Errors, "; "))
			continue
		}
		notes := fmt.Sprintf("batch-proposed from arm %s at %s", arm.ID, time.Now().UTC().Format(time.RFC3339))
		if _, err := s.registrar.RegisterArm(ctx, diff, arm.BasePromptVersion, notes, false); err != nil {
			s.logger.Warn("optimizer: batch registration failed", "arm_id", arm.ID, "error", err)
			continue
		}
		count++
	}
	return count
}

func (s *Service) outcome(ctx context.Context, kind, reason string) Result {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind)))
	return Result{Reason: reason}
}
