// Package bandit implements the arm-selection policy, feedback
// bookkeeping, and guardrail checks of the experimentation loop.
//
// The service is stateless: every call reads fresh state from the store,
// so any number of request handlers can run it concurrently. All counter
// writes go through the store's atomic increment operations.
package bandit

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kireilab/armory/internal/config"
	"github.com/kireilab/armory/internal/model"
	"github.com/kireilab/armory/internal/telemetry"
)

// Store is the persistence surface the bandit requires. *storage.DB
// satisfies it; tests use an in-memory fake.
type Store interface {
	GetActiveArmsWithStats(ctx context.Context) ([]model.ArmWithStats, error)
	GetArm(ctx context.Context, id uuid.UUID) (model.Arm, error)
	InsertArm(ctx context.Context, arm model.Arm) (uuid.UUID, error)
	SetArmActive(ctx context.Context, id uuid.UUID, active bool, note string) error

	InsertArmStats(ctx context.Context, armID uuid.UUID) error
	GetArmStats(ctx context.Context, armID uuid.UUID) (model.ArmStats, error)
	IncrementArmShows(ctx context.Context, armID uuid.UUID) error
	IncrementArmThumbsUp(ctx context.Context, armID uuid.UUID) error
	IncrementArmThumbsDown(ctx context.Context, armID uuid.UUID) error
	UpdateArmStatsWilson(ctx context.Context, armID uuid.UUID, wilsonLower float64) error
	GetMostExposedActiveArmStats(ctx context.Context) (model.ArmStats, error)

	GetGeneration(ctx context.Context, id uuid.UUID) (model.Generation, error)
	GetRecentGenerationsForArm(ctx context.Context, armID uuid.UUID, limit int) ([]model.Generation, error)
	GetFeedbackForGenerations(ctx context.Context, generationIDs []uuid.UUID) ([]model.Feedback, error)
	InsertFeedback(ctx context.Context, f model.Feedback) error
	UpdateFeedbackReason(ctx context.Context, generationID uuid.UUID, reason string) error
	GetArmMetrics(ctx context.Context) ([]model.ArmMetrics, error)
}

// NegativeFeedbackHook is fired (in its own goroutine, never awaited)
// after a negative rating lands. The online optimizer registers itself
// here during wiring; the indirection keeps this package free of any
// dependency on the optimizer.
type NegativeFeedbackHook func(armID uuid.UUID)

// Service holds the bandit policy and its collaborators.
type Service struct {
	store  Store
	logger *slog.Logger

	baseEpsilon     float64
	minExposureRate float64
	epsilonEpoch    time.Time
	epsilonDecay    float64

	guardrailWindow      int
	guardrailMinFeedback int
	guardrailMargin      float64

	onNegative NegativeFeedbackHook

	// Injectable for tests; default to rand/v2 and wall clock.
	randFloat func() float64
	now       func() time.Time

	selections    metric.Int64Counter
	feedbackCount metric.Int64Counter
	guardrailTrip metric.Int64Counter
}

// New creates the bandit service from config policy knobs.
func New(store Store, cfg config.Config, logger *slog.Logger) *Service {
	meter := telemetry.Meter("armory/bandit")
	selections, _ := meter.Int64Counter("armory.bandit.selections",
		metric.WithDescription("Arm selections by mode (explore/exploit)"))
	feedbackCount, _ := meter.Int64Counter("armory.bandit.feedback",
		metric.WithDescription("Feedback events by rating"))
	guardrailTrip, _ := meter.Int64Counter("armory.bandit.guardrail_trips",
		metric.WithDescription("Arms deactivated by the guardrail"))

	return &Service{
		store:                store,
		logger:               logger,
		baseEpsilon:          cfg.BaseEpsilon,
		minExposureRate:      cfg.MinExposureRate,
		epsilonEpoch:         cfg.EpsilonEpoch,
		epsilonDecay:         cfg.EpsilonDecay,
		guardrailWindow:      cfg.GuardrailWindow,
		guardrailMinFeedback: cfg.GuardrailMinFeedback,
		guardrailMargin:      cfg.GuardrailMargin,
		randFloat:            rand.Float64,
		now:                  time.Now,
		selections:           selections,
		feedbackCount:        feedbackCount,
		guardrailTrip:        guardrailTrip,
	}
}

// SetNegativeFeedbackHook installs the fire-and-forget optimizer trigger.
// Must be called during wiring, before the service takes traffic.
func (s *Service) SetNegativeFeedbackHook(hook NegativeFeedbackHook) {
	s.onNegative = hook
}

// ArmMetrics returns the reporting rows for the operator dashboard.
func (s *Service) ArmMetrics(ctx context.Context) ([]model.ArmMetrics, error) {
	return s.store.GetArmMetrics(ctx)
}

func modeAttr(mode string) metric.AddOption {
	return metric.WithAttributes(attribute.String("mode", mode))
}
