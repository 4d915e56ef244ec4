package bandit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kireilab/armory/internal/model"
	"github.com/kireilab/armory/internal/stats"
	"github.com/kireilab/armory/internal/storage"
)

// RecordFeedback durably records a rating for a generation, then runs the
// per-arm bookkeeping: counter increment, Wilson recompute, guardrail
// check, and (for negative ratings) the fire-and-forget optimizer trigger.
//
// Only the feedback insert itself can fail the call. Everything after it
// is best-effort: the rating is already durable, and a bookkeeping
// hiccup must not surface as a user-visible error or roll anything back.
func (s *Service) RecordFeedback(ctx context.Context, req model.FeedbackRequest) error {
	err := s.store.InsertFeedback(ctx, model.Feedback{
		GenerationID: req.GenerationID,
		Rating:       req.Rating,
		Reason:       req.Reason,
		UserID:       req.UserID,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateFeedback) {
			// Idempotent success. Refresh the reason if the caller sent one;
			// losing that update is acceptable.
			if req.Reason != nil {
				if uerr := s.store.UpdateFeedbackReason(ctx, req.GenerationID, *req.Reason); uerr != nil {
					s.logger.Warn("feedback: reason refresh failed", "generation_id", req.GenerationID, "error", uerr)
				}
			}
			return nil
		}
		return fmt.Errorf("bandit: record feedback: %w", err)
	}

	s.feedbackCount.Add(ctx, 1, metric.WithAttributes(attribute.Int("rating", req.Rating)))

	gen, err := s.store.GetGeneration(ctx, req.GenerationID)
	if err != nil {
		s.logger.Warn("feedback: generation lookup failed, skipping arm bookkeeping",
			"generation_id", req.GenerationID, "error", err)
		return nil
	}
	if gen.ArmID == nil {
		return nil
	}
	armID := *gen.ArmID

	s.updateArmStats(ctx, armID, req.Rating)

	healthy, err := s.IsHealthy(ctx, armID)
	if err != nil {
		s.logger.Warn("feedback: guardrail check failed", "arm_id", armID, "error", err)
	} else if !healthy {
		if err := s.DeactivateArm(ctx, armID, "guardrail: recent approval below baseline tolerance"); err != nil {
			s.logger.Error("feedback: guardrail deactivation failed", "arm_id", armID, "error", err)
		} else {
			s.guardrailTrip.Add(ctx, 1)
			s.logger.Info("guardrail deactivated arm", "arm_id", armID)
		}
	}

	if req.Rating == 0 && s.onNegative != nil {
		// Detached: the optimizer's outcome is observable only via logs
		// and metrics, never via this response.
		go s.onNegative(armID)
	}
	return nil
}

// updateArmStats bumps exactly one feedback counter and recomputes the
// cached Wilson lower bound from the fresh counters. Failures are logged
// and swallowed.
func (s *Service) updateArmStats(ctx context.Context, armID uuid.UUID, rating int) {
	increment := s.store.IncrementArmThumbsDown
	if rating == 1 {
		increment = s.store.IncrementArmThumbsUp
	}

	err := storage.WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		return increment(ctx, armID)
	})
	if err != nil {
		s.logger.Warn("feedback: counter increment failed", "arm_id", armID, "rating", rating, "error", err)
		return
	}

	st, err := s.store.GetArmStats(ctx, armID)
	if err != nil {
		s.logger.Warn("feedback: stats read for wilson recompute failed", "arm_id", armID, "error", err)
		return
	}
	wilson := stats.WilsonLowerBound(st.ThumbsUp, st.Shows)
	if err := s.store.UpdateArmStatsWilson(ctx, armID, wilson); err != nil {
		s.logger.Warn("feedback: wilson update failed", "arm_id", armID, "error", err)
	}
}
