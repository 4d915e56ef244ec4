package bandit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kireilab/armory/internal/storage"
)

// IsHealthy checks an arm's recent approval rate against the fleet
// baseline. It protects against an arm whose early stats looked fine but
// whose recent behavior regressed: lifetime counters hide regressions,
// a rolling window does not.
//
// Policy: examine the feedback on the arm's last guardrailWindow
// generations. With fewer than guardrailMinFeedback ratings the sample is
// too small to judge and the arm passes. Otherwise the arm fails when its
// recent approval rate drops more than guardrailMargin below the CTR of
// the single most-exposed active arm (0.5 when no baseline exists).
func (s *Service) IsHealthy(ctx context.Context, armID uuid.UUID) (bool, error) {
	gens, err := s.store.GetRecentGenerationsForArm(ctx, armID, s.guardrailWindow)
	if err != nil {
		return false, fmt.Errorf("bandit: guardrail generations: %w", err)
	}
	ids := make([]uuid.UUID, len(gens))
	for i, g := range gens {
		ids[i] = g.ID
	}

	feedback, err := s.store.GetFeedbackForGenerations(ctx, ids)
	if err != nil {
		return false, fmt.Errorf("bandit: guardrail feedback: %w", err)
	}
	if len(feedback) < s.guardrailMinFeedback {
		return true, nil
	}

	var up int
	for _, f := range feedback {
		if f.Rating == 1 {
			up++
		}
	}
	recentApproval := float64(up) / float64(len(feedback))

	baseline := 0.5
	if top, err := s.store.GetMostExposedActiveArmStats(ctx); err == nil {
		baseline = top.CTR()
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("bandit: guardrail baseline: %w", err)
	}

	return recentApproval >= baseline-s.guardrailMargin, nil
}
