package bandit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kireilab/armory/internal/model"
	"github.com/kireilab/armory/internal/prompt"
)

// RegisterArm inserts a new arm and its zeroed stats row.
//
// The active flag encodes a deliberate policy split: optimizer-proposed
// arms go live immediately to start competing, while operator-authored or
// batch-proposed arms start inactive and wait for explicit activation.
//
// Stats initialization is best-effort. An arm whose stats insert failed
// still exists and reads as zero exposure everywhere downstream, which is
// exactly what a fresh arm would report anyway.
func (s *Service) RegisterArm(ctx context.Context, diff model.Diff, baseVersion string, notes string, active bool) (uuid.UUID, error) {
	if baseVersion == "" {
		baseVersion = prompt.DefaultVersion
	}

	arm := model.Arm{
		BasePromptVersion: baseVersion,
		Diff:              diff,
		Active:            active,
		Notes:             notes,
	}
	if diff.Sampling != nil {
		arm.Sampling = *diff.Sampling
	}

	armID, err := s.store.InsertArm(ctx, arm)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bandit: register arm: %w", err)
	}

	if err := s.store.InsertArmStats(ctx, armID); err != nil {
		s.logger.Warn("register: stats initialization failed, arm reads as zero exposure",
			"arm_id", armID, "error", err)
	}

	s.logger.Info("registered arm",
		"arm_id", armID, "base_version", baseVersion, "active", active,
		"changes", len(diff.Changes))
	return armID, nil
}

// DeactivateArm flips an arm inactive and appends the reason to its
// notes. Irreversible through this path; reactivation is a manual
// operator action.
func (s *Service) DeactivateArm(ctx context.Context, armID uuid.UUID, reason string) error {
	note := fmt.Sprintf("[deactivated %s] %s", time.Now().UTC().Format(time.RFC3339), reason)
	if err := s.store.SetArmActive(ctx, armID, false, note); err != nil {
		return fmt.Errorf("bandit: deactivate arm: %w", err)
	}
	return nil
}

// ActivateArm is the manual operator path that puts an inactive arm into
// rotation.
func (s *Service) ActivateArm(ctx context.Context, armID uuid.UUID, reason string) error {
	note := fmt.Sprintf("[activated %s] %s", time.Now().UTC().Format(time.RFC3339), reason)
	if err := s.store.SetArmActive(ctx, armID, true, note); err != nil {
		return fmt.Errorf("bandit: activate arm: %w", err)
	}
	return nil
}
