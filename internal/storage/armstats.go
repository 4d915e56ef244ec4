package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kireilab/armory/internal/model"
)

// InsertArmStats creates the zeroed stats row for a new arm. ON CONFLICT
// DO NOTHING makes repeat calls harmless. Callers treat failure here as
// non-fatal: an arm without stats reads as zero exposure downstream.
func (db *DB) InsertArmStats(ctx context.Context, armID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO arm_stats (arm_id, shows, thumbs_up, thumbs_down, wilson_lower, updated_at)
		 VALUES ($1, 0, 0, 0, 0, $2)
		 ON CONFLICT (arm_id) DO NOTHING`,
		armID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: insert arm stats: %w", err)
	}
	return nil
}

// GetArmStats retrieves the stats row for an arm.
func (db *DB) GetArmStats(ctx context.Context, armID uuid.UUID) (model.ArmStats, error) {
	var s model.ArmStats
	err := db.pool.QueryRow(ctx,
		`SELECT arm_id, shows, thumbs_up, thumbs_down, wilson_lower, updated_at
		 FROM arm_stats WHERE arm_id = $1`, armID,
	).Scan(&s.ArmID, &s.Shows, &s.ThumbsUp, &s.ThumbsDown, &s.WilsonLower, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ArmStats{}, ErrNotFound
		}
		return model.ArmStats{}, fmt.Errorf("storage: get arm stats: %w", err)
	}
	return s, nil
}

// IncrementArmShows atomically bumps the exposure counter.
func (db *DB) IncrementArmShows(ctx context.Context, armID uuid.UUID) error {
	return db.incrementStat(ctx, armID, "shows")
}

// IncrementArmThumbsUp atomically bumps the positive-rating counter.
func (db *DB) IncrementArmThumbsUp(ctx context.Context, armID uuid.UUID) error {
	return db.incrementStat(ctx, armID, "thumbs_up")
}

// IncrementArmThumbsDown atomically bumps the negative-rating counter.
func (db *DB) IncrementArmThumbsDown(ctx context.Context, armID uuid.UUID) error {
	return db.incrementStat(ctx, armID, "thumbs_down")
}

// incrementStat does a single server-side increment. The column name is
// chosen from a fixed set by the exported wrappers, never caller input.
func (db *DB) incrementStat(ctx context.Context, armID uuid.UUID, column string) error {
	tag, err := db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE arm_stats SET %s = %s + 1, updated_at = $2 WHERE arm_id = $1`, column, column),
		armID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: increment %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateArmStatsWilson persists a recomputed Wilson lower bound.
func (db *DB) UpdateArmStatsWilson(ctx context.Context, armID uuid.UUID, wilsonLower float64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE arm_stats SET wilson_lower = $2, updated_at = $3 WHERE arm_id = $1`,
		armID, wilsonLower, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: update wilson lower: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMostExposedActiveArmStats returns the stats of the single active arm
// with the most exposures. Used as the guardrail baseline; returns
// ErrNotFound when no active arm has a stats row.
func (db *DB) GetMostExposedActiveArmStats(ctx context.Context) (model.ArmStats, error) {
	var s model.ArmStats
	err := db.pool.QueryRow(ctx,
		`SELECT s.arm_id, s.shows, s.thumbs_up, s.thumbs_down, s.wilson_lower, s.updated_at
		 FROM arm_stats s
		 JOIN arms a ON a.id = s.arm_id
		 WHERE a.active
		 ORDER BY s.shows DESC
		 LIMIT 1`,
	).Scan(&s.ArmID, &s.Shows, &s.ThumbsUp, &s.ThumbsDown, &s.WilsonLower, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ArmStats{}, ErrNotFound
		}
		return model.ArmStats{}, fmt.Errorf("storage: get most exposed arm stats: %w", err)
	}
	return s, nil
}
