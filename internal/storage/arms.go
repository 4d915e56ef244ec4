package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kireilab/armory/internal/model"
)

// InsertArm inserts a new arm row and returns its id.
func (db *DB) InsertArm(ctx context.Context, arm model.Arm) (uuid.UUID, error) {
	if arm.ID == uuid.Nil {
		arm.ID = uuid.New()
	}
	if arm.CreatedAt.IsZero() {
		arm.CreatedAt = time.Now().UTC()
	}

	diffJSON, err := json.Marshal(arm.Diff)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal arm diff: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO arms (id, base_prompt_version, diff, temperature, top_p, active, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		arm.ID, arm.BasePromptVersion, diffJSON,
		arm.Sampling.Temperature, arm.Sampling.TopP,
		arm.Active, arm.Notes, arm.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert arm: %w", err)
	}
	return arm.ID, nil
}

// GetArm retrieves an arm by id.
func (db *DB) GetArm(ctx context.Context, id uuid.UUID) (model.Arm, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, base_prompt_version, diff, temperature, top_p, active, notes, created_at
		 FROM arms WHERE id = $1`, id)
	arm, err := scanArm(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Arm{}, ErrNotFound
		}
		return model.Arm{}, fmt.Errorf("storage: get arm: %w", err)
	}
	return arm, nil
}

// SetArmActive flips the active flag and appends a note. Used both for
// guardrail deactivation and manual operator toggles; arms are never deleted.
func (db *DB) SetArmActive(ctx context.Context, id uuid.UUID, active bool, note string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE arms
		 SET active = $2,
		     notes = CASE WHEN $3 = '' THEN notes ELSE notes || E'\n' || $3 END
		 WHERE id = $1`,
		id, active, note,
	)
	if err != nil {
		return fmt.Errorf("storage: set arm active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActiveArmsWithStats returns all active arms joined with their stats,
// ordered by creation time so selection tie-breaks are stable. Arms whose
// stats row is missing come back with nil Stats.
func (db *DB) GetActiveArmsWithStats(ctx context.Context) ([]model.ArmWithStats, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT a.id, a.base_prompt_version, a.diff, a.temperature, a.top_p, a.active, a.notes, a.created_at,
		        s.arm_id, s.shows, s.thumbs_up, s.thumbs_down, s.wilson_lower, s.updated_at
		 FROM arms a
		 LEFT JOIN arm_stats s ON s.arm_id = a.id
		 WHERE a.active
		 ORDER BY a.created_at, a.id`)
	if err != nil {
		return nil, fmt.Errorf("storage: query active arms: %w", err)
	}
	defer rows.Close()

	var out []model.ArmWithStats
	for rows.Next() {
		var (
			arm      model.Arm
			diffJSON []byte
			statsID  *uuid.UUID
			st       model.ArmStats
			shows    *int64
			up       *int64
			down     *int64
			wilson   *float64
			updated  *time.Time
		)
		if err := rows.Scan(
			&arm.ID, &arm.BasePromptVersion, &diffJSON,
			&arm.Sampling.Temperature, &arm.Sampling.TopP,
			&arm.Active, &arm.Notes, &arm.CreatedAt,
			&statsID, &shows, &up, &down, &wilson, &updated,
		); err != nil {
			return nil, fmt.Errorf("storage: scan active arm: %w", err)
		}
		if err := json.Unmarshal(diffJSON, &arm.Diff); err != nil {
			return nil, fmt.Errorf("storage: decode arm diff %s: %w", arm.ID, err)
		}

		aws := model.ArmWithStats{Arm: arm}
		if statsID != nil {
			st.ArmID = *statsID
			st.Shows = *shows
			st.ThumbsUp = *up
			st.ThumbsDown = *down
			st.WilsonLower = *wilson
			st.UpdatedAt = *updated
			aws.Stats = &st
		}
		out = append(out, aws)
	}
	return out, rows.Err()
}

// GetArmMetrics returns a reporting row for every arm, ordered by Wilson
// lower bound so the operator dashboard shows strongest arms first.
func (db *DB) GetArmMetrics(ctx context.Context) ([]model.ArmMetrics, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT a.id, a.base_prompt_version, a.active, a.created_at,
		        COALESCE(s.shows, 0), COALESCE(s.thumbs_up, 0),
		        COALESCE(s.thumbs_down, 0), COALESCE(s.wilson_lower, 0)
		 FROM arms a
		 LEFT JOIN arm_stats s ON s.arm_id = a.id
		 ORDER BY COALESCE(s.wilson_lower, 0) DESC, a.created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: query arm metrics: %w", err)
	}
	defer rows.Close()

	var out []model.ArmMetrics
	for rows.Next() {
		var m model.ArmMetrics
		if err := rows.Scan(
			&m.ArmID, &m.BasePromptVersion, &m.Active, &m.CreatedAt,
			&m.Shows, &m.ThumbsUp, &m.ThumbsDown, &m.WilsonLower,
		); err != nil {
			return nil, fmt.Errorf("storage: scan arm metrics: %w", err)
		}
		if m.Shows > 0 {
			m.CTR = float64(m.ThumbsUp) / float64(m.Shows)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanArm(row pgx.Row) (model.Arm, error) {
	var arm model.Arm
	var diffJSON []byte
	if err := row.Scan(
		&arm.ID, &arm.BasePromptVersion, &diffJSON,
		&arm.Sampling.Temperature, &arm.Sampling.TopP,
		&arm.Active, &arm.Notes, &arm.CreatedAt,
	); err != nil {
		return model.Arm{}, err
	}
	if err := json.Unmarshal(diffJSON, &arm.Diff); err != nil {
		return model.Arm{}, fmt.Errorf("decode arm diff: %w", err)
	}
	return arm, nil
}
