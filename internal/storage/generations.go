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

// InsertGeneration records one image-edit invocation. Generations are
// immutable after insert.
func (db *DB) InsertGeneration(ctx context.Context, g model.Generation) (uuid.UUID, error) {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if g.Intensities == nil {
		g.Intensities = map[string]float64{}
	}

	intensities, err := json.Marshal(g.Intensities)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal intensities: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO generations
		 (id, arm_id, prompt_version, diff_hash, temperature, top_p, model, procedure,
		  intensities, user_id, offer_probability, latency_ms, result_ok, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		g.ID, g.ArmID, g.PromptVersion, g.DiffHash, g.Temperature, g.TopP,
		g.Model, g.Procedure, intensities, g.UserID,
		g.OfferProbability, g.LatencyMS, g.ResultOK, g.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert generation: %w", err)
	}
	return g.ID, nil
}

// GetGeneration retrieves a generation by id.
func (db *DB) GetGeneration(ctx context.Context, id uuid.UUID) (model.Generation, error) {
	var g model.Generation
	var intensities []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, arm_id, prompt_version, diff_hash, temperature, top_p, model, procedure,
		        intensities, user_id, offer_probability, latency_ms, result_ok, created_at
		 FROM generations WHERE id = $1`, id,
	).Scan(
		&g.ID, &g.ArmID, &g.PromptVersion, &g.DiffHash, &g.Temperature, &g.TopP,
		&g.Model, &g.Procedure, &intensities, &g.UserID,
		&g.OfferProbability, &g.LatencyMS, &g.ResultOK, &g.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Generation{}, ErrNotFound
		}
		return model.Generation{}, fmt.Errorf("storage: get generation: %w", err)
	}
	if err := json.Unmarshal(intensities, &g.Intensities); err != nil {
		return model.Generation{}, fmt.Errorf("storage: decode intensities %s: %w", g.ID, err)
	}
	return g, nil
}

// GetRecentGenerationsForArm returns up to limit generations for an arm,
// newest first.
func (db *DB) GetRecentGenerationsForArm(ctx context.Context, armID uuid.UUID, limit int) ([]model.Generation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, arm_id, prompt_version, diff_hash, temperature, top_p, model, procedure,
		        intensities, user_id, offer_probability, latency_ms, result_ok, created_at
		 FROM generations
		 WHERE arm_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, armID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent generations: %w", err)
	}
	defer rows.Close()

	var out []model.Generation
	for rows.Next() {
		var g model.Generation
		var intensities []byte
		if err := rows.Scan(
			&g.ID, &g.ArmID, &g.PromptVersion, &g.DiffHash, &g.Temperature, &g.TopP,
			&g.Model, &g.Procedure, &intensities, &g.UserID,
			&g.OfferProbability, &g.LatencyMS, &g.ResultOK, &g.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan generation: %w", err)
		}
		if err := json.Unmarshal(intensities, &g.Intensities); err != nil {
			return nil, fmt.Errorf("storage: decode intensities %s: %w", g.ID, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetRecentSignalsForArm joins an arm's recent rated generations with
// their feedback, newest rating first. This is the optimizer's input.
func (db *DB) GetRecentSignalsForArm(ctx context.Context, armID uuid.UUID, limit int) ([]model.Signal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT g.procedure, g.intensities, f.rating, f.reason, f.created_at
		 FROM generations g
		 JOIN feedback f ON f.generation_id = g.id
		 WHERE g.arm_id = $1
		 ORDER BY f.created_at DESC
		 LIMIT $2`, armID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent signals: %w", err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var s model.Signal
		var intensities []byte
		if err := rows.Scan(&s.Procedure, &intensities, &s.Rating, &s.Reason, &s.RatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan signal: %w", err)
		}
		if err := json.Unmarshal(intensities, &s.Intensities); err != nil {
			return nil, fmt.Errorf("storage: decode signal intensities: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
