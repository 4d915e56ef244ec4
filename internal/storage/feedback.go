package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kireilab/armory/internal/model"
)

// InsertFeedback records a rating for a generation. generation_id is the
// primary key: a second rating for the same generation returns
// ErrDuplicateFeedback so the caller can treat it as idempotent success.
func (db *DB) InsertFeedback(ctx context.Context, f model.Feedback) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO feedback (generation_id, rating, reason, user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		f.GenerationID, f.Rating, f.Reason, f.UserID, f.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505": // unique_violation
				return ErrDuplicateFeedback
			case "23503": // foreign_key_violation: no such generation
				return ErrNotFound
			}
		}
		return fmt.Errorf("storage: insert feedback: %w", err)
	}
	return nil
}

// UpdateFeedbackReason replaces the free-text reason on an existing
// feedback row. Best-effort companion to the duplicate-feedback path.
func (db *DB) UpdateFeedbackReason(ctx context.Context, generationID uuid.UUID, reason string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE feedback SET reason = $2 WHERE generation_id = $1`,
		generationID, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: update feedback reason: %w", err)
	}
	return nil
}

// GetFeedbackForGenerations returns all feedback rows for the given
// generation ids. Used by the guardrail monitor.
func (db *DB) GetFeedbackForGenerations(ctx context.Context, generationIDs []uuid.UUID) ([]model.Feedback, error) {
	if len(generationIDs) == 0 {
		return nil, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT generation_id, rating, reason, user_id, created_at
		 FROM feedback
		 WHERE generation_id = ANY($1)`, generationIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: query feedback: %w", err)
	}
	defer rows.Close()

	var out []model.Feedback
	for rows.Next() {
		var f model.Feedback
		if err := rows.Scan(&f.GenerationID, &f.Rating, &f.Reason, &f.UserID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFeedback retrieves the feedback row for a generation.
func (db *DB) GetFeedback(ctx context.Context, generationID uuid.UUID) (model.Feedback, error) {
	fs, err := db.GetFeedbackForGenerations(ctx, []uuid.UUID{generationID})
	if err != nil {
		return model.Feedback{}, err
	}
	if len(fs) == 0 {
		return model.Feedback{}, ErrNotFound
	}
	return fs[0], nil
}
