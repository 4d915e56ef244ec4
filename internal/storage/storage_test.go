package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kireilab/armory/internal/model"
	"github.com/kireilab/armory/internal/storage"
	"github.com/kireilab/armory/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func fptr(f float64) *float64 { return &f }

func createArm(t *testing.T, active bool) uuid.UUID {
	t.Helper()
	id, err := testDB.InsertArm(context.Background(), model.Arm{
		BasePromptVersion: "v1",
		Diff: model.Diff{Changes: []model.DiffChange{
			{Path: "tone.style", Op: "replace", Text: "softer finish"},
		}},
		Sampling: model.Sampling{Temperature: fptr(0.6)},
		Active:   active,
		Notes:    "test arm",
	})
	require.NoError(t, err)
	return id
}

func createGeneration(t *testing.T, armID uuid.UUID, createdAt time.Time) uuid.UUID {
	t.Helper()
	id, err := testDB.InsertGeneration(context.Background(), model.Generation{
		ArmID:            &armID,
		PromptVersion:    "v1",
		DiffHash:         "abc123",
		Temperature:      0.6,
		TopP:             0.9,
		Model:            "nano-banana",
		Procedure:        "nasal_tip_mm",
		Intensities:      map[string]float64{"nasal_tip_mm": 4},
		UserID:           "user-1",
		OfferProbability: 0.25,
		LatencyMS:        840,
		ResultOK:         true,
		CreatedAt:        createdAt,
	})
	require.NoError(t, err)
	return id
}

func TestArmRoundTrip(t *testing.T) {
	ctx := context.Background()
	id := createArm(t, true)

	arm, err := testDB.GetArm(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, arm.ID)
	assert.Equal(t, "v1", arm.BasePromptVersion)
	require.Len(t, arm.Diff.Changes, 1)
	assert.Equal(t, "tone.style", arm.Diff.Changes[0].Path)
	require.NotNil(t, arm.Sampling.Temperature)
	assert.Equal(t, 0.6, *arm.Sampling.Temperature)
	assert.Nil(t, arm.Sampling.TopP)
	assert.True(t, arm.Active)
}

func TestGetArmNotFound(t *testing.T) {
	_, err := testDB.GetArm(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetArmActiveAppendsNote(t *testing.T) {
	ctx := context.Background()
	id := createArm(t, true)

	require.NoError(t, testDB.SetArmActive(ctx, id, false, "deactivated: guardrail"))

	arm, err := testDB.GetArm(ctx, id)
	require.NoError(t, err)
	assert.False(t, arm.Active)
	assert.Contains(t, arm.Notes, "test arm")
	assert.Contains(t, arm.Notes, "deactivated: guardrail")

	assert.ErrorIs(t, testDB.SetArmActive(ctx, uuid.New(), false, "x"), storage.ErrNotFound)
}

func TestGetActiveArmsWithStatsOrderAndMissingStats(t *testing.T) {
	ctx := context.Background()
	first := createArm(t, true)
	second := createArm(t, true)
	createArm(t, false) // inactive, must not appear

	require.NoError(t, testDB.InsertArmStats(ctx, first))
	require.NoError(t, testDB.IncrementArmShows(ctx, first))

	arms, err := testDB.GetActiveArmsWithStats(ctx)
	require.NoError(t, err)

	var firstIdx, secondIdx = -1, -1
	for i, a := range arms {
		switch a.Arm.ID {
		case first:
			firstIdx = i
			require.NotNil(t, a.Stats)
			assert.Equal(t, int64(1), a.Stats.Shows)
		case second:
			secondIdx = i
			assert.Nil(t, a.Stats, "arm without a stats row reads as zero exposure")
		}
	}
	require.GreaterOrEqual(t, firstIdx, 0)
	require.GreaterOrEqual(t, secondIdx, 0)
	assert.Less(t, firstIdx, secondIdx, "creation order is the selection tie-break")
}

func TestArmStatsCountersAndWilson(t *testing.T) {
	ctx := context.Background()
	id := createArm(t, true)

	require.NoError(t, testDB.InsertArmStats(ctx, id))
	// Repeat insert is harmless.
	require.NoError(t, testDB.InsertArmStats(ctx, id))

	require.NoError(t, testDB.IncrementArmShows(ctx, id))
	require.NoError(t, testDB.IncrementArmShows(ctx, id))
	require.NoError(t, testDB.IncrementArmThumbsUp(ctx, id))
	require.NoError(t, testDB.IncrementArmThumbsDown(ctx, id))
	require.NoError(t, testDB.UpdateArmStatsWilson(ctx, id, 0.2065))

	s, err := testDB.GetArmStats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Shows)
	assert.Equal(t, int64(1), s.ThumbsUp)
	assert.Equal(t, int64(1), s.ThumbsDown)
	assert.Equal(t, 0.2065, s.WilsonLower)

	assert.ErrorIs(t, testDB.IncrementArmShows(ctx, uuid.New()), storage.ErrNotFound)
	assert.ErrorIs(t, testDB.UpdateArmStatsWilson(ctx, uuid.New(), 0.5), storage.ErrNotFound)
}

func TestGetMostExposedActiveArmStats(t *testing.T) {
	ctx := context.Background()
	hot := createArm(t, true)
	require.NoError(t, testDB.InsertArmStats(ctx, hot))
	for i := 0; i < 50; i++ {
		require.NoError(t, testDB.IncrementArmShows(ctx, hot))
	}

	s, err := testDB.GetMostExposedActiveArmStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, hot, s.ArmID)
	assert.GreaterOrEqual(t, s.Shows, int64(50))
}

func TestGenerationRoundTrip(t *testing.T) {
	ctx := context.Background()
	armID := createArm(t, true)
	genID := createGeneration(t, armID, time.Time{})

	g, err := testDB.GetGeneration(ctx, genID)
	require.NoError(t, err)
	require.NotNil(t, g.ArmID)
	assert.Equal(t, armID, *g.ArmID)
	assert.Equal(t, 0.25, g.OfferProbability)
	assert.Equal(t, map[string]float64{"nasal_tip_mm": 4}, g.Intensities)
	assert.Equal(t, int64(840), g.LatencyMS)
	assert.True(t, g.ResultOK)

	_, err = testDB.GetGeneration(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetRecentGenerationsForArm(t *testing.T) {
	ctx := context.Background()
	armID := createArm(t, true)

	base := time.Now().UTC().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, createGeneration(t, armID, base.Add(time.Duration(i)*time.Minute)))
	}

	gens, err := testDB.GetRecentGenerationsForArm(ctx, armID, 3)
	require.NoError(t, err)
	require.Len(t, gens, 3)
	assert.Equal(t, ids[4], gens[0].ID, "newest first")
	assert.Equal(t, ids[3], gens[1].ID)
	assert.Equal(t, ids[2], gens[2].ID)
}

func TestFeedbackDuplicateAndReasonUpdate(t *testing.T) {
	ctx := context.Background()
	armID := createArm(t, true)
	genID := createGeneration(t, armID, time.Time{})

	reason := "looked unnatural"
	require.NoError(t, testDB.InsertFeedback(ctx, model.Feedback{
		GenerationID: genID, Rating: 0, Reason: &reason, UserID: "user-1",
	}))

	err := testDB.InsertFeedback(ctx, model.Feedback{
		GenerationID: genID, Rating: 1, UserID: "user-1",
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateFeedback)

	require.NoError(t, testDB.UpdateFeedbackReason(ctx, genID, "too strong around the jaw"))

	f, err := testDB.GetFeedback(ctx, genID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.Rating, "duplicate insert must not change the rating")
	require.NotNil(t, f.Reason)
	assert.Equal(t, "too strong around the jaw", *f.Reason)
}

func TestInsertFeedbackUnknownGeneration(t *testing.T) {
	err := testDB.InsertFeedback(context.Background(), model.Feedback{
		GenerationID: uuid.New(), Rating: 1, UserID: "user-1",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetRecentSignalsForArm(t *testing.T) {
	ctx := context.Background()
	armID := createArm(t, true)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		genID := createGeneration(t, armID, base.Add(time.Duration(i)*time.Minute))
		rating := i % 2
		reason := "edit feedback"
		require.NoError(t, testDB.InsertFeedback(ctx, model.Feedback{
			GenerationID: genID,
			Rating:       rating,
			Reason:       &reason,
			UserID:       "user-1",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}
	// An unrated generation contributes no signal.
	createGeneration(t, armID, base.Add(time.Hour))

	signals, err := testDB.GetRecentSignalsForArm(ctx, armID, 10)
	require.NoError(t, err)
	require.Len(t, signals, 4)
	assert.Equal(t, "nasal_tip_mm", signals[0].Procedure)
	assert.Equal(t, map[string]float64{"nasal_tip_mm": 4}, signals[0].Intensities)
	require.NotNil(t, signals[0].Reason)
	// Newest rating first.
	assert.True(t, !signals[0].RatedAt.Before(signals[1].RatedAt))

	limited, err := testDB.GetRecentSignalsForArm(ctx, armID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGetArmMetricsIncludesInactive(t *testing.T) {
	ctx := context.Background()
	active := createArm(t, true)
	inactive := createArm(t, false)
	require.NoError(t, testDB.InsertArmStats(ctx, active))
	require.NoError(t, testDB.IncrementArmShows(ctx, active))
	require.NoError(t, testDB.IncrementArmThumbsUp(ctx, active))

	metrics, err := testDB.GetArmMetrics(ctx)
	require.NoError(t, err)

	seen := map[uuid.UUID]model.ArmMetrics{}
	for _, m := range metrics {
		seen[m.ArmID] = m
	}
	require.Contains(t, seen, active)
	require.Contains(t, seen, inactive)
	assert.Equal(t, 1.0, seen[active].CTR)
	assert.Zero(t, seen[inactive].Shows)
}

func TestWithRetryStopsOnNonRetriable(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls, "non-retriable errors return immediately")
}
