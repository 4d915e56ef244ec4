package bandit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kireilab/armory/internal/model"
)

// seedWindow creates n rated generations for armID with the given number
// of positive ratings.
func seedWindow(store *fakeStore, armID uuid.UUID, n, positives int) {
	for i := range n {
		genID := store.addGeneration(armID)
		rating := 0
		if i < positives {
			rating = 1
		}
		store.feedback[genID] = model.Feedback{
			GenerationID: genID, Rating: rating, UserID: "u1", CreatedAt: time.Now(),
		}
	}
}

func TestIsHealthyInsufficientSample(t *testing.T) {
	store := newFakeStore()
	// Baseline arm with CTR 0.9 so any threshold would be strict.
	store.addArm(1000, 900, 50)
	armID := store.addArm(19, 0, 19)
	// 19 ratings, all negative — still below the 20-row minimum.
	seedWindow(store, armID, 19, 0)

	svc := newTestService(store)
	healthy, err := svc.IsHealthy(context.Background(), armID)
	require.NoError(t, err)
	assert.True(t, healthy, "fewer than 20 feedback rows must pass regardless of content")
}

func TestIsHealthyDegradedArmFails(t *testing.T) {
	store := newFakeStore()
	// Most-exposed active arm: CTR 0.5 baseline, threshold 0.4.
	store.addArm(1000, 500, 300)
	armID := store.addArm(25, 8, 17)
	// 25 ratings averaging 0.32 < 0.4.
	seedWindow(store, armID, 25, 8)

	svc := newTestService(store)
	healthy, err := svc.IsHealthy(context.Background(), armID)
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestIsHealthyWithinToleranceBand(t *testing.T) {
	store := newFakeStore()
	store.addArm(1000, 500, 300) // baseline CTR 0.5, threshold 0.4
	armID := store.addArm(40, 18, 22)
	// 40 ratings averaging 0.45 >= 0.4.
	seedWindow(store, armID, 40, 18)

	svc := newTestService(store)
	healthy, err := svc.IsHealthy(context.Background(), armID)
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestIsHealthyFallbackBaseline(t *testing.T) {
	store := newFakeStore()
	armID := uuid.New()
	// Arm exists but carries no stats row, and no other active arm exists,
	// so the baseline falls back to 0.5 (threshold 0.4).
	store.arms = append(store.arms, model.Arm{ID: armID, Active: true, CreatedAt: time.Now()})
	seedWindow(store, armID, 30, 9) // 0.30 < 0.40

	svc := newTestService(store)
	healthy, err := svc.IsHealthy(context.Background(), armID)
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestGuardrailDeactivatesThroughFeedback(t *testing.T) {
	store := newFakeStore()
	store.addArm(1000, 500, 300) // baseline CTR 0.5
	armID := store.addArm(30, 5, 24)
	seedWindow(store, armID, 29, 5) // deep degradation
	genID := store.addGeneration(armID)

	svc := newTestService(store)
	require.NoError(t, svc.RecordFeedback(context.Background(), model.FeedbackRequest{
		GenerationID: genID, Rating: 0, UserID: "u1",
	}))

	arm, err := store.GetArm(context.Background(), armID)
	require.NoError(t, err)
	assert.False(t, arm.Active, "degraded arm should be deactivated by the guardrail")
	assert.Contains(t, arm.Notes, "guardrail")
}

func TestDeactivateArmAppendsReason(t *testing.T) {
	store := newFakeStore()
	armID := store.addArm(10, 5, 5)

	svc := newTestService(store)
	require.NoError(t, svc.DeactivateArm(context.Background(), armID, "manual review"))

	arm, _ := store.GetArm(context.Background(), armID)
	assert.False(t, arm.Active)
	assert.Contains(t, arm.Notes, "manual review")
	assert.Contains(t, arm.Notes, "deactivated")
}

func TestRegisterArmStatsFailureIsSwallowed(t *testing.T) {
	store := newFakeStore()
	store.failStatsInsert = true

	svc := newTestService(store)
	armID, err := svc.RegisterArm(context.Background(), model.Diff{}, "v1", "batch proposal", false)
	require.NoError(t, err, "arm registration must survive stats init failure")

	arm, err := store.GetArm(context.Background(), armID)
	require.NoError(t, err)
	assert.False(t, arm.Active)
	_, err = store.GetArmStats(context.Background(), armID)
	assert.Error(t, err, "stats row intentionally missing")
}

func TestRegisterArmDefaultsBaseVersion(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	armID, err := svc.RegisterArm(context.Background(), model.Diff{}, "", "", true)
	require.NoError(t, err)
	arm, _ := store.GetArm(context.Background(), armID)
	assert.Equal(t, "v1", arm.BasePromptVersion)
	assert.True(t, arm.Active)
}
