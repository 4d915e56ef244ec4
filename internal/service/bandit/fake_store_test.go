package bandit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kireilab/armory/internal/model"
	"github.com/kireilab/armory/internal/storage"
)

// fakeStore is an in-memory Store for unit tests. Error injection fields
// let tests exercise the best-effort paths.
type fakeStore struct {
	mu sync.Mutex

	arms        []model.Arm // insertion order preserved for tie-break tests
	armStats    map[uuid.UUID]*model.ArmStats
	generations map[uuid.UUID]model.Generation
	genOrder    []uuid.UUID
	feedback    map[uuid.UUID]model.Feedback

	failStatsInsert bool
	failIncrement   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		armStats:    map[uuid.UUID]*model.ArmStats{},
		generations: map[uuid.UUID]model.Generation{},
		feedback:    map[uuid.UUID]model.Feedback{},
	}
}

// armFixture returns a minimal active arm for direct InsertArm calls.
func armFixture() model.Arm {
	return model.Arm{ID: uuid.New(), BasePromptVersion: "v1", Active: true, CreatedAt: time.Now()}
}

// addArm seeds an active arm with the given counters and returns its id.
func (f *fakeStore) addArm(shows, up, down int64) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	arm := model.Arm{
		ID:                uuid.New(),
		BasePromptVersion: "v1",
		Active:            true,
		CreatedAt:         time.Now().Add(time.Duration(len(f.arms)) * time.Second),
	}
	f.arms = append(f.arms, arm)
	f.armStats[arm.ID] = &model.ArmStats{ArmID: arm.ID, Shows: shows, ThumbsUp: up, ThumbsDown: down}
	return arm.ID
}

func (f *fakeStore) addGeneration(armID uuid.UUID) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := model.Generation{ID: uuid.New(), ArmID: &armID, CreatedAt: time.Now()}
	f.generations[g.ID] = g
	f.genOrder = append(f.genOrder, g.ID)
	return g.ID
}

func (f *fakeStore) GetActiveArmsWithStats(ctx context.Context) ([]model.ArmWithStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ArmWithStats
	for _, a := range f.arms {
		if !a.Active {
			continue
		}
		aws := model.ArmWithStats{Arm: a}
		if st, ok := f.armStats[a.ID]; ok {
			cp := *st
			aws.Stats = &cp
		}
		out = append(out, aws)
	}
	return out, nil
}

func (f *fakeStore) GetArm(ctx context.Context, id uuid.UUID) (model.Arm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.arms {
		if a.ID == id {
			return a, nil
		}
	}
	return model.Arm{}, storage.ErrNotFound
}

func (f *fakeStore) InsertArm(ctx context.Context, arm model.Arm) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if arm.ID == uuid.Nil {
		arm.ID = uuid.New()
	}
	f.arms = append(f.arms, arm)
	return arm.ID, nil
}

func (f *fakeStore) SetArmActive(ctx context.Context, id uuid.UUID, active bool, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.arms {
		if a.ID == id {
			f.arms[i].Active = active
			if note != "" {
				f.arms[i].Notes += "\n" + note
			}
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) InsertArmStats(ctx context.Context, armID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStatsInsert {
		return storage.ErrNotFound
	}
	if _, ok := f.armStats[armID]; !ok {
		f.armStats[armID] = &model.ArmStats{ArmID: armID}
	}
	return nil
}

func (f *fakeStore) GetArmStats(ctx context.Context, armID uuid.UUID) (model.ArmStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.armStats[armID]
	if !ok {
		return model.ArmStats{}, storage.ErrNotFound
	}
	return *st, nil
}

func (f *fakeStore) increment(armID uuid.UUID, fn func(*model.ArmStats)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIncrement {
		return storage.ErrNotFound
	}
	st, ok := f.armStats[armID]
	if !ok {
		return storage.ErrNotFound
	}
	fn(st)
	st.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) IncrementArmShows(ctx context.Context, armID uuid.UUID) error {
	return f.increment(armID, func(s *model.ArmStats) { s.Shows++ })
}

func (f *fakeStore) IncrementArmThumbsUp(ctx context.Context, armID uuid.UUID) error {
	return f.increment(armID, func(s *model.ArmStats) { s.ThumbsUp++ })
}

func (f *fakeStore) IncrementArmThumbsDown(ctx context.Context, armID uuid.UUID) error {
	return f.increment(armID, func(s *model.ArmStats) { s.ThumbsDown++ })
}

func (f *fakeStore) UpdateArmStatsWilson(ctx context.Context, armID uuid.UUID, wilsonLower float64) error {
	return f.increment(armID, func(s *model.ArmStats) { s.WilsonLower = wilsonLower })
}

func (f *fakeStore) GetMostExposedActiveArmStats(ctx context.Context) (model.ArmStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.ArmStats
	for _, a := range f.arms {
		if !a.Active {
			continue
		}
		st, ok := f.armStats[a.ID]
		if !ok {
			continue
		}
		if best == nil || st.Shows > best.Shows {
			best = st
		}
	}
	if best == nil {
		return model.ArmStats{}, storage.ErrNotFound
	}
	return *best, nil
}

func (f *fakeStore) GetGeneration(ctx context.Context, id uuid.UUID) (model.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.generations[id]
	if !ok {
		return model.Generation{}, storage.ErrNotFound
	}
	return g, nil
}

func (f *fakeStore) GetRecentGenerationsForArm(ctx context.Context, armID uuid.UUID, limit int) ([]model.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Generation
	for i := len(f.genOrder) - 1; i >= 0 && len(out) < limit; i-- {
		g := f.generations[f.genOrder[i]]
		if g.ArmID != nil && *g.ArmID == armID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) GetFeedbackForGenerations(ctx context.Context, generationIDs []uuid.UUID) ([]model.Feedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Feedback
	for _, id := range generationIDs {
		if fb, ok := f.feedback[id]; ok {
			out = append(out, fb)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertFeedback(ctx context.Context, fb model.Feedback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.feedback[fb.GenerationID]; ok {
		return storage.ErrDuplicateFeedback
	}
	fb.CreatedAt = time.Now()
	f.feedback[fb.GenerationID] = fb
	return nil
}

func (f *fakeStore) UpdateFeedbackReason(ctx context.Context, generationID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fb, ok := f.feedback[generationID]
	if !ok {
		return storage.ErrNotFound
	}
	fb.Reason = &reason
	f.feedback[generationID] = fb
	return nil
}

func (f *fakeStore) GetArmMetrics(ctx context.Context) ([]model.ArmMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ArmMetrics
	for _, a := range f.arms {
		m := model.ArmMetrics{ArmID: a.ID, BasePromptVersion: a.BasePromptVersion, Active: a.Active, CreatedAt: a.CreatedAt}
		if st, ok := f.armStats[a.ID]; ok {
			m.Shows = st.Shows
			m.ThumbsUp = st.ThumbsUp
			m.ThumbsDown = st.ThumbsDown
			m.WilsonLower = st.WilsonLower
			if st.Shows > 0 {
				m.CTR = float64(st.ThumbsUp) / float64(st.Shows)
			}
		}
		out = append(out, m)
	}
	return out, nil
}
