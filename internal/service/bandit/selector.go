package bandit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kireilab/armory/internal/model"
)

// ErrNoActiveArms means the active-arm set is empty. A deployment must
// keep at least one baseline arm active, so selection treats this as a
// hard failure for the calling request.
var ErrNoActiveArms = errors.New("bandit: no active arms")

// SelectionResult is the outcome of one arm pick. OfferProbability is
// the decayed exploration rate in effect at selection time; callers must
// record it on the resulting Generation for off-policy evaluation.
type SelectionResult struct {
	Arm              model.Arm
	OfferProbability float64
	Explored         bool
}

// SelectArm picks one active arm under the epsilon-greedy policy.
//
// The exploration rate decays exponentially with wall-clock time since a
// fixed calendar epoch, floored at minExposureRate. The decay is a global
// knob: it is never scoped to an arm's age, so a freshly registered arm
// inherits whatever exploration budget the calendar allows.
func (s *Service) SelectArm(ctx context.Context) (SelectionResult, error) {
	arms, err := s.store.GetActiveArmsWithStats(ctx)
	if err != nil {
		return SelectionResult{}, fmt.Errorf("bandit: load active arms: %w", err)
	}
	if len(arms) == 0 {
		return SelectionResult{}, ErrNoActiveArms
	}

	epsilon := s.Epsilon(s.now())

	if s.randFloat() < epsilon {
		// Exploration: give the least-exposed arm another look. The scan
		// uses strict less-than so ties keep the stored ordering.
		least := arms[0]
		for _, a := range arms[1:] {
			if a.StatsOrZero().Shows < least.StatsOrZero().Shows {
				least = a
			}
		}
		s.selections.Add(ctx, 1, modeAttr("explore"))
		return SelectionResult{Arm: least.Arm, OfferProbability: epsilon, Explored: true}, nil
	}

	// Exploitation: highest CTR wins, first-seen wins ties.
	best := arms[0]
	for _, a := range arms[1:] {
		if a.StatsOrZero().CTR() > best.StatsOrZero().CTR() {
			best = a
		}
	}
	s.selections.Add(ctx, 1, modeAttr("exploit"))
	return SelectionResult{Arm: best.Arm, OfferProbability: epsilon, Explored: false}, nil
}

// Epsilon returns the decayed exploration rate at t:
// max(minExposureRate, baseEpsilon * e^(-decay * days_since_epoch)).
func (s *Service) Epsilon(t time.Time) float64 {
	days := t.Sub(s.epsilonEpoch).Hours() / 24
	if days < 0 {
		days = 0
	}
	decayed := s.baseEpsilon * math.Exp(-s.epsilonDecay*days)
	return math.Max(s.minExposureRate, decayed)
}
