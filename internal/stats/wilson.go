// Package stats provides the confidence estimation used to rank arms.
// Wilson lower bounds rank low-volume arms without overstating confidence
// from sparse data; a naive CTR ranking would put an arm with one lucky
// rating ahead of an arm with a hundred.
package stats

import "math"

// z-scores for the supported confidence levels.
const z95 = 1.96

// WilsonLowerBound computes the lower bound of the Wilson score interval
// for a binomial success rate at 95% confidence. Returns 0 when trials
// is 0. The result is always in [0,1] and approaches successes/trials as
// trials grows.
func WilsonLowerBound(successes, trials int64) float64 {
	if trials == 0 {
		return 0
	}
	n := float64(trials)
	p := float64(successes) / n
	z := z95

	center := p + z*z/(2*n)
	margin := z * math.Sqrt((p*(1-p)+z*z/(4*n))/n)
	denom := 1 + z*z/n

	lower := (center - margin) / denom
	if lower < 0 {
		return 0
	}
	return lower
}
