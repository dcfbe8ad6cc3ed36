// Package edits draws the random edit events of an IDS channel.
package edits

import (
	"math/rand"
)

// Bernoulli implements a simple u<p event decision.
type Bernoulli struct {
	p   float64
	rng *rand.Rand
}

func New(p float64, rng *rand.Rand) *Bernoulli { return &Bernoulli{p: p, rng: rng} }

func (b *Bernoulli) Hit() bool {
	if b.p <= 0 {
		return false
	}
	if b.p >= 1 {
		return true
	}
	return b.rng.Float64() < b.p
}

// Step draws the drift increment caused by one transmitted symbol:
// +1 for an insertion, -1 for a deletion, 0 otherwise.
type Step struct {
	pi, pd float64
	rng    *rand.Rand
}

func NewStep(pi, pd float64, rng *rand.Rand) *Step { return &Step{pi: pi, pd: pd, rng: rng} }

// Next returns the increment from drift d. At lo only insertions are
// possible and at hi only deletions, so the walk stays inside [lo, hi].
func (s *Step) Next(d, lo, hi int) int {
	u := s.rng.Float64()
	switch {
	case d <= lo:
		if u < s.pi {
			return 1
		}
	case d >= hi:
		if u < s.pd {
			return -1
		}
	default:
		if u < s.pi {
			return 1
		}
		if u < s.pi+s.pd {
			return -1
		}
	}
	return 0
}

// Pick draws an index from the discrete distribution p. Mass missing from
// p (rounding) falls on the last index.
func Pick(p []float64, rng *rand.Rand) int {
	u := rng.Float64()
	acc := 0.0
	for i, v := range p {
		acc += v
		if u < acc {
			return i
		}
	}
	return len(p) - 1
}
