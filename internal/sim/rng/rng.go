// Package rng provides the single random stream a run draws from.
package rng

import "math/rand/v2"

// Source yields uniform values in [0, 1). Every random quantity in a run is
// derived from one Source so that the draw order alone fixes the outcome.
type Source interface {
	Float64() float64
}

// PCG is the default deterministic Source.
type PCG struct {
	r *rand.Rand
}

// New creates a deterministic stream from seed.
func New(seed uint64) *PCG {
	return &PCG{r: rand.New(rand.NewPCG(seed, 0))}
}

func (p *PCG) Float64() float64 { return p.r.Float64() }

// Uniform draws from [lo, hi) using one value of src.
func Uniform(src Source, lo, hi float64) float64 {
	return lo + (hi-lo)*src.Float64()
}

// Script replays a fixed sequence of values and then falls back to Tail.
// Tests use it to force specific strengths, stresses and thresholds.
type Script struct {
	Values []float64
	Tail   Source

	pos int
}

func (s *Script) Float64() float64 {
	if s.pos < len(s.Values) {
		v := s.Values[s.pos]
		s.pos++
		return v
	}
	if s.Tail == nil {
		return 0.5
	}
	return s.Tail.Float64()
}

// Drawn reports how many scripted values have been consumed.
func (s *Script) Drawn() int { return s.pos }
