// Package lattice stores per-site mechanical state on an unbounded square grid.
// Sites are materialized on first touch and never evicted.
package lattice

import "fracflow.ai/internal/sim/rng"

// Coord is a lattice point.
type Coord struct {
	X int
	Y int
}

// Neighbors returns the four axis neighbors in the fixed order +x, -x, +y, -y.
// Every loop that may create sites walks neighbors in this order.
func (c Coord) Neighbors() [4]Coord {
	return [4]Coord{
		{X: c.X + 1, Y: c.Y},
		{X: c.X - 1, Y: c.Y},
		{X: c.X, Y: c.Y + 1},
		{X: c.X, Y: c.Y - 1},
	}
}

// Less orders coordinates by x, then y.
func (c Coord) Less(o Coord) bool {
	if c.X != o.X {
		return c.X < o.X
	}
	return c.Y < o.Y
}

// Site is the mechanical state of one cell.
type Site struct {
	Stress   float64
	Strength float64
	Broken   bool
}

// Store is a sparse map of sites. Strength is drawn once from [SMin, SMax) at
// creation; initial stress is drawn from [0, 1) just before it.
type Store struct {
	SMin, SMax float64

	src   rng.Source
	sites map[Coord]*Site
}

func NewStore(src rng.Source, sMin, sMax float64) *Store {
	return &Store{
		SMin:  sMin,
		SMax:  sMax,
		src:   src,
		sites: map[Coord]*Site{},
	}
}

// Get returns the site at c if it has been created.
func (s *Store) Get(c Coord) (*Site, bool) {
	st, ok := s.sites[c]
	return st, ok
}

// GetOrCreate returns the site at c, creating it with fresh draws if absent.
// created reports whether this call materialized it.
func (s *Store) GetOrCreate(c Coord) (st *Site, created bool) {
	if st, ok := s.sites[c]; ok {
		return st, false
	}
	st = &Site{}
	st.Stress = s.src.Float64()
	st.Strength = rng.Uniform(s.src, s.SMin, s.SMax)
	s.sites[c] = st
	return st, true
}

// AddStress adds a share of released stress to c, creating the site first if needed.
func (s *Store) AddStress(c Coord, share float64) *Site {
	st, _ := s.GetOrCreate(c)
	st.Stress += share
	return st
}

// Len reports how many sites are resident.
func (s *Store) Len() int { return len(s.sites) }

// Each calls fn for every resident site in unspecified order.
func (s *Store) Each(fn func(Coord, *Site)) {
	for c, st := range s.sites {
		fn(c, st)
	}
}
