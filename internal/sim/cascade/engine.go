// Package cascade resolves rupture avalanches on the lattice.
//
// A cascade advances in rounds. Every site in the current wavefront that meets
// its failure condition breaks, releasing all of its stress in equal quarters
// to its four neighbors; those neighbors form the next wavefront. The cascade
// ends after a round with no breaks.
package cascade

import (
	"sort"

	"fracflow.ai/internal/sim"
	"fracflow.ai/internal/sim/lattice"
	"fracflow.ai/internal/sim/pressure"
)

// Trigger records what started a cascade. The values are the on-disk codes.
type Trigger uint8

const (
	FrontAdvance  Trigger = 0
	LocalInvasion Trigger = 1
)

func (t Trigger) String() string {
	if t == LocalInvasion {
		return "local_invasion"
	}
	return "front_advance"
}

// Wetness answers which sites hold fluid and at what shell distance.
type Wetness interface {
	Distance(c lattice.Coord) (int, bool)
	Contains(c lattice.Coord) bool
	Sites() []lattice.Coord
}

// Result summarizes one cascade.
type Result struct {
	Trigger        Trigger
	Origin         lattice.Coord
	OriginDistance int

	// Slips counts every break; a site may break more than once.
	Slips int
	// Broken lists distinct broken sites in first-break order.
	Broken []lattice.Coord
	Energy float64
	// Interior is true when every neighbor of every broken site was already invaded.
	Interior bool
}

func (r Result) Size() int { return len(r.Broken) }

// Release describes one break, for tracing.
type Release struct {
	Site   lattice.Coord
	Energy float64
	Round  int
}

type Engine struct {
	store *lattice.Store
	wet   Wetness

	// Trace, if set, is called for every break.
	Trace func(Release)
}

func New(store *lattice.Store, wet Wetness) *Engine {
	return &Engine{store: store, wet: wet}
}

// Threshold is the stress at which c fails under profile p: strength for dry
// sites, strength less the local pressure for wet ones.
func (e *Engine) Threshold(c lattice.Coord, st *lattice.Site, p pressure.Profile) float64 {
	if d, wet := e.wet.Distance(c); wet {
		return st.Strength - p.At(d)
	}
	return st.Strength
}

type overstressed struct {
	site   lattice.Coord
	excess float64
}

// Global scans every wet site after the pressure profile has changed and runs
// cascades from the overstressed ones, most overstressed first. Sites broken
// by an earlier cascade of the same scan are skipped. emit receives every
// non-empty cascade and returns false to end the scan early.
func (e *Engine) Global(p pressure.Profile, emit func(Result) bool) error {
	var queue []overstressed
	for _, c := range e.wet.Sites() {
		st, ok := e.store.Get(c)
		if !ok {
			return sim.Invariant("global scan", c.X, c.Y, "invaded site has no state")
		}
		if excess := st.Stress - e.Threshold(c, st, p); excess > 0 {
			queue = append(queue, overstressed{site: c, excess: excess})
		}
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].excess > queue[j].excess })

	consumed := map[lattice.Coord]struct{}{}
	for _, q := range queue {
		if _, done := consumed[q.site]; done {
			continue
		}
		res, err := e.propagate(q.site, p, FrontAdvance)
		if err != nil {
			return err
		}
		for _, c := range res.Broken {
			consumed[c] = struct{}{}
		}
		if res.Size() == 0 {
			continue
		}
		if !emit(res) {
			return nil
		}
	}
	return nil
}

// Local tests only the freshly invaded site. ok is false when it holds.
func (e *Engine) Local(p pressure.Profile, site lattice.Coord) (Result, bool, error) {
	st, exists := e.store.Get(site)
	if !exists {
		return Result{}, false, sim.Invariant("local check", site.X, site.Y, "invaded site has no state")
	}
	if st.Stress < e.Threshold(site, st, p) {
		return Result{}, false, nil
	}
	res, err := e.propagate(site, p, LocalInvasion)
	if err != nil {
		return Result{}, false, err
	}
	return res, res.Size() > 0, nil
}

type release struct {
	site   lattice.Coord
	energy float64
}

func (e *Engine) propagate(start lattice.Coord, p pressure.Profile, trig Trigger) (Result, error) {
	res := Result{Trigger: trig, Origin: start, Interior: true}
	res.OriginDistance, _ = e.wet.Distance(start)

	seen := map[lattice.Coord]struct{}{}
	front := []lattice.Coord{start}
	for round := 0; len(front) > 0; round++ {
		var released []release
		for _, c := range front {
			st, ok := e.store.Get(c)
			if !ok {
				return res, sim.Invariant("cascade", c.X, c.Y, "wavefront site has no state")
			}
			if st.Stress <= 0 || st.Stress < e.Threshold(c, st, p) {
				continue
			}
			released = append(released, release{site: c, energy: st.Stress})
			res.Energy += st.Stress
			res.Slips++
			st.Stress = 0
			st.Broken = true
			if _, dup := seen[c]; !dup {
				seen[c] = struct{}{}
				res.Broken = append(res.Broken, c)
			}
			if e.Trace != nil {
				e.Trace(Release{Site: c, Energy: released[len(released)-1].energy, Round: round})
			}
		}

		next := map[lattice.Coord]struct{}{}
		for _, r := range released {
			share := r.energy / 4
			for _, n := range r.site.Neighbors() {
				if res.Interior && !e.wet.Contains(n) {
					res.Interior = false
				}
				next[n] = struct{}{}
				e.store.AddStress(n, share)
			}
		}
		front = sortedCoords(next)
	}
	return res, nil
}

func sortedCoords(set map[lattice.Coord]struct{}) []lattice.Coord {
	out := make([]lattice.Coord, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
