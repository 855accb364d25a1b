package cascade

import (
	"math"
	"testing"

	"fracflow.ai/internal/sim/lattice"
	"fracflow.ai/internal/sim/pressure"
	"fracflow.ai/internal/sim/rng"
)

type wetMap struct {
	dist  map[lattice.Coord]int
	order []lattice.Coord
}

func newWet() *wetMap { return &wetMap{dist: map[lattice.Coord]int{}} }

func (w *wetMap) add(c lattice.Coord, d int) {
	w.dist[c] = d
	w.order = append(w.order, c)
}

func (w *wetMap) Distance(c lattice.Coord) (int, bool) { d, ok := w.dist[c]; return d, ok }
func (w *wetMap) Contains(c lattice.Coord) bool        { _, ok := w.dist[c]; return ok }
func (w *wetMap) Sites() []lattice.Coord               { return w.order }

func at(x, y int) lattice.Coord { return lattice.Coord{X: x, Y: y} }

// newStore returns a store whose freshly drawn sites are far too strong to break.
func newStore() *lattice.Store { return lattice.NewStore(rng.New(11), 100, 101) }

func put(s *lattice.Store, c lattice.Coord, stress, strength float64) *lattice.Site {
	st, _ := s.GetOrCreate(c)
	st.Stress = stress
	st.Strength = strength
	return st
}

func totalStress(s *lattice.Store) float64 {
	var sum float64
	s.Each(func(_ lattice.Coord, st *lattice.Site) { sum += st.Stress })
	return sum
}

func TestLocalSingleBreakSplitsStressInQuarters(t *testing.T) {
	store := newStore()
	wet := newWet()
	wet.add(at(0, 0), 0)
	center := put(store, at(0, 0), 2, 1.5)
	for _, n := range at(0, 0).Neighbors() {
		put(store, n, 0.1, 10)
	}
	p := pressure.Build(pressure.Exponential, 1, 0.5)

	res, ok, err := New(store, wet).Local(p, at(0, 0))
	if err != nil || !ok {
		t.Fatalf("Local ok=%v err=%v", ok, err)
	}
	if res.Slips != 1 || res.Size() != 1 || res.Energy != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Trigger != LocalInvasion || res.Interior {
		t.Fatalf("trigger=%v interior=%v", res.Trigger, res.Interior)
	}
	if center.Stress != 0 || !center.Broken {
		t.Fatalf("broken site not reset: %+v", center)
	}
	for _, n := range at(0, 0).Neighbors() {
		st, _ := store.Get(n)
		if math.Abs(st.Stress-0.6) > 1e-12 {
			t.Fatalf("neighbor %v stress = %v, want 0.6", n, st.Stress)
		}
	}
}

func TestLocalHoldsBelowThreshold(t *testing.T) {
	store := newStore()
	wet := newWet()
	wet.add(at(0, 0), 1)
	put(store, at(0, 0), 0.2, 1.5)
	// p(1) = 0.5, threshold 1.0.
	p := pressure.Build(pressure.Linear, 1, 0.5)
	_, ok, err := New(store, wet).Local(p, at(0, 0))
	if err != nil || ok {
		t.Fatalf("expected no cascade, ok=%v err=%v", ok, err)
	}
}

func TestCascadeConservesStress(t *testing.T) {
	store := newStore()
	wet := newWet()
	wet.add(at(0, 0), 0)
	// 9x9 block, all pre-created so the cascade draws nothing new. A cross of
	// weak sites around the origin lets the rupture travel two rings out.
	for x := -4; x <= 4; x++ {
		for y := -4; y <= 4; y++ {
			put(store, at(x, y), 0.3, 50)
		}
	}
	put(store, at(0, 0), 3, 1)
	for _, c := range []lattice.Coord{at(1, 0), at(-1, 0), at(0, 1), at(0, -1)} {
		put(store, c, 0.3, 0.9)
	}
	before := totalStress(store)
	residents := store.Len()

	var released float64
	eng := New(store, wet)
	eng.Trace = func(r Release) { released += r.Energy }
	res, ok, err := eng.Local(pressure.Build(pressure.Exponential, 1, 1), at(0, 0))
	if err != nil || !ok {
		t.Fatalf("Local ok=%v err=%v", ok, err)
	}
	if store.Len() != residents {
		t.Fatalf("cascade created %d sites inside a pre-built block", store.Len()-residents)
	}
	if after := totalStress(store); math.Abs(after-before) > 1e-9 {
		t.Fatalf("stress not conserved: before=%v after=%v", before, after)
	}
	if math.Abs(released-res.Energy) > 1e-12 {
		t.Fatalf("trace energy %v != result energy %v", released, res.Energy)
	}
	// The origin is wet with a non-positive threshold, so the stress handed
	// back by the cross breaks it a second time.
	if res.Size() != 5 || res.Slips != 6 {
		t.Fatalf("size=%d slips=%d, want 5/6", res.Size(), res.Slips)
	}
	if math.Abs(res.Energy-8.25) > 1e-12 {
		t.Fatalf("energy = %v, want 8.25", res.Energy)
	}
	store.Each(func(c lattice.Coord, st *lattice.Site) {
		if st.Stress < 0 {
			t.Fatalf("%v negative stress %v", c, st.Stress)
		}
	})
}

func TestCascadeCreatesMissingNeighbors(t *testing.T) {
	store := newStore()
	wet := newWet()
	wet.add(at(0, 0), 0)
	put(store, at(0, 0), 1, 0.5)

	res, ok, err := New(store, wet).Local(pressure.Build(pressure.Exponential, 1, 1), at(0, 0))
	if err != nil || !ok || res.Size() != 1 {
		t.Fatalf("res=%+v ok=%v err=%v", res, ok, err)
	}
	if store.Len() != 5 {
		t.Fatalf("len = %d, want origin plus 4 neighbors", store.Len())
	}
	for _, n := range at(0, 0).Neighbors() {
		st, ok := store.Get(n)
		if !ok {
			t.Fatalf("neighbor %v not created", n)
		}
		if st.Strength < 100 || st.Stress < 0.25 || st.Stress >= 1.25 {
			t.Fatalf("neighbor %v state %+v", n, st)
		}
	}
}

func TestInteriorWhenAllNeighborsWet(t *testing.T) {
	store := newStore()
	wet := newWet()
	wet.add(at(0, 0), 0)
	for _, n := range at(0, 0).Neighbors() {
		wet.add(n, 1)
		put(store, n, 0, 50)
	}
	put(store, at(0, 0), 1, 0.2)

	res, ok, _ := New(store, wet).Local(pressure.Build(pressure.Exponential, 1, 1), at(0, 0))
	if !ok || !res.Interior {
		t.Fatalf("expected interior cascade, got %+v", res)
	}
}

func TestGlobalMostOverstressedFirstAndSkipsConsumed(t *testing.T) {
	store := newStore()
	wet := newWet()
	// (0,0) and (1,0) are both overstressed; (1,0) more so, and its release
	// pushes (0,0) further, so the scan must run one cascade covering both.
	wet.add(at(0, 0), 0)
	wet.add(at(1, 0), 1)
	put(store, at(0, 0), 0.6, 1.5) // threshold 0.5, excess 0.1
	put(store, at(1, 0), 0.9, 1.0) // threshold 1 - p(1), excess larger
	for _, c := range []lattice.Coord{at(-1, 0), at(0, 1), at(0, -1), at(2, 0), at(1, 1), at(1, -1)} {
		put(store, c, 0, 50)
	}
	p := pressure.Build(pressure.Exponential, 1, 0.5)

	var got []Result
	err := New(store, wet).Global(p, func(r Result) bool { got = append(got, r); return true })
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("cascades = %d, want 1", len(got))
	}
	r := got[0]
	if r.Origin != at(1, 0) || r.OriginDistance != 1 || r.Trigger != FrontAdvance {
		t.Fatalf("origin=%v dist=%d trig=%v", r.Origin, r.OriginDistance, r.Trigger)
	}
	if r.Size() != 2 {
		t.Fatalf("size = %d, want 2", r.Size())
	}
}

func TestGlobalStopsWhenEmitDeclines(t *testing.T) {
	store := newStore()
	wet := newWet()
	for i, c := range []lattice.Coord{at(0, 0), at(10, 0), at(20, 0)} {
		wet.add(c, i)
		put(store, c, 0.9, 0.1)
	}
	p := pressure.Build(pressure.Exponential, 2, 1)

	calls := 0
	err := New(store, wet).Global(p, func(Result) bool { calls++; return false })
	if err != nil || calls != 1 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
	if st, _ := store.Get(at(20, 0)); st.Broken {
		t.Fatalf("scan continued past a declined emit")
	}
}

func TestZeroStressNeverBreaks(t *testing.T) {
	store := newStore()
	wet := newWet()
	wet.add(at(0, 0), 0)
	put(store, at(0, 0), 0, 0.5) // threshold 0.5 - 1 < 0
	_, ok, err := New(store, wet).Local(pressure.Build(pressure.Exponential, 1, 1), at(0, 0))
	if err != nil || ok {
		t.Fatalf("zero-stress site broke: ok=%v err=%v", ok, err)
	}
}
