// Package frontier holds the uninvaded boundary edges of the fluid region.
//
// Candidates are bucketed by shell. Each bucket is a min-heap on threshold, and
// two side indices (threshold -> candidate, source/target pair -> threshold)
// are kept in lockstep with the buckets on every insert and remove.
package frontier

import (
	"container/heap"
	"sort"

	"fracflow.ai/internal/sim"
	"fracflow.ai/internal/sim/lattice"
	"fracflow.ai/internal/sim/pressure"
)

// Candidate is an uninvaded connection from an invaded Source to Target.
// Shell is the distance Target receives if this edge is invaded.
type Candidate struct {
	Threshold float64
	Shell     int
	Source    lattice.Coord
	Target    lattice.Coord
}

type edgeKey struct {
	source lattice.Coord
	target lattice.Coord
}

type entry struct {
	c     Candidate
	index int
}

type bucket []*entry

func (b bucket) Len() int           { return len(b) }
func (b bucket) Less(i, j int) bool { return b[i].c.Threshold < b[j].c.Threshold }
func (b bucket) Swap(i, j int) {
	b[i], b[j] = b[j], b[i]
	b[i].index = i
	b[j].index = j
}
func (b *bucket) Push(x any) {
	e := x.(*entry)
	e.index = len(*b)
	*b = append(*b, e)
}
func (b *bucket) Pop() any {
	old := *b
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*b = old[:n-1]
	return e
}

type Frontier struct {
	shells  map[int]*bucket
	byValue map[float64]*entry
	byEdge  map[edgeKey]float64
}

func New() *Frontier {
	return &Frontier{
		shells:  map[int]*bucket{},
		byValue: map[float64]*entry{},
		byEdge:  map[edgeKey]float64{},
	}
}

// Insert adds c. Thresholds identify candidates, so a repeated threshold or a
// second candidate over the same directed edge is an invariant failure.
func (f *Frontier) Insert(c Candidate) error {
	if _, dup := f.byValue[c.Threshold]; dup {
		return sim.Invariant("frontier insert", c.Target.X, c.Target.Y, "threshold %v already pending", c.Threshold)
	}
	k := edgeKey{source: c.Source, target: c.Target}
	if _, dup := f.byEdge[k]; dup {
		return sim.Invariant("frontier insert", c.Target.X, c.Target.Y, "edge from (%d,%d) already pending", c.Source.X, c.Source.Y)
	}
	b, ok := f.shells[c.Shell]
	if !ok {
		b = &bucket{}
		f.shells[c.Shell] = b
	}
	e := &entry{c: c}
	heap.Push(b, e)
	f.byValue[c.Threshold] = e
	f.byEdge[k] = c.Threshold
	return nil
}

// Best returns the candidate that the current pressure opens most easily:
// over all shells, pressure at the source side minus the shell's minimum
// threshold is maximized. Ties go to the lowest shell.
func (f *Frontier) Best(p pressure.Profile) (Candidate, bool) {
	var (
		best      *entry
		bestScore float64
	)
	for _, shell := range f.Shells() {
		b := f.shells[shell]
		min := (*b)[0]
		score := p.At(shell-1) - min.c.Threshold
		if best == nil || score > bestScore {
			best, bestScore = min, score
		}
	}
	if best == nil {
		return Candidate{}, false
	}
	return best.c, true
}

// Remove deletes the candidate holding threshold v.
func (f *Frontier) Remove(v float64) (Candidate, bool) {
	e, ok := f.byValue[v]
	if !ok {
		return Candidate{}, false
	}
	b := f.shells[e.c.Shell]
	heap.Remove(b, e.index)
	if b.Len() == 0 {
		delete(f.shells, e.c.Shell)
	}
	delete(f.byValue, v)
	delete(f.byEdge, edgeKey{source: e.c.Source, target: e.c.Target})
	return e.c, true
}

// Lookup finds the pending candidate over the directed edge source -> target.
func (f *Frontier) Lookup(source, target lattice.Coord) (Candidate, bool) {
	v, ok := f.byEdge[edgeKey{source: source, target: target}]
	if !ok {
		return Candidate{}, false
	}
	return f.byValue[v].c, true
}

// Toward lists pending candidates whose target is t, ordered by threshold.
func (f *Frontier) Toward(t lattice.Coord) []Candidate {
	var out []Candidate
	for _, n := range t.Neighbors() {
		if c, ok := f.Lookup(n, t); ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Threshold < out[j].Threshold })
	return out
}

// Shells returns the populated shells in ascending order.
func (f *Frontier) Shells() []int {
	out := make([]int, 0, len(f.shells))
	for s := range f.shells {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// Min returns the smallest pending threshold at shell.
func (f *Frontier) Min(shell int) (Candidate, bool) {
	b, ok := f.shells[shell]
	if !ok {
		return Candidate{}, false
	}
	return (*b)[0].c, true
}

func (f *Frontier) Len() int { return len(f.byValue) }
