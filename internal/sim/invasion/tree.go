// Package invasion tracks which sites the fluid has reached and through which
// connection each was reached.
package invasion

import (
	"fmt"

	"fracflow.ai/internal/sim"
	"fracflow.ai/internal/sim/lattice"
)

type node struct {
	parent   lattice.Coord
	distance int
	order    int
}

// Tree is rooted at the injection origin. Every other member has exactly one
// parent, and its distance is the parent's distance plus one.
type Tree struct {
	origin lattice.Coord
	nodes  map[lattice.Coord]node
	order  []lattice.Coord
}

func NewTree(origin lattice.Coord) *Tree {
	t := &Tree{
		origin: origin,
		nodes:  map[lattice.Coord]node{},
	}
	t.nodes[origin] = node{parent: origin, distance: 0, order: 0}
	t.order = append(t.order, origin)
	return t
}

func (t *Tree) Origin() lattice.Coord { return t.origin }

// Attach invades site from parent. It fails if parent is not invaded or if
// site already is: either would break the single-parent property.
func (t *Tree) Attach(site, parent lattice.Coord) (int, error) {
	if _, dup := t.nodes[site]; dup {
		return 0, sim.Invariant("invade", site.X, site.Y, "site already invaded")
	}
	p, ok := t.nodes[parent]
	if !ok {
		return 0, sim.Invariant("invade", site.X, site.Y, "parent (%d,%d) is not invaded", parent.X, parent.Y)
	}
	d := p.distance + 1
	t.nodes[site] = node{parent: parent, distance: d, order: len(t.order)}
	t.order = append(t.order, site)
	return d, nil
}

// Distance returns the shell distance of c; ok is false for dry sites.
func (t *Tree) Distance(c lattice.Coord) (int, bool) {
	n, ok := t.nodes[c]
	return n.distance, ok
}

func (t *Tree) Contains(c lattice.Coord) bool {
	_, ok := t.nodes[c]
	return ok
}

// Parent returns the tree parent of c. The origin has none.
func (t *Tree) Parent(c lattice.Coord) (lattice.Coord, bool) {
	n, ok := t.nodes[c]
	if !ok || c == t.origin {
		return lattice.Coord{}, false
	}
	return n.parent, true
}

// Linked reports whether a and b are joined by a tree edge.
func (t *Tree) Linked(a, b lattice.Coord) bool {
	if p, ok := t.Parent(a); ok && p == b {
		return true
	}
	if p, ok := t.Parent(b); ok && p == a {
		return true
	}
	return false
}

// Len is the number of invaded sites.
func (t *Tree) Len() int { return len(t.nodes) }

// Edges is the number of tree edges.
func (t *Tree) Edges() int { return len(t.nodes) - 1 }

// Sites returns invaded sites in invasion order. The slice must not be modified.
func (t *Tree) Sites() []lattice.Coord { return t.order }

// Validate checks every member reaches the origin through parents whose
// distances decrease by exactly one per hop. It is O(n·depth) and intended for tests.
func (t *Tree) Validate() error {
	if len(t.order) != len(t.nodes) {
		return fmt.Errorf("order has %d sites, tree has %d", len(t.order), len(t.nodes))
	}
	if n := t.nodes[t.origin]; n.distance != 0 {
		return fmt.Errorf("origin distance %d", n.distance)
	}
	for c, n := range t.nodes {
		if c == t.origin {
			continue
		}
		p, ok := t.nodes[n.parent]
		if !ok {
			return fmt.Errorf("(%d,%d): parent not invaded", c.X, c.Y)
		}
		if p.distance+1 != n.distance {
			return fmt.Errorf("(%d,%d): distance %d, parent distance %d", c.X, c.Y, n.distance, p.distance)
		}
		if p.order >= n.order {
			return fmt.Errorf("(%d,%d): invaded before its parent", c.X, c.Y)
		}
		dx, dy := c.X-n.parent.X, c.Y-n.parent.Y
		if dx*dx+dy*dy != 1 {
			return fmt.Errorf("(%d,%d): parent (%d,%d) is not adjacent", c.X, c.Y, n.parent.X, n.parent.Y)
		}
		hops, cur := 0, c
		for cur != t.origin {
			cur = t.nodes[cur].parent
			hops++
			if hops > len(t.nodes) {
				return fmt.Errorf("(%d,%d): cycle", c.X, c.Y)
			}
		}
		if hops != n.distance {
			return fmt.Errorf("(%d,%d): %d hops to origin, distance %d", c.X, c.Y, hops, n.distance)
		}
	}
	return nil
}
