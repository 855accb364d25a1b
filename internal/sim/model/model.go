// Package model runs the coupled fracture / fluid-invasion simulation.
//
// A Model owns all long-lived state of one run: the site store, the invasion
// tree, the fluid frontier and the avalanche recorder. Each Step first
// resolves failures (a global scan if the fluid front reached a new shell on
// the previous step, otherwise a local check of the last invaded site) and
// then invades exactly one frontier edge.
package model

import (
	"context"
	"fmt"

	"fracflow.ai/internal/sim"
	"fracflow.ai/internal/sim/cascade"
	"fracflow.ai/internal/sim/frontier"
	"fracflow.ai/internal/sim/invasion"
	"fracflow.ai/internal/sim/lattice"
	"fracflow.ai/internal/sim/pressure"
	"fracflow.ai/internal/sim/recorder"
	"fracflow.ai/internal/sim/rng"
)

type Config struct {
	// Iterations is the number of non-empty avalanches to record.
	Iterations int
	DeltaP     float64
	SMin       float64
	SMax       float64
	BatchSize  int
	Shape      pressure.Shape
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = recorder.DefaultBatchSize
	}
	if c.Shape == "" {
		c.Shape = pressure.Exponential
	}
}

func (c Config) Validate() error {
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be > 0")
	}
	if !(c.DeltaP > 0 && c.DeltaP <= 1) {
		return fmt.Errorf("delta_p must be in (0, 1], got %v", c.DeltaP)
	}
	if !(c.SMin < c.SMax) {
		return fmt.Errorf("s_min must be < s_max, got %v >= %v", c.SMin, c.SMax)
	}
	if _, err := pressure.ParseShape(string(c.Shape)); err != nil {
		return err
	}
	return nil
}

// Stats is a point-in-time summary of a run.
type Stats struct {
	Steps    int64 `json:"steps"`
	Events   int64 `json:"events"`
	Invaded  int   `json:"invaded"`
	Sites    int   `json:"sites"`
	Frontier int   `json:"frontier"`
	LMax     int   `json:"l_max"`
	Flushes  int   `json:"flushes"`
	Pending  int   `json:"pending"`
}

type Model struct {
	cfg Config
	src rng.Source

	store   *lattice.Store
	tree    *invasion.Tree
	front   *frontier.Frontier
	engine  *cascade.Engine
	rec     *recorder.Recorder
	profile pressure.Profile

	lmax     int
	lmaxPrev int
	steps    int64
	last     lattice.Coord
}

// New seeds a run at the origin. The origin's four candidate thresholds are
// drawn first, then the origin's stress and strength.
func New(cfg Config, src rng.Source, sink recorder.Sink) (*Model, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	origin := lattice.Coord{}
	m := &Model{
		cfg:   cfg,
		src:   src,
		store: lattice.NewStore(src, cfg.SMin, cfg.SMax),
		tree:  invasion.NewTree(origin),
		front: frontier.New(),
		rec:   recorder.New(sink, cfg.BatchSize),
		// The front starts one shell ahead of the origin so the first step
		// builds a profile and scans.
		lmax:     1,
		lmaxPrev: 0,
		last:     origin,
	}
	m.engine = cascade.New(m.store, m.tree)
	for _, n := range origin.Neighbors() {
		c := frontier.Candidate{Threshold: src.Float64(), Shell: 1, Source: origin, Target: n}
		if err := m.front.Insert(c); err != nil {
			return nil, err
		}
	}
	m.store.GetOrCreate(origin)
	m.profile = pressure.Build(cfg.Shape, m.lmax, cfg.DeltaP)
	return m, nil
}

// Done reports whether the avalanche target has been reached.
func (m *Model) Done() bool { return m.rec.Total() >= int64(m.cfg.Iterations) }

// Step runs one failure check followed by one invasion.
func (m *Model) Step() error {
	if m.lmax > m.lmaxPrev {
		m.profile = pressure.Build(m.cfg.Shape, m.lmax, m.cfg.DeltaP)
		var recErr error
		err := m.engine.Global(m.profile, func(res cascade.Result) bool {
			if recErr = m.record(res); recErr != nil {
				return false
			}
			return !m.Done()
		})
		if err != nil {
			return err
		}
		if recErr != nil {
			return recErr
		}
	} else {
		res, ok, err := m.engine.Local(m.profile, m.last)
		if err != nil {
			return err
		}
		if ok {
			if err := m.record(res); err != nil {
				return err
			}
		}
	}

	if err := m.invade(); err != nil {
		return err
	}
	m.steps++
	return nil
}

func (m *Model) record(res cascade.Result) error {
	return m.rec.Record(recorder.Avalanche{
		Step:           m.steps,
		Interior:       res.Interior,
		Trigger:        res.Trigger,
		Slips:          res.Slips,
		Size:           res.Size(),
		Energy:         res.Energy,
		LMax:           m.lmax,
		OriginDistance: res.OriginDistance,
	})
}

func (m *Model) invade() error {
	best, ok := m.front.Best(m.profile)
	if !ok {
		o := m.tree.Origin()
		return sim.Invariant("invade", o.X, o.Y, "frontier is empty")
	}
	m.front.Remove(best.Threshold)

	d, err := m.tree.Attach(best.Target, best.Source)
	if err != nil {
		return err
	}
	if d != best.Shell {
		return sim.Invariant("invade", best.Target.X, best.Target.Y, "shell %d but tree distance %d", best.Shell, d)
	}
	m.lmaxPrev = m.lmax
	if d > m.lmax {
		m.lmax = d
	}
	m.last = best.Target

	// Keep stress and strength if redistribution already created the site.
	m.store.GetOrCreate(best.Target)

	for _, n := range best.Target.Neighbors() {
		if !m.tree.Contains(n) {
			c := frontier.Candidate{Threshold: m.src.Float64(), Shell: d + 1, Source: best.Target, Target: n}
			if err := m.front.Insert(c); err != nil {
				return err
			}
			continue
		}
		if m.tree.Linked(n, best.Target) {
			continue
		}
		// n reached best.Target's coordinate first from the other side; its
		// edge toward best.Target would give a second parent.
		redundant, ok := m.front.Lookup(n, best.Target)
		if !ok {
			return sim.Invariant("invade", best.Target.X, best.Target.Y, "wet neighbor (%d,%d) has no pending edge", n.X, n.Y)
		}
		m.front.Remove(redundant.Threshold)
	}
	return nil
}

// Run steps until the target is reached or ctx is cancelled, then drains the
// recorder. A cancelled run returns ctx.Err() after draining.
func (m *Model) Run(ctx context.Context) error {
	for !m.Done() {
		if err := ctx.Err(); err != nil {
			if derr := m.Drain(); derr != nil {
				return derr
			}
			return err
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
	return m.Drain()
}

// Drain hands buffered avalanches to the sink.
func (m *Model) Drain() error {
	if err := m.rec.Drain(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}

func (m *Model) Stats() Stats {
	return Stats{
		Steps:    m.steps,
		Events:   m.rec.Total(),
		Invaded:  m.tree.Len(),
		Sites:    m.store.Len(),
		Frontier: m.front.Len(),
		LMax:     m.lmax,
		Flushes:  m.rec.Flushes(),
		Pending:  m.rec.Pending(),
	}
}

func (m *Model) Config() Config               { return m.cfg }
func (m *Model) Store() *lattice.Store        { return m.store }
func (m *Model) Tree() *invasion.Tree         { return m.tree }
func (m *Model) Frontier() *frontier.Frontier { return m.front }
func (m *Model) Profile() pressure.Profile    { return m.profile }
func (m *Model) LastInvaded() lattice.Coord   { return m.last }
