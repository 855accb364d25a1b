// Package metrics exposes avalanche statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fracflow.ai/internal/sim/cascade"
	"fracflow.ai/internal/sim/model"
	"fracflow.ai/internal/sim/recorder"
)

// Sink is a recorder.Sink feeding a private registry.
type Sink struct {
	reg *prometheus.Registry

	avalanches *prometheus.CounterVec
	slips      prometheus.Counter
	energy     prometheus.Counter
	sizes      prometheus.Histogram
	energies   prometheus.Histogram
	flushes    prometheus.Counter

	steps    prometheus.Gauge
	invaded  prometheus.Gauge
	sites    prometheus.Gauge
	frontier prometheus.Gauge
	lmax     prometheus.Gauge
}

func New() *Sink {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Sink{
		reg: reg,
		// Labels: trigger "front_advance" | "local_invasion"; interior "true" | "false".
		avalanches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fracsim_avalanches_total",
			Help: "Recorded avalanches by trigger and interior marker",
		}, []string{"trigger", "interior"}),
		slips: f.NewCounter(prometheus.CounterOpts{
			Name: "fracsim_slips_total",
			Help: "Site breaks across all avalanches",
		}),
		energy: f.NewCounter(prometheus.CounterOpts{
			Name: "fracsim_energy_released_total",
			Help: "Stress released across all avalanches",
		}),
		sizes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fracsim_avalanche_size",
			Help:    "Distinct broken sites per avalanche",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		energies: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fracsim_avalanche_energy",
			Help:    "Stress released per avalanche",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 16),
		}),
		flushes: f.NewCounter(prometheus.CounterOpts{
			Name: "fracsim_flushes_total",
			Help: "Batches handed to sinks",
		}),
		steps: f.NewGauge(prometheus.GaugeOpts{
			Name: "fracsim_steps",
			Help: "Completed iterations",
		}),
		invaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "fracsim_invaded_sites",
			Help: "Sites held by the invasion tree",
		}),
		sites: f.NewGauge(prometheus.GaugeOpts{
			Name: "fracsim_resident_sites",
			Help: "Sites with materialized state",
		}),
		frontier: f.NewGauge(prometheus.GaugeOpts{
			Name: "fracsim_frontier_candidates",
			Help: "Pending invasion candidates",
		}),
		lmax: f.NewGauge(prometheus.GaugeOpts{
			Name: "fracsim_l_max",
			Help: "Deepest invaded shell",
		}),
	}
}

func (s *Sink) Append(batch []recorder.Avalanche) error {
	s.flushes.Inc()
	for _, a := range batch {
		interior := "false"
		if a.Interior {
			interior = "true"
		}
		trigger := cascade.FrontAdvance.String()
		if a.Trigger == cascade.LocalInvasion {
			trigger = cascade.LocalInvasion.String()
		}
		s.avalanches.WithLabelValues(trigger, interior).Inc()
		s.slips.Add(float64(a.Slips))
		s.energy.Add(a.Energy)
		s.sizes.Observe(float64(a.Size))
		s.energies.Observe(a.Energy)
	}
	return nil
}

// Observe records a run summary.
func (s *Sink) Observe(st model.Stats) {
	s.steps.Set(float64(st.Steps))
	s.invaded.Set(float64(st.Invaded))
	s.sites.Set(float64(st.Sites))
	s.frontier.Set(float64(st.Frontier))
	s.lmax.Set(float64(st.LMax))
}

func (s *Sink) Registry() *prometheus.Registry { return s.reg }

func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}
