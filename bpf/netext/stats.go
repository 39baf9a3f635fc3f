package netext

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tcassar-diss/nethook/bpf"
)

type layerCounters struct {
	classified atomic.Uint64
	blocked    atomic.Uint64
	skipped    atomic.Uint64
}

// LayerStats counts classify events seen by one callout. Skipped events were
// given the default verdict without running a program.
type LayerStats struct {
	Classified uint64
	Blocked    uint64
	Skipped    uint64
}

// FlowContextStats counts flow state transitions.
type FlowContextStats struct {
	Live              int64
	Allocated         uint64
	Associated        uint64
	AssociationFailed uint64
	Deleted           uint64
	Exhausted         uint64
}

// Stats is a snapshot of the extension's counters.
type Stats struct {
	Layers       map[string]LayerStats
	FlowContexts FlowContextStats
	Providers    map[string]bpf.Stats
}

// Stats reports execution counters for every callout, the flow arena and the
// registered hook providers.
func (e *Extension) Stats() *Stats {
	s := &Stats{
		Layers:    make(map[string]LayerStats, len(e.callouts)),
		Providers: make(map[string]bpf.Stats, hookCount),
		FlowContexts: FlowContextStats{
			Live:              e.flows.live.Load(),
			Allocated:         e.flows.allocated.Load(),
			Associated:        e.flows.associated.Load(),
			AssociationFailed: e.flows.associationFailed.Load(),
			Deleted:           e.flows.deleted.Load(),
			Exhausted:         e.flows.exhausted.Load(),
		},
	}

	for _, d := range e.callouts {
		s.Layers[d.Name] = LayerStats{
			Classified: d.counters.classified.Load(),
			Blocked:    d.counters.blocked.Load(),
			Skipped:    d.counters.skipped.Load(),
		}
	}

	for h := range e.hooks {
		if reg := e.hooks[h].Load(); reg != nil {
			s.Providers[reg.ProgramType().String()] = reg.Stats()
		}
	}

	return s
}

// Collector exports the extension's counters to prometheus. Values are read
// from the extension on every scrape.
type Collector struct {
	ext *Extension

	classified        *prometheus.Desc
	blocked           *prometheus.Desc
	skipped           *prometheus.Desc
	flowContextsLive  *prometheus.Desc
	flowContextEvents *prometheus.Desc
	providerEntered   *prometheus.Desc
	providerRejected  *prometheus.Desc
	providerInvoked   *prometheus.Desc
	providerFailed    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(ext *Extension) *Collector {
	return &Collector{
		ext: ext,
		classified: prometheus.NewDesc("nethook_classify_total",
			"Classify events delivered to a callout", []string{"layer"}, nil),
		blocked: prometheus.NewDesc("nethook_classify_blocked_total",
			"Classify events that ended in a block verdict", []string{"layer"}, nil),
		skipped: prometheus.NewDesc("nethook_classify_skipped_total",
			"Classify events given the default verdict without running a program", []string{"layer"}, nil),
		flowContextsLive: prometheus.NewDesc("nethook_flow_contexts",
			"Flow contexts currently associated", nil, nil),
		flowContextEvents: prometheus.NewDesc("nethook_flow_context_events_total",
			"Flow context transitions", []string{"event"}, nil),
		providerEntered: prometheus.NewDesc("nethook_provider_entered_total",
			"Callers admitted by a hook provider", []string{"program_type"}, nil),
		providerRejected: prometheus.NewDesc("nethook_provider_rejected_total",
			"Callers turned away by a hook provider", []string{"program_type"}, nil),
		providerInvoked: prometheus.NewDesc("nethook_provider_invocations_total",
			"Program invocations", []string{"program_type"}, nil),
		providerFailed: prometheus.NewDesc("nethook_provider_failures_total",
			"Program invocations that failed", []string{"program_type"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.classified
	ch <- c.blocked
	ch <- c.skipped
	ch <- c.flowContextsLive
	ch <- c.flowContextEvents
	ch <- c.providerEntered
	ch <- c.providerRejected
	ch <- c.providerInvoked
	ch <- c.providerFailed
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.ext.Stats()

	for name, l := range s.Layers {
		ch <- prometheus.MustNewConstMetric(c.classified, prometheus.CounterValue, float64(l.Classified), name)
		ch <- prometheus.MustNewConstMetric(c.blocked, prometheus.CounterValue, float64(l.Blocked), name)
		ch <- prometheus.MustNewConstMetric(c.skipped, prometheus.CounterValue, float64(l.Skipped), name)
	}

	fc := s.FlowContexts
	ch <- prometheus.MustNewConstMetric(c.flowContextsLive, prometheus.GaugeValue, float64(fc.Live))

	for event, v := range map[string]uint64{
		"allocated":          fc.Allocated,
		"associated":         fc.Associated,
		"association_failed": fc.AssociationFailed,
		"deleted":            fc.Deleted,
		"exhausted":          fc.Exhausted,
	} {
		ch <- prometheus.MustNewConstMetric(c.flowContextEvents, prometheus.CounterValue, float64(v), event)
	}

	for pt, p := range s.Providers {
		ch <- prometheus.MustNewConstMetric(c.providerEntered, prometheus.CounterValue, float64(p.Entered), pt)
		ch <- prometheus.MustNewConstMetric(c.providerRejected, prometheus.CounterValue, float64(p.Rejected), pt)
		ch <- prometheus.MustNewConstMetric(c.providerInvoked, prometheus.CounterValue, float64(p.Invoked), pt)
		ch <- prometheus.MustNewConstMetric(c.providerFailed, prometheus.CounterValue, float64(p.Failed), pt)
	}
}
