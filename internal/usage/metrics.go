package usage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xwatch"

// Metrics mirrors accountant counters and scheduler gauges to Prometheus
type Metrics struct {
	calls         *prometheus.CounterVec
	avoided       *prometheus.CounterVec
	items         prometheus.Counter
	tiers         *prometheus.GaugeVec
	cycleDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Upstream calls issued, by call kind.",
		}, []string{"kind"}),
		avoided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_avoided_total",
			Help:      "Upstream calls avoided, by reason.",
		}, []string{"reason"}),
		items: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_fetched_total",
			Help:      "Items returned by upstream calls.",
		}),
		tiers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accounts_by_tier",
			Help:      "Tracked accounts per polling tier.",
		}, []string{"tier"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of scheduling cycles.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
	}

	reg.MustRegister(m.calls, m.avoided, m.items, m.tiers, m.cycleDuration)
	return m
}

// SetTierDistribution replaces the per-tier gauge values
func (m *Metrics) SetTierDistribution(dist map[string]int) {
	if m == nil {
		return
	}
	m.tiers.Reset()
	for tier, count := range dist {
		m.tiers.WithLabelValues(tier).Set(float64(count))
	}
}

// ObserveCycle records the duration of a completed cycle
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}
