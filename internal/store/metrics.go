package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "stepmap"

type metrics struct {
	assigns          prometheus.Counter
	lookups          prometheus.Counter
	breakpoints      prometheus.Gauge
	journalBytes     prometheus.Gauge
	snapshots        prometheus.Counter
	snapshotDuration prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		assigns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "assigns_total",
			Help:      "Number of interval assignments applied.",
		}),
		lookups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lookups_total",
			Help:      "Number of key lookups.",
		}),
		breakpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "breakpoints",
			Help:      "Number of breakpoints in the map.",
		}),
		journalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "journal_bytes",
			Help:      "Size of the active journal.",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshots_total",
			Help:      "Number of snapshots written.",
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time taken to write a snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.assigns,
		m.lookups,
		m.breakpoints,
		m.journalBytes,
		m.snapshots,
		m.snapshotDuration,
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for i, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			for _, rc := range m.collectors()[:i] {
				r.Unregister(rc)
			}
			return err
		}
	}
	return nil
}

func (m *metrics) unregister(r prometheus.Registerer) {
	for _, c := range m.collectors() {
		r.Unregister(c)
	}
}
