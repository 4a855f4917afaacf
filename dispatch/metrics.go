package dispatch

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	flushes   prometheus.Counter
	actions   *prometheus.CounterVec
	faults    prometheus.Counter
	batchSize prometheus.Observer
	duration  prometheus.Observer
	pending   prometheus.Gauge
}

func newMetrics(name string, reg prometheus.Registerer) (m *metrics) {
	labels := prometheus.Labels{"dispatcher": name}

	m = &metrics{
		flushes: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "ownedset",
			Subsystem:   "dispatch",
			Name:        "flushes_total",
			ConstLabels: labels,
		})),
		actions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ownedset",
			Subsystem:   "dispatch",
			Name:        "actions_total",
			ConstLabels: labels,
		}, []string{"kind"})),
		faults: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "ownedset",
			Subsystem:   "dispatch",
			Name:        "faults_total",
			ConstLabels: labels,
		})),
		batchSize: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ownedset",
			Subsystem:   "dispatch",
			Name:        "flush_batch_size",
			ConstLabels: labels,
			Buckets:     []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		})),
		duration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ownedset",
			Subsystem:   "dispatch",
			Name:        "apply_duration_seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10),
		})),
		pending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ownedset",
			Subsystem:   "dispatch",
			Name:        "pending_count",
			ConstLabels: labels,
		})),
	}
	return m
}

// register registers c, reusing the existing collector if an identical one is already there.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (out C) {
	if reg == nil {
		return c
	}

	err := reg.Register(c)
	if err == nil {
		return c
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}
