package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "wasmjq"
	metricsSubsystem = "pool"
)

// metrics holds the pool collectors. A nil *metrics records nothing.
type metrics struct {
	borrowWait prometheus.Histogram
	created    prometheus.Counter
	destroyed  prometheus.Counter
	loans      *prometheus.CounterVec
	inUse      prometheus.Gauge
	idle       prometheus.Gauge
}

func newMetrics(labels prometheus.Labels) *metrics {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}
	}
	return &metrics{
		borrowWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "borrow_wait_seconds",
			Help:        "Time spent waiting for a free reactor slot.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		created:   prometheus.NewCounter(prometheus.CounterOpts(opts("reactors_created_total", "Reactors built by the pool."))),
		destroyed: prometheus.NewCounter(prometheus.CounterOpts(opts("reactors_destroyed_total", "Reactors closed by the pool."))),
		loans: prometheus.NewCounterVec(prometheus.CounterOpts(opts("loans_total", "Finished loans by outcome.")),
			[]string{"outcome"}),
		inUse: prometheus.NewGauge(prometheus.GaugeOpts(opts("in_use", "Reactors currently on loan."))),
		idle:  prometheus.NewGauge(prometheus.GaugeOpts(opts("idle", "Reactors waiting in the idle set."))),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.borrowWait, m.created, m.destroyed, m.loans, m.inUse, m.idle}
}

// WithMetrics registers the pool's collectors with reg. Pools sharing a
// registry must be told apart with constant labels.
func WithMetrics(reg prometheus.Registerer, labels prometheus.Labels) Option {
	return func(p *Pool) error {
		if reg == nil {
			return nil
		}
		m := newMetrics(labels)
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return err
			}
		}
		// Pre-create both outcomes so they export as zero.
		m.loans.WithLabelValues(outcomeReturned)
		m.loans.WithLabelValues(outcomeDiscarded)
		p.metrics = m
		return nil
	}
}

func (m *metrics) observeWait(d time.Duration) {
	if m == nil {
		return
	}
	m.borrowWait.Observe(d.Seconds())
}

func (m *metrics) setInUse(n int64) {
	if m == nil {
		return
	}
	m.inUse.Set(float64(n))
}

func (m *metrics) setIdle(n int) {
	if m == nil {
		return
	}
	m.idle.Set(float64(n))
}

func (m *metrics) reactorCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *metrics) reactorDestroyed() {
	if m == nil {
		return
	}
	m.destroyed.Inc()
}

func (m *metrics) loanFinished(outcome string) {
	if m == nil {
		return
	}
	m.loans.WithLabelValues(outcome).Inc()
}
