package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's prometheus collectors
type Metrics struct {
	state           prometheus.Gauge
	cycles          prometheus.Counter
	buffers         prometheus.Counter
	gaps            prometheus.Counter
	transportErrors prometheus.Counter
	cycleSeconds    prometheus.Histogram
	operations      *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors
func NewMetrics() *Metrics {
	return &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "iris",
			Name:      "state",
			Help:      "Engine state: 0 idle, 1 configuring, 2 preloading, 3 running, 4 stopping.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "iris",
			Name:      "cycles_total",
			Help:      "Optimization cycles completed.",
		}),
		buffers: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "iris",
			Name:      "buffers_total",
			Help:      "Acquisition buffers reduced.",
		}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "iris",
			Name:      "sequence_gaps_total",
			Help:      "Acquisition buffers that did not follow their predecessor.",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "iris",
			Name:      "transport_errors_total",
			Help:      "Failed modulator column updates.",
		}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: "iris",
			Name:      "cycle_seconds",
			Help:      "Time between consecutive cycle completions.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "iris",
			Name:      "operations_total",
			Help:      "Finished hardware operations by activity and result.",
		}, []string{"activity", "result"}),
	}
}

// Register registers every collector with r
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.state, m.cycles, m.buffers, m.gaps, m.transportErrors, m.cycleSeconds, m.operations,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
