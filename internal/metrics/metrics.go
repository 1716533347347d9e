package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cochaviz/preview/internal/bootstrap"
)

var _ bootstrap.Recorder = &Metrics{}

// Metrics holds the Prometheus collectors for bootstrap cycles.
type Metrics struct {
	CyclesStarted  prometheus.Counter
	CyclesFinished *prometheus.CounterVec
	CycleDuration  *prometheus.HistogramVec
	OutputChunks   *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		CyclesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "preview_cycles_started_total",
			Help: "Total number of bootstrap cycles started",
		}),
		CyclesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_cycles_finished_total",
				Help: "Total number of bootstrap cycles that reached a terminal state",
			},
			[]string{"phase"},
		),
		CycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "preview_cycle_duration_seconds",
				Help:    "Time from cycle start to terminal state",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"phase"},
		),
		OutputChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_output_chunks_total",
				Help: "Total number of process output chunks observed",
			},
			[]string{"source"},
		),
	}
}

func (m *Metrics) CycleStarted() {
	m.CyclesStarted.Inc()
}

func (m *Metrics) CycleFinished(phase bootstrap.Phase, elapsed time.Duration) {
	m.CyclesFinished.WithLabelValues(string(phase)).Inc()
	m.CycleDuration.WithLabelValues(string(phase)).Observe(elapsed.Seconds())
}

func (m *Metrics) OutputChunk(source string) {
	m.OutputChunks.WithLabelValues(source).Inc()
}
