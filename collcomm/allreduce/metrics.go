package allreduce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for ring allreduce
// tasks.
//
// All metrics are prefixed with "ring_allreduce_":
//   - ring_allreduce_tasks_total{outcome}
//   - ring_allreduce_steps_total
//   - ring_allreduce_writes_total{kind}
//   - ring_allreduce_write_bytes_total
//   - ring_allreduce_atomics_total
//   - ring_allreduce_reductions_total
type Metrics struct {
	TasksTotal      *prometheus.CounterVec
	StepsTotal      prometheus.Counter
	WritesTotal     *prometheus.CounterVec
	WriteBytesTotal prometheus.Counter
	AtomicsTotal    prometheus.Counter
	ReductionsTotal prometheus.Counter
}

// NewMetrics creates the metrics and registers them with
// reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ring_allreduce_tasks_total",
				Help: "Total number of finished or rejected tasks",
			},
			[]string{"outcome"},
		),
		StepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ring_allreduce_steps_total",
			Help: "Total number of arrivals consumed",
		}),
		WritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ring_allreduce_writes_total",
				Help: "Total number of one-sided writes posted",
			},
			[]string{"kind"}, // "seed", "reduce" or "forward"
		),
		WriteBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ring_allreduce_write_bytes_total",
			Help: "Total number of bytes posted in one-sided writes",
		}),
		AtomicsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ring_allreduce_atomics_total",
			Help: "Total number of arrival signals posted",
		}),
		ReductionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ring_allreduce_reductions_total",
			Help: "Total number of reductions submitted",
		}),
	}
}

func (m *Metrics) recordTask(status error) {
	if m != nil {
		m.TasksTotal.WithLabelValues(outcome(status)).Inc()
	}
}

func (m *Metrics) recordStep() {
	if m != nil {
		m.StepsTotal.Inc()
	}
}

func (m *Metrics) recordWrite(kind Step, bytes int) {
	if m != nil {
		m.WritesTotal.WithLabelValues(kind.String()).Inc()
		m.WriteBytesTotal.Add(float64(bytes))
	}
}

func (m *Metrics) recordAtomic() {
	if m != nil {
		m.AtomicsTotal.Inc()
	}
}

func (m *Metrics) recordReduction() {
	if m != nil {
		m.ReductionsTotal.Inc()
	}
}
