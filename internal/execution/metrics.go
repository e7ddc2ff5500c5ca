package execution

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds executor collectors. They are always updated and exported
// only after Register.
type Metrics struct {
	running  prometheus.Gauge
	queued   prometheus.Gauge
	finished *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "squadt",
			Subsystem: "executor",
			Name:      "running_processes",
			Help:      "Number of tool processes currently running.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "squadt",
			Subsystem: "executor",
			Name:      "queued_commands",
			Help:      "Number of commands waiting for a free execution slot.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "squadt",
			Subsystem: "executor",
			Name:      "processes_total",
			Help:      "Number of tool processes which have terminated, by status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range []prometheus.Collector{m.running, m.queued, m.finished} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Metrics) Running() prometheus.Gauge {
	return m.running
}

func (m *Metrics) Queued() prometheus.Gauge {
	return m.queued
}

func (m *Metrics) Finished() *prometheus.CounterVec {
	return m.finished
}
