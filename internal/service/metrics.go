package service

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	updates       *prometheus.CounterVec
	duration      prometheus.Histogram
	updated       prometheus.Counter
	statusChanges prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "squadt",
			Subsystem: "service",
			Name:      "updates_total",
			Help:      "Number of finished project updates, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "squadt",
			Subsystem: "service",
			Name:      "update_duration_seconds",
			Help:      "Duration of project updates.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		updated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "squadt",
			Subsystem: "service",
			Name:      "updated_processors_total",
			Help:      "Number of processors brought up to date.",
		}),
		statusChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "squadt",
			Subsystem: "project",
			Name:      "status_changes_total",
			Help:      "Number of processor status change notifications.",
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range []prometheus.Collector{
		m.updates, m.duration, m.updated, m.statusChanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *metrics) observe(r Result) {
	result := "success"
	if r.Err != nil {
		result = "failure"
	}
	m.updates.WithLabelValues(result).Inc()
	m.duration.Observe(r.Stopped.Sub(r.Started).Seconds())
	m.updated.Add(float64(len(r.Updated)))
}

// MetricsHandler exposes the supervisor registry in the prometheus text format
func (s *Supervisor) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}
