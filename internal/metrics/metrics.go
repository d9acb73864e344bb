package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	enqueueTotal     *prometheus.CounterVec
	queueJobs        *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anchord_dispatch_total",
			Help: "Provider dispatch attempts by outcome.",
		}, []string{"provider", "status"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anchord_dispatch_duration_seconds",
			Help:    "Provider dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anchord_enqueue_total",
			Help: "Enqueue calls by result.",
		}, []string{"result"}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anchord_queue_jobs",
			Help: "Jobs in the durable queue by status.",
		}, []string{"status"}),
	}
	m.Registry.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.enqueueTotal,
		m.queueJobs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveDispatch(provider, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(provider, status).Inc()
	m.dispatchDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) IncEnqueue(result string) {
	if m == nil {
		return
	}
	m.enqueueTotal.WithLabelValues(result).Inc()
}

// SetQueueJobs replaces the queue gauge. Statuses missing from counts are
// reported as zero.
func (m *Metrics) SetQueueJobs(counts map[string]int) {
	if m == nil {
		return
	}
	for _, status := range []string{"pending", "retry", "failed"} {
		m.queueJobs.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
