package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for pipeline runs.
type Metrics struct {
	registry *prometheus.Registry

	messagesTotal *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	lastRun       *prometheus.GaugeVec
	runErrors     *prometheus.CounterVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_intake_messages_total",
			Help: "Messages processed, by job, mailbox and terminal state.",
		}, []string{"job", "mailbox", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mail_intake_run_duration_seconds",
			Help:    "Duration of complete job runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mail_intake_last_run_timestamp_seconds",
			Help: "Unix time the job last finished.",
		}, []string{"job"}),
		runErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_intake_mailbox_errors_total",
			Help: "Mailboxes that could not be opened or read to the end.",
		}, []string{"job", "mailbox"}),
	}

	m.registry.MustRegister(
		m.messagesTotal,
		m.runDuration,
		m.lastRun,
		m.runErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveMessage counts one message reaching a terminal state.
func (m *Metrics) ObserveMessage(job, mailbox, outcome string) {
	m.messagesTotal.WithLabelValues(job, mailbox, outcome).Inc()
}

// ObserveMailboxError counts a mailbox-level failure.
func (m *Metrics) ObserveMailboxError(job, mailbox string) {
	m.runErrors.WithLabelValues(job, mailbox).Inc()
}

// ObserveRun records the duration and completion time of a job run.
func (m *Metrics) ObserveRun(job string, started time.Time, finished time.Time) {
	m.runDuration.WithLabelValues(job).Observe(finished.Sub(started).Seconds())
	m.lastRun.WithLabelValues(job).Set(float64(finished.Unix()))
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current metrics to path for the node exporter
// textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
