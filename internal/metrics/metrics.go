// Package metrics exposes Prometheus counters for the sync engine. All
// methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resync triggers, used as the "trigger" label.
const (
	TriggerInitial      = "initial"
	TriggerRemote       = "remote"
	TriggerConnectivity = "connectivity"
	TriggerResume       = "resume"
	TriggerManual       = "manual"
)

// Send results, used as the "result" label.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics groups the collectors registered by New.
type Metrics struct {
	syncPages       prometheus.Counter
	syncFailures    prometheus.Counter
	resyncs         *prometheus.CounterVec
	resyncDuration  prometheus.Histogram
	sends           *prometheus.CounterVec
	receiptsFlushed prometheus.Counter
	receiptFailures prometheus.Counter
	busDropped      prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		syncPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_sync_pages_total",
			Help: "Pages fetched and persisted by the sync engine.",
		}),
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_sync_failures_total",
			Help: "Pagination sequences aborted by an error.",
		}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_resyncs_total",
			Help: "Resyncs started, by trigger.",
		}, []string{"trigger"}),
		resyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_resync_duration_seconds",
			Help:    "Wall time of a full resync.",
			Buckets: prometheus.DefBuckets,
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outgoing sends, by result.",
		}, []string{"result"}),
		receiptsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_read_receipts_flushed_total",
			Help: "Message ids acknowledged through read-receipt flushes.",
		}),
		receiptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_read_receipt_failures_total",
			Help: "Read-receipt flushes that failed.",
		}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_bus_events_dropped_total",
			Help: "Events dropped because a bus subscriber was full.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.syncPages, m.syncFailures, m.resyncs, m.resyncDuration,
		m.sends, m.receiptsFlushed, m.receiptFailures, m.busDropped,
	)
	return m
}

func (m *Metrics) SyncPage() {
	if m != nil {
		m.syncPages.Inc()
	}
}

func (m *Metrics) SyncFailed() {
	if m != nil {
		m.syncFailures.Inc()
	}
}

// Resync records a finished resync started by trigger.
func (m *Metrics) Resync(trigger string, took time.Duration) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(trigger).Inc()
	m.resyncDuration.Observe(took.Seconds())
}

func (m *Metrics) Send(ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultError
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) ReceiptsFlushed(n int) {
	if m != nil {
		m.receiptsFlushed.Add(float64(n))
	}
}

func (m *Metrics) ReceiptFlushFailed() {
	if m != nil {
		m.receiptFailures.Inc()
	}
}

// BusDropped has the signature of bus.Bus.OnDrop callbacks.
func (m *Metrics) BusDropped(string) {
	if m != nil {
		m.busDropped.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
