package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "telemetry_"

	// Results shared by the counters below
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultDiscarded = "discarded"
	ResultRetry     = "retry"
	ResultTerm      = "term"

	// Alert outcomes
	AlertFired      = "fired"
	AlertSuppressed = "suppressed"
	AlertFailed     = "failed"
)

var (
	registerOnce sync.Once

	ingestTotal   *prometheus.CounterVec
	jobsTotal     *prometheus.CounterVec
	jobLatency    *prometheus.HistogramVec
	discardsTotal *prometheus.CounterVec
	targetErrors  *prometheus.CounterVec
	alertsTotal   *prometheus.CounterVec
	pingsTotal    *prometheus.CounterVec
	wsConnections prometheus.Gauge
	wsDropped     prometheus.Counter
)

// Init registers the pipeline collectors with the default registry. It is
// safe to call more than once; recording before Init is a no-op.
func Init() {
	registerOnce.Do(func() {
		ingestTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_messages_total",
				Help: "Messages enqueued by source and topic",
			},
			[]string{"source", "topic"},
		)
		jobsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "jobs_total",
				Help: "Processed queue jobs by topic and result",
			},
			[]string{"topic", "result"},
		)
		jobLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "job_latency_seconds",
				Help:    "Queue job handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		)
		discardsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "discards_total",
				Help: "Discarded messages by reason",
			},
			[]string{"reason"},
		)
		targetErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "target_errors_total",
				Help: "Failures of per-record targets (cache, broadcast, evaluation)",
			},
			[]string{"target"},
		)
		alertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_total",
				Help: "Threshold rule outcomes",
			},
			[]string{"result"},
		)
		pingsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "presence_pings_total",
				Help: "Presence pings by routing result",
			},
			[]string{"result"},
		)
		wsConnections = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "ws_connections",
				Help: "Open websocket connections",
			},
		)
		wsDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "ws_slow_clients_dropped_total",
				Help: "Websocket clients disconnected for a full send buffer",
			},
		)

		prometheus.MustRegister(
			ingestTotal,
			jobsTotal,
			jobLatency,
			discardsTotal,
			targetErrors,
			alertsTotal,
			pingsTotal,
			wsConnections,
			wsDropped,
		)
	})
}

// IncIngest counts a message handed to the queue
func IncIngest(source, topic string) {
	if ingestTotal != nil {
		ingestTotal.WithLabelValues(orUnknown(source), orUnknown(topic)).Inc()
	}
}

// ObserveJob records the result and latency of one queue job
func ObserveJob(topic, result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(orUnknown(topic), result).Inc()
	}
	if jobLatency != nil {
		jobLatency.WithLabelValues(orUnknown(topic)).Observe(duration.Seconds())
	}
}

// IncDiscard counts a message dropped without effect
func IncDiscard(reason string) {
	if discardsTotal != nil {
		discardsTotal.WithLabelValues(orUnknown(reason)).Inc()
	}
}

// IncTargetError counts a failed per-record target
func IncTargetError(target string) {
	if targetErrors != nil {
		targetErrors.WithLabelValues(orUnknown(target)).Inc()
	}
}

// IncAlert counts a rule outcome
func IncAlert(result string) {
	if alertsTotal != nil {
		alertsTotal.WithLabelValues(orUnknown(result)).Inc()
	}
}

// IncPing counts a presence ping
func IncPing(result string) {
	if pingsTotal != nil {
		pingsTotal.WithLabelValues(orUnknown(result)).Inc()
	}
}

// AddConnections moves the open websocket gauge by delta
func AddConnections(delta float64) {
	if wsConnections != nil {
		wsConnections.Add(delta)
	}
}

// IncDroppedClient counts a slow websocket client being disconnected
func IncDroppedClient() {
	if wsDropped != nil {
		wsDropped.Inc()
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
