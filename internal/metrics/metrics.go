package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetwatch"

// Metrics groups the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived  prometheus.Counter
	brokerDropped     prometheus.Counter
	readingsRejected  *prometheus.CounterVec
	readingsPersisted prometheus.Counter
	persistFailures   prometheus.Counter
	unknownSensors    prometheus.Counter
	deliveries        prometheus.Counter
	queueDrops        prometheus.Counter
	sessionsActive    prometheus.Gauge
	directoryLookups  *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	ingestDuration    prometheus.Histogram
	httpRequests      *prometheus.CounterVec
}

// New builds the collectors on a private registry so several instances can
// coexist in one process.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_messages_received_total",
			Help:      "Messages received from the broker subscription.",
		}),
		brokerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_messages_dropped_total",
			Help:      "Messages dropped because the dispatch buffer was full.",
		}),
		readingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_rejected_total",
			Help:      "Payloads rejected by validation, by reason.",
		}, []string{"reason"}),
		readingsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_persisted_total",
			Help:      "Readings written to the store.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_persist_failures_total",
			Help:      "Readings the store failed to write.",
		}),
		unknownSensors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_unknown_sensor_total",
			Help:      "Persisted readings whose sensor has no registered device.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_deliveries_total",
			Help:      "Events queued to live sessions.",
		}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_queue_drops_total",
			Help:      "Events discarded from full session queues.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Currently registered live sessions.",
		}),
		directoryLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_lookups_total",
			Help:      "Authorization directory cache lookups by result.",
		}, []string{"kind", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"target"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time from message receipt to broadcast.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
	}

	m.registry.MustRegister(
		m.messagesReceived,
		m.brokerDropped,
		m.readingsRejected,
		m.readingsPersisted,
		m.persistFailures,
		m.unknownSensors,
		m.deliveries,
		m.queueDrops,
		m.sessionsActive,
		m.directoryLookups,
		m.breakerState,
		m.ingestDuration,
		m.httpRequests,
		collectors.NewGoCollector(),
	)
	m.breakerState.WithLabelValues("directory").Set(0)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests served by next under the given route label.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
	})
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.brokerDropped.Inc()
}

func (m *Metrics) ReadingRejected(reason string) {
	if m == nil {
		return
	}
	m.readingsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReadingPersisted() {
	if m == nil {
		return
	}
	m.readingsPersisted.Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) UnknownSensor() {
	if m == nil {
		return
	}
	m.unknownSensors.Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.Add(float64(n))
}

func (m *Metrics) QueueDropped() {
	if m == nil {
		return
	}
	m.queueDrops.Inc()
}

func (m *Metrics) SessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// DirectoryLookup records a cache lookup; result is hit, miss, stale or error.
func (m *Metrics) DirectoryLookup(kind, result string) {
	if m == nil {
		return
	}
	m.directoryLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) BreakerState(target string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(target).Set(float64(state))
}

func (m *Metrics) ObserveIngest(d time.Duration) {
	if m == nil {
		return
	}
	m.ingestDuration.Observe(d.Seconds())
}

// Counters exposed for tests.

func (m *Metrics) QueueDropsCollector() prometheus.Counter    { return m.queueDrops }
func (m *Metrics) PersistedCollector() prometheus.Counter     { return m.readingsPersisted }
func (m *Metrics) RejectedCollector() *prometheus.CounterVec  { return m.readingsRejected }
func (m *Metrics) UnknownSensorCollector() prometheus.Counter { return m.unknownSensors }
func (m *Metrics) DirectoryCollector() *prometheus.CounterVec { return m.directoryLookups }
func (m *Metrics) BrokerDroppedCollector() prometheus.Counter { return m.brokerDropped }
