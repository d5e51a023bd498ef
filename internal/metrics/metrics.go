package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreOperation identifies the cache store method being instrumented.
type StoreOperation string

const (
	// StoreOperationGet records cache store lookups.
	StoreOperationGet StoreOperation = "get"
	// StoreOperationPut records cache store writes.
	StoreOperationPut StoreOperation = "put"
	// StoreOperationDrop records namespace deletions during activation.
	StoreOperationDrop StoreOperation = "drop"
)

// StoreOutcome captures the result of a cache store operation.
type StoreOutcome string

const (
	StoreOutcomeHit   StoreOutcome = "hit"
	StoreOutcomeMiss  StoreOutcome = "miss"
	StoreOutcomeOK    StoreOutcome = "ok"
	StoreOutcomeError StoreOutcome = "error"
)

// DrainOutcome captures how a drain cycle ended.
type DrainOutcome string

const (
	// DrainOutcomeDrained means every queued item was replayed.
	DrainOutcomeDrained DrainOutcome = "drained"
	// DrainOutcomeHalted means a replay failed and the cycle stopped early.
	DrainOutcomeHalted DrainOutcome = "halted"
	// DrainOutcomeBusy means another drain was already in flight.
	DrainOutcomeBusy DrainOutcome = "busy"
)

// Recorder publishes Prometheus metrics for agent activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	storeOperations *prometheus.CounterVec

	queueDepth    prometheus.Gauge
	queueEnqueued prometheus.Counter
	queueReplays  *prometheus.CounterVec
	queueDrains   *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offsync",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Total intercepted requests by strategy, response source, and status.",
	}, []string{"strategy", "source", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offsync",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency of intercepted request handling.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"strategy", "source"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offsync",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Cache store operations by type and outcome.",
	}, []string{"operation", "outcome"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offsync",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Mutations currently awaiting replay.",
	})

	queueEnqueued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offsync",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Mutations recorded for later replay.",
	})

	queueReplays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offsync",
		Subsystem: "queue",
		Name:      "replays_total",
		Help:      "Replay attempts by outcome.",
	}, []string{"outcome"})

	queueDrains := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offsync",
		Subsystem: "queue",
		Name:      "drains_total",
		Help:      "Drain cycles by outcome.",
	}, []string{"outcome"})

	reg.MustRegister(fetchRequests, fetchLatency, storeOperations, queueDepth, queueEnqueued, queueReplays, queueDrains)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		storeOperations: storeOperations,
		queueDepth:      queueDepth,
		queueEnqueued:   queueEnqueued,
		queueReplays:    queueReplays,
		queueDrains:     queueDrains,
	}
}

// Handler exposes the recorder's registry for the /metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return r.handler
}

// Gatherer returns the underlying registry for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.gatherer
}

// ObserveFetch records one intercepted request end to end.
func (r *Recorder) ObserveFetch(strategy, source string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.fetchRequests.WithLabelValues(strategy, source, strconv.Itoa(status)).Inc()
	r.fetchLatency.WithLabelValues(strategy, source).Observe(duration.Seconds())
}

// ObserveStore records a cache store operation.
func (r *Recorder) ObserveStore(op StoreOperation, outcome StoreOutcome) {
	if r == nil {
		return
	}
	r.storeOperations.WithLabelValues(string(op), string(outcome)).Inc()
}

// SetQueueDepth publishes the current number of unresolved mutations.
func (r *Recorder) SetQueueDepth(depth int64) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// ObserveEnqueue counts a newly recorded mutation.
func (r *Recorder) ObserveEnqueue() {
	if r == nil {
		return
	}
	r.queueEnqueued.Inc()
}

// ObserveReplay counts one replay attempt.
func (r *Recorder) ObserveReplay(success bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.queueReplays.WithLabelValues(outcome).Inc()
}

// ObserveDrain counts a completed drain cycle.
func (r *Recorder) ObserveDrain(outcome DrainOutcome) {
	if r == nil {
		return
	}
	r.queueDrains.WithLabelValues(string(outcome)).Inc()
}
