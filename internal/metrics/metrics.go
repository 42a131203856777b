// Package metrics exposes optimizer metrics in Prometheus format on a
// private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"model_optimizer/internal/models"
)

const namespace = "optimizer"

// Metrics collects tracker, router, experiment, queue and HTTP metrics. It
// satisfies tracker.Observer.
type Metrics struct {
	registry *prometheus.Registry

	executionsCompleted *prometheus.CounterVec
	executionCost       *prometheus.CounterVec
	executionLatency    *prometheus.HistogramVec
	qualityScore        *prometheus.HistogramVec
	staleHandles        prometheus.Counter
	pendingExpired      prometheus.Counter

	routingDecisions *prometheus.CounterVec
	variantAssigned  *prometheus.CounterVec
	testsConcluded   *prometheus.CounterVec

	queueDepth *prometheus.GaugeVec

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

// New constructs the collectors and registers them.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		executionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "executions_completed_total",
			Help:      "Completed executions by model and task type.",
		}, []string{"model", "task_type"}),
		executionCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "execution_cost_usd_total",
			Help:      "Accumulated execution cost in USD.",
		}, []string{"model", "task_type"}),
		executionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "execution_latency_seconds",
			Help:      "Latency distribution of completed executions.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"model", "task_type"}),
		qualityScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "quality_score",
			Help:      "Quality scores on the 0-100 scale.",
			Buckets:   prometheus.LinearBuckets(10, 10, 9),
		}, []string{"model", "task_type", "source"}),
		staleHandles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "stale_handles_total",
			Help:      "Completions rejected because the handle was unknown or expired.",
		}),
		pendingExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "pending_expired_total",
			Help:      "Pending executions dropped by the sweeper.",
		}),

		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Routing decisions by strategy and chosen model.",
		}, []string{"strategy", "model", "explored"}),
		variantAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "abtest",
			Name:      "assignments_total",
			Help:      "Variant assignments per test.",
		}, []string{"test_id", "model"}),
		testsConcluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "abtest",
			Name:      "concluded_total",
			Help:      "Experiments that reached a terminal status.",
		}, []string{"status"}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Items waiting in a queue or dead letter queue.",
		}, []string{"queue"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "route", "status"}),
	}

	for _, c := range []prometheus.Collector{
		m.executionsCompleted, m.executionCost, m.executionLatency, m.qualityScore,
		m.staleHandles, m.pendingExpired,
		m.routingDecisions, m.variantAssigned, m.testsConcluded,
		m.queueDepth,
		m.requestDuration, m.requestTotal,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler returns the /metrics handler.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExecutionCompleted records cost, latency and the provisional quality.
func (m *Metrics) ExecutionCompleted(rec *models.ExecutionRecord) {
	task := string(rec.TaskType)
	m.executionsCompleted.WithLabelValues(rec.ModelID, task).Inc()
	m.executionCost.WithLabelValues(rec.ModelID, task).Add(rec.CostUSD)
	m.executionLatency.WithLabelValues(rec.ModelID, task).Observe(rec.Latency().Seconds())
	if rec.HeuristicScore != nil {
		m.qualityScore.WithLabelValues(rec.ModelID, task, "heuristic").Observe(*rec.HeuristicScore)
	}
}

// FeedbackApplied records the final quality.
func (m *Metrics) FeedbackApplied(rec *models.ExecutionRecord) {
	if rec.QualityScore == nil {
		return
	}
	m.qualityScore.WithLabelValues(rec.ModelID, string(rec.TaskType), "feedback").Observe(*rec.QualityScore)
}

// StaleHandle counts a rejected completion.
func (m *Metrics) StaleHandle() {
	m.staleHandles.Inc()
}

// PendingExpired counts executions dropped by the sweeper.
func (m *Metrics) PendingExpired(n int) {
	if n > 0 {
		m.pendingExpired.Add(float64(n))
	}
}

// RoutingDecision counts one select_model result.
func (m *Metrics) RoutingDecision(strategy, modelID string, explored bool) {
	m.routingDecisions.WithLabelValues(strategy, modelID, strconv.FormatBool(explored)).Inc()
}

// VariantAssigned counts one AB assignment.
func (m *Metrics) VariantAssigned(testID, modelID string) {
	m.variantAssigned.WithLabelValues(testID, modelID).Inc()
}

// TestConcluded counts an experiment reaching a terminal status.
func (m *Metrics) TestConcluded(status models.ABTestStatus) {
	m.testsConcluded.WithLabelValues(string(status)).Inc()
}

// SetQueueDepth publishes the length of a queue.
func (m *Metrics) SetQueueDepth(queue string, n int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

// InstrumentHandler wraps the provided handler to record HTTP metrics under
// a fixed route label, so ids in paths do not explode cardinality.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.status)
		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
