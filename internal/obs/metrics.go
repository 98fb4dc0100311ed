package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service reports ready.",
	})
)

// Метрики принятия решений
var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by outcome and resource type.",
		},
		[]string{"decision", "resource_type"},
	)

	decisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "authz_decision_duration_seconds",
		Help:    "End-to-end latency of an authorization request.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	consentEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consent_evaluations_total",
			Help: "Consent evaluations by result.",
		},
		[]string{"result"},
	)

	auditAppendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_append_failures_total",
			Help: "Failed audit chain appends.",
		},
		[]string{"mutation"},
	)

	breakGlassActivations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "break_glass_activations_total",
		Help: "Break-glass sessions opened.",
	})

	policyReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_reloads_total",
			Help: "Policy load attempts by result.",
		},
		[]string{"result"},
	)

	policyInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policy_info",
			Help: "Active policy version (value is always 1).",
		},
		[]string{"version"},
	)
)

var (
	initOnce     sync.Once
	policyMu     sync.Mutex
	activePolicy string
)

// Init registers all metrics with the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			decisionsTotal, decisionDuration, consentEvaluations, auditAppendFailures,
			breakGlassActivations, policyReloads, policyInfo,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveDecision counts a decision and its latency.
func ObserveDecision(decision, resourceType string, d time.Duration) {
	decisionsTotal.WithLabelValues(decision, resourceType).Inc()
	decisionDuration.Observe(d.Seconds())
}

// ObserveConsent counts a consent evaluation result.
func ObserveConsent(result string) {
	consentEvaluations.WithLabelValues(result).Inc()
}

// AuditAppendFailed counts a failed chain append.
func AuditAppendFailed(mutation bool) {
	auditAppendFailures.WithLabelValues(strconv.FormatBool(mutation)).Inc()
}

// BreakGlassActivated counts a new session.
func BreakGlassActivated() { breakGlassActivations.Inc() }

// PolicyLoaded records a load attempt and, on success, the active version.
func PolicyLoaded(version string, err error) {
	if err != nil {
		policyReloads.WithLabelValues("error").Inc()
		return
	}
	policyReloads.WithLabelValues("ok").Inc()

	policyMu.Lock()
	defer policyMu.Unlock()
	if activePolicy == version {
		return
	}
	if activePolicy != "" {
		policyInfo.DeleteLabelValues(activePolicy)
	}
	policyInfo.WithLabelValues(version).Set(1)
	activePolicy = version
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers so path labels stay low-cardinality.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "clients" && parts[3] == "consents":
		parts[2] = ":id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "consents" && parts[3] == "revoke":
		parts[2] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter captures the response code for Instrument.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
