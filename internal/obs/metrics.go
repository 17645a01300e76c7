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

// HTTP metrics.
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

var (
	permissionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutriguard_permission_checks_total",
			Help: "Permission decisions by permission and outcome.",
		},
		[]string{"permission", "decision"},
	)

	auditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutriguard_audit_writes_total",
			Help: "Audit record writes by sink and result.",
		},
		[]string{"sink", "result"},
	)

	auditFallbackSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nutriguard_audit_fallback_size",
		Help: "Entries currently held in the local audit fallback buffer.",
	})

	cryptoOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutriguard_crypto_operations_total",
			Help: "Payload encryption operations by kind and result.",
		},
		[]string{"operation", "result"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nutriguard_ready",
		Help: "1 when the document store answered the last readiness check.",
	})
)

var initOnce sync.Once

// Init registers every collector with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			permissionChecks, auditWrites, auditFallbackSize, cryptoOps, readyGauge,
		)
	})
}

// Handler serves /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPermissionCheck counts an access decision.
func RecordPermissionCheck(permission string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	permissionChecks.WithLabelValues(permission, decision).Inc()
}

// RecordAuditWrite counts a write attempt against an audit sink.
func RecordAuditWrite(sink string, err error) {
	auditWrites.WithLabelValues(sink, result(err)).Inc()
}

// SetAuditFallbackSize publishes the fallback buffer length.
func SetAuditFallbackSize(n int) {
	auditFallbackSize.Set(float64(n))
}

// RecordCryptoOp counts an encrypt/decrypt/derive operation.
func RecordCryptoOp(operation string, err error) {
	cryptoOps.WithLabelValues(operation, result(err)).Inc()
}

// SetReady mirrors the last readiness check outcome.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Instrument records request count, latency and in-flight requests.
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

var userSubresources = map[string]struct{}{
	"role":        {},
	"revocations": {},
	"export":      {},
	"data":        {},
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "users":
			if len(parts) == 4 {
				if _, ok := userSubresources[parts[3]]; ok {
					return "/v1/users/:id/" + parts[3]
				}
			}
		case "roles":
			if len(parts) == 3 {
				return "/v1/roles/:name"
			}
		}
	}
	return raw
}

// statusWriter captures the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
