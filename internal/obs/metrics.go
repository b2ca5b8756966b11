package obs

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

	readiness = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "readiness",
		Help: "1 when the service is ready to serve traffic.",
	})

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datacat_build_info",
			Help: "Always 1; labels identify the running binary.",
		},
		[]string{"service", "version", "commit", "go_version"},
	)
)

// Identity metrics
var (
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Tokens signed by the local issuer.",
		},
		[]string{"kind"},
	)

	CodeExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_code_exchanges_total",
			Help: "Authorization code redemptions by outcome.",
		},
		[]string{"outcome"},
	)

	ExternalVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_external_verifications_total",
			Help: "Foreign token verifications by issuer and outcome.",
		},
		[]string{"issuer", "outcome"},
	)

	JWKSFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_jwks_fetches_total",
			Help: "Remote JWKS fetches by issuer and outcome.",
		},
		[]string{"issuer", "outcome"},
	)

	OIDCPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_oidc_purged_total",
			Help: "Expired authorize contexts and codes removed.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readiness, buildInfo,
			TokensIssued, CodeExchanges, ExternalVerifications, JWKSFetches, OIDCPurged,
		)
	})
}

// SetBuildInfo publishes the binary's identity. Earlier label sets are dropped so a
// single series remains per process.
func SetBuildInfo(service, version, commit string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(service, version, commit, runtime.Version()).Set(1)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readiness.Set(1)
		return
	}
	readiness.Set(0)
}

// Instrument records in-flight, count and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// accountActions are the sub-resources under /v1/auth/accounts/{username}.
var accountActions = map[string]struct{}{
	"fullname": {},
	"admin":    {},
	"disable":  {},
	"enable":   {},
}

var knownPaths = map[string]struct{}{
	"/":                                 {},
	"/healthz":                          {},
	"/readyz":                           {},
	"/metrics":                          {},
	"/.well-known/jwks.json":            {},
	"/.well-known/openid-configuration": {},
	"/oidc/authorize":                   {},
	"/oidc/login":                       {},
	"/oidc/token":                       {},
	"/v1/auth/bootstrap":                {},
	"/v1/auth/whoami":                   {},
	"/v1/auth/password/check":           {},
	"/v1/auth/password":                 {},
	"/v1/auth/accounts":                 {},
}

// CanonicalPath maps a request path onto a bounded label set. Unknown paths collapse
// to "other" so scanners cannot blow up label cardinality.
func CanonicalPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	if rest, ok := strings.CutPrefix(p, "/v1/auth/accounts/"); ok {
		user, action, nested := strings.Cut(rest, "/")
		switch {
		case user == "":
		case !nested:
			return "/v1/auth/accounts/{username}"
		default:
			if _, ok := accountActions[action]; ok {
				return "/v1/auth/accounts/{username}/" + action
			}
		}
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
