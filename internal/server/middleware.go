package server

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/wakewatch/internal/version"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Prometheus HTTP metrics, labelled by route pattern rather than raw path.
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakewatch_http_requests_total",
			Help: "HTTP requests by route and status.",
		},
		[]string{"route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wakewatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	controlRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakewatch_http_control_rejected_total",
			Help: "State-changing requests rejected before reaching a handler, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(controlRejectedTotal)
}

// unmatchedRoute labels requests no pattern matched.
const unmatchedRoute = "unmatched"

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order (first argument is outermost).
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

// safeMethod reports whether m cannot change monitor state.
func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// requestIDKey is a context key for the request ID.
type requestIDKey struct{}

// RequestID returns the request ID from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestIDMiddleware generates or propagates X-Request-ID headers.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RouteFunc names the route pattern that will serve r, or "" if none.
type RouteFunc func(r *http.Request) string

// LoggingMiddleware logs each request and records its metrics under the
// matched route pattern. Control requests (anything but GET, HEAD,
// OPTIONS) log at info, reads at debug. Paths in skipPaths are not logged
// but still counted.
func LoggingMiddleware(logger *zap.Logger, route RouteFunc, skipPaths []string) Middleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			pattern := unmatchedRoute
			if route != nil {
				if p := route(r); p != "" {
					pattern = p
				}
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			httpRequestsTotal.WithLabelValues(pattern, strconv.Itoa(sw.status)).Inc()
			httpRequestDuration.WithLabelValues(pattern).Observe(duration.Seconds())

			if skip[r.URL.Path] {
				return
			}
			level := zap.DebugLevel
			if !safeMethod(r.Method) || sw.status >= http.StatusInternalServerError {
				level = zap.InfoLevel
			}
			logger.Log(level, "http request",
				zap.String("method", r.Method),
				zap.String("route", pattern),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", duration),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

// VersionHeaderMiddleware adds X-Wakewatch-Version to all responses.
func VersionHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Wakewatch-Version", version.Short())
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware catches panics and returns a 500 problem response.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestID(r.Context())),
					)
					InternalError(w, "an unexpected error occurred", r.URL.Path)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// HostGuardMiddleware rejects requests whose Host header is not in
// allowed. On a loopback listener this keeps DNS-rebound pages away from
// the control API. An empty list disables the check.
func HostGuardMiddleware(allowed []string) Middleware {
	set := make(map[string]bool, len(allowed))
	for _, h := range allowed {
		set[normalizeHost(h)] = true
	}
	return func(next http.Handler) http.Handler {
		if len(set) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !set[normalizeHost(r.Host)] {
				controlRejectedTotal.WithLabelValues("host").Inc()
				Forbidden(w, "host "+r.Host+" is not allowed", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// normalizeHost strips the port and IPv6 brackets and lowercases.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

// CrossOriginMiddleware rejects cross-origin browser requests that could
// change state, using the Sec-Fetch-Site and Origin headers. Requests
// from non-browser clients such as curl carry neither and pass. Invalid
// trusted origins are logged and skipped.
func CrossOriginMiddleware(trusted []string, logger *zap.Logger) Middleware {
	cop := http.NewCrossOriginProtection()
	for _, origin := range trusted {
		if err := cop.AddTrustedOrigin(origin); err != nil {
			logger.Warn("ignoring trusted origin", zap.String("origin", origin), zap.Error(err))
		}
	}
	cop.SetDenyHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		controlRejectedTotal.WithLabelValues("cross_origin").Inc()
		Forbidden(w, "cross-origin request rejected", r.URL.Path)
	}))
	return cop.Handler
}

// ControlRateMiddleware limits state-changing requests across all clients
// with one token bucket. Reads are never limited. A rejected request gets
// 429 with Retry-After in whole seconds.
func ControlRateMiddleware(rps float64, burst int) Middleware {
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if safeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			res := lim.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				controlRejectedTotal.WithLabelValues("rate").Inc()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
				RateLimited(w, "too many control requests", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	if d == rate.InfDuration {
		return 60
	}
	return max(1, int(math.Ceil(d.Seconds())))
}

// statusWriter wraps ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController, which
// the websocket upgrade uses to hijack the connection.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
