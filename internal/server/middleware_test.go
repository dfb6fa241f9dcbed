package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// localRequest builds a request addressed to a loopback listener.
func localRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, http.NoBody)
	req.Host = "127.0.0.1:8089"
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	w := serve(handler, localRequest(http.MethodPost, "/api/v1/monitor/wake"))
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("generated request ID %q is not a UUID: %v", seen, err)
	}
	if w.Header().Get("X-Request-ID") != seen {
		t.Errorf("X-Request-ID = %q, want %q", w.Header().Get("X-Request-ID"), seen)
	}

	req := localRequest(http.MethodPost, "/api/v1/monitor/wake")
	req.Header.Set("X-Request-ID", "from-caller")
	serve(handler, req)
	if seen != "from-caller" {
		t.Errorf("propagated request ID = %q, want from-caller", seen)
	}

	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID(empty ctx) = %q", got)
	}
}

func TestLoggingMiddleware_LabelsByRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/monitor/{action}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	route := func(r *http.Request) string {
		_, p := mux.Handler(r)
		return p
	}
	handler := LoggingMiddleware(testLogger(), route, nil)(mux)

	accepted := httpRequestsTotal.WithLabelValues("POST /api/v1/monitor/{action}", "202")
	before := promtest.ToFloat64(accepted)
	serve(handler, localRequest(http.MethodPost, "/api/v1/monitor/pause"))
	serve(handler, localRequest(http.MethodPost, "/api/v1/monitor/resume"))
	if got := promtest.ToFloat64(accepted) - before; got != 2 {
		t.Errorf("requests counted under the route pattern = %v, want 2", got)
	}

	missing := httpRequestsTotal.WithLabelValues(unmatchedRoute, "404")
	before = promtest.ToFloat64(missing)
	serve(handler, localRequest(http.MethodGet, "/no/such/path"))
	if got := promtest.ToFloat64(missing) - before; got != 1 {
		t.Errorf("unmatched requests counted = %v, want 1", got)
	}
}

func TestVersionHeaderMiddleware(t *testing.T) {
	w := serve(VersionHeaderMiddleware(okHandler), localRequest(http.MethodGet, "/healthz"))
	if w.Header().Get("X-Wakewatch-Version") == "" {
		t.Error("X-Wakewatch-Version header missing")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })

	w := serve(RecoveryMiddleware(testLogger())(panicking), localRequest(http.MethodPost, "/api/v1/monitor/wake"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}

	w = serve(RecoveryMiddleware(testLogger())(okHandler), localRequest(http.MethodGet, "/healthz"))
	if w.Code != http.StatusOK {
		t.Errorf("status without panic = %d, want 200", w.Code)
	}
}

func TestHostGuardMiddleware(t *testing.T) {
	handler := HostGuardMiddleware([]string{"localhost", "127.0.0.1", "::1", "TV-Box.lan"})(okHandler)

	tests := []struct {
		host string
		want int
	}{
		{"127.0.0.1:8089", http.StatusOK},
		{"localhost:8089", http.StatusOK},
		{"LOCALHOST", http.StatusOK},
		{"[::1]:8089", http.StatusOK},
		{"tv-box.lan:8089", http.StatusOK},
		{"attacker.example:8089", http.StatusForbidden},
		{"", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			req := localRequest(http.MethodPost, "/api/v1/monitor/wake")
			req.Host = tt.host
			if w := serve(handler, req); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHostGuardMiddleware_EmptyListDisabled(t *testing.T) {
	req := localRequest(http.MethodGet, "/healthz")
	req.Host = "anything.example"
	if w := serve(HostGuardMiddleware(nil)(okHandler), req); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCrossOriginMiddleware(t *testing.T) {
	handler := CrossOriginMiddleware([]string{"http://localhost:3000", "not a url"}, testLogger())(okHandler)

	tests := []struct {
		name    string
		method  string
		headers map[string]string
		want    int
	}{
		{"curl without browser headers", http.MethodPost, nil, http.StatusOK},
		{"same-origin browser", http.MethodPost, map[string]string{"Sec-Fetch-Site": "same-origin"}, http.StatusOK},
		{"cross-site browser post", http.MethodPost, map[string]string{"Sec-Fetch-Site": "cross-site", "Origin": "https://evil.example"}, http.StatusForbidden},
		{"cross-site read", http.MethodGet, map[string]string{"Sec-Fetch-Site": "cross-site"}, http.StatusOK},
		{"trusted dashboard", http.MethodPost, map[string]string{"Sec-Fetch-Site": "same-site", "Origin": "http://localhost:3000"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := localRequest(tt.method, "/api/v1/monitor/wake")
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := serve(handler, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusForbidden && w.Header().Get("Content-Type") != "application/problem+json" {
				t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestControlRateMiddleware(t *testing.T) {
	// One token, refilled every 10s.
	handler := ControlRateMiddleware(0.1, 1)(okHandler)

	if w := serve(handler, localRequest(http.MethodPost, "/api/v1/monitor/wake")); w.Code != http.StatusOK {
		t.Fatalf("first control request = %d, want 200", w.Code)
	}

	w := serve(handler, localRequest(http.MethodPost, "/api/v1/monitor/restart"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second control request = %d, want 429", w.Code)
	}
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || secs < 1 || secs > 10 {
		t.Errorf("Retry-After = %q, want 1..10 seconds", w.Header().Get("Retry-After"))
	}

	// Reads share nothing with the control bucket.
	for range 5 {
		if w := serve(handler, localRequest(http.MethodGet, "/api/v1/monitor/status")); w.Code != http.StatusOK {
			t.Fatalf("read = %d, want 200", w.Code)
		}
	}
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	serve(Chain(okHandler, mw("first"), mw("second"), mw("third")), localRequest(http.MethodGet, "/"))

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	sw.WriteHeader(http.StatusConflict)
	sw.WriteHeader(http.StatusOK)

	if sw.status != http.StatusConflict {
		t.Errorf("status = %d, want first code 409", sw.status)
	}
	if sw.Unwrap() != rec {
		t.Error("Unwrap() does not return the wrapped writer")
	}
}

func TestConfig_HostAllowlist(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"loopback v4", Config{Addr: "127.0.0.1:8089"}, 3},
		{"loopback name", Config{Addr: "localhost:8089"}, 3},
		{"loopback v6 plus extra", Config{Addr: "[::1]:8089", AllowedHosts: []string{"tv.lan"}}, 4},
		{"all interfaces", Config{Addr: ":8089"}, 0},
		{"lan address with hosts", Config{Addr: "192.168.1.5:8089", AllowedHosts: []string{"tv.lan"}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.hostAllowlist(); len(got) != tt.want {
				t.Errorf("hostAllowlist() = %v, want %d entries", got, tt.want)
			}
		})
	}
}
