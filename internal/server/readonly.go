package server

import "net/http"

// ReadOnlyMiddleware rejects every request that could change monitor state.
// Only GET, HEAD, and OPTIONS requests are allowed; all other HTTP methods
// get a 405 problem response.
func ReadOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		controlRejectedTotal.WithLabelValues("read_only").Inc()
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		MethodNotAllowed(w, "server is in read-only mode", r.URL.Path)
	})
}
