package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// errorKinds labels the API errors produced by the follow-up handlers
var errorKinds = map[int]string{
	http.StatusBadRequest:      "bad_request",
	http.StatusUnauthorized:    "auth_error",
	http.StatusForbidden:       "auth_error",
	http.StatusNotFound:        "not_found",
	http.StatusConflict:        "conflict",
	http.StatusTooManyRequests: "rate_limited",
}

// HTTPMiddleware records request count, latency and errors in the global metrics
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)

		m.observeRequest(r, ww.Status(), time.Since(began))
	})
}

func (m *Metrics) observeRequest(r *http.Request, status int, elapsed time.Duration) {
	if status == 0 {
		status = http.StatusOK
	}
	route := routeLabel(r)

	m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
	if status >= http.StatusBadRequest {
		m.APIErrorsTotal.WithLabelValues(categorizeStatus(status)).Inc()
	}
}

// routeLabel is the chi route pattern. Unrouted paths get follow-up IDs masked.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	segments := strings.Split(r.URL.Path, "/")
	for i, seg := range segments {
		if isUUID(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// isUUID accepts only the canonical 8-4-4-4-12 form
func isUUID(s string) bool {
	return len(s) == 36 && uuid.Validate(s) == nil
}

func categorizeStatus(status int) string {
	if kind, ok := errorKinds[status]; ok {
		return kind
	}
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	}
	return "unknown"
}
