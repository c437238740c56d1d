package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// metricsPath is excluded from self-instrumentation — scraping /metrics
// every few seconds would otherwise pollute signalmesh_http_requests_total
// and signalmesh_api_request_duration_ms with its own traffic.
const metricsPath = "/metrics"

// responseWriter wraps http.ResponseWriter to capture the status code a
// handler wrote, since http.ResponseWriter itself exposes no getter.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// HTTPMiddleware instruments plain net/http handlers (internal/healthz's
// /health/live and /health/ready) with request count and latency metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == metricsPath {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		RecordAPIRequest(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode), float64(time.Since(start).Milliseconds()))
	})
}

// GinMiddleware instruments the Trading Executor's gin router (§4.9) with
// request count and latency metrics, labeled by route template rather than
// literal path so per-symbol or per-signal-ID paths don't blow up label
// cardinality.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == metricsPath {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		RecordAPIRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), float64(time.Since(start).Milliseconds()))
	}
}
