package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the Prometheus metrics HTTP handler, mounted by
// internal/healthz.Server at /metrics alongside the liveness/readiness
// endpoints.
func Handler() http.Handler {
	return promhttp.Handler()
}
