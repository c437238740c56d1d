// Package healthz implements the three health endpoints spec §4.11
// requires: /health/live (no dependency checks), /health/ready (config
// loaded, Store open, at least one Data Source reachable — each wrapped
// in a 5s timeout so a hung dependency reports "degraded" rather than
// hanging the handler), and /metrics (delegated to
// internal/metrics.Handler). Grounded on the teacher's http.Server +
// ServeMux shape, split into the spec's three distinct, dependency-aware
// endpoints instead of one generic "/health" JSON reply.
package healthz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalmesh/engine/internal/metrics"
)

// checkTimeout bounds every readiness dependency probe (spec §4.11: "MUST
// be wrapped in a 5 s timeout; a timeout is reported as degraded, not as
// a hang").
const checkTimeout = 5 * time.Second

// Checker probes one dependency's health. Implementations must respect
// ctx's deadline; Server wraps every call in checkTimeout regardless.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a plain function to the Checker interface.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) error
}

func (f CheckerFunc) Name() string                      { return f.CheckerName }
func (f CheckerFunc) Check(ctx context.Context) error    { return f.Fn(ctx) }

// componentStatus is one dependency's readiness result for the JSON body.
type componentStatus struct {
	Status string `json:"status"` // ok | degraded | down
	Error  string `json:"error,omitempty"`
}

// readyResponse is /health/ready's JSON body.
type readyResponse struct {
	Status     string                      `json:"status"` // ok | degraded
	Components map[string]componentStatus `json:"components"`
}

// Server serves /health/live, /health/ready, and /metrics.
type Server struct {
	port     int
	checkers []Checker
	log      zerolog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer constructs a health server. /health/ready returns 200 only
// when every checker succeeds and 503 otherwise (spec §4.11); the "at
// least one Data Source is reachable" condition belongs inside the
// caller's own data-source Checker, registered alongside the config/store
// checks.
func NewServer(port int, log zerolog.Logger, checkers ...Checker) *Server {
	return &Server{
		port:     port,
		checkers: checkers,
		log:      log.With().Str("component", "healthz").Logger(),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/health/live", metrics.HTTPMiddleware(http.HandlerFunc(s.handleLive)))
	mux.Handle("/health/ready", metrics.HTTPMiddleware(http.HandlerFunc(s.handleReady)))
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         addr(s.port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("healthz: server error")
		}
	}()
	s.log.Info().Int("port", s.port).Msg("healthz: server started")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleLive returns OK as long as the HTTP server itself can respond —
// no dependency checks (spec §4.11).
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady returns OK iff every registered checker succeeds within
// checkTimeout; a timed-out or failing checker is reported as degraded
// and the overall response downgrades to 503 (spec §4.11).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ok", Components: make(map[string]componentStatus, len(s.checkers))}

	for _, c := range s.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := runChecked(ctx, c)
		cancel()

		if err != nil {
			resp.Status = "degraded"
			resp.Components[c.Name()] = componentStatus{Status: statusFor(err), Error: err.Error()}
			continue
		}
		resp.Components[c.Name()] = componentStatus{Status: "ok"}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// runChecked invokes c.Check, converting a ctx deadline exceeded into a
// uniform timeout error regardless of whether the checker itself noticed.
func runChecked(ctx context.Context, c Checker) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Check(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func statusFor(err error) string {
	if err == context.DeadlineExceeded {
		return "degraded"
	}
	return "down"
}

func addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
