// Package resilience generalizes internal/risk/circuit_breaker.go's
// fixed exchange/llm/database trio into a circuit breaker keyed by an
// arbitrary service name, one per data source, executor, and broker
// (spec §5's per-broker concurrency cap and timeout requirements sit
// alongside this). internal/db.DB keeps its own
// risk.CircuitBreakerManager untouched; this package is for the new
// call sites spec §4.1/§4.9/§6 introduce.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Settings mirrors internal/risk.ServiceSettings's fields.
type Settings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// DefaultSettings matches internal/risk's exchange-circuit defaults —
// a reasonable default for an outbound network call.
func DefaultSettings() Settings {
	return Settings{
		MinRequests:     5,
		FailureRatio:    0.6,
		OpenTimeout:     30 * time.Second,
		HalfOpenMaxReqs: 3,
		CountInterval:   10 * time.Second,
	}
}

var (
	stateGauge    *prometheus.GaugeVec
	requestsTotal *prometheus.CounterVec
	metricsOnce   sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		stateGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "signalengine_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"service"},
		)
		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalengine_circuit_breaker_requests_total",
				Help: "Total number of requests through a named circuit breaker",
			},
			[]string{"service", "result"},
		)
	})
}

// Manager lazily creates and caches one gobreaker.CircuitBreaker per
// service name, defaulting new services to DefaultSettings unless
// WithSettings registers an override first.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings map[string]Settings
}

// NewManager returns an empty Manager; breakers are created on first use.
func NewManager() *Manager {
	initMetrics()
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: make(map[string]Settings),
	}
}

// WithSettings registers non-default settings for service, which must be
// called before that service's first Execute call to take effect.
func (m *Manager) WithSettings(service string, s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[service] = s
}

func (m *Manager) breaker(service string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[service]; ok {
		return b
	}

	settings, ok := m.settings[service]
	if !ok {
		settings = DefaultSettings()
	}

	b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: settings.HalfOpenMaxReqs,
		Interval:    settings.CountInterval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			stateGauge.WithLabelValues(name).Set(stateValue(to))
		},
	})
	m.breakers[service] = b
	stateGauge.WithLabelValues(service).Set(stateValue(b.State()))
	return b
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Execute runs fn through service's circuit breaker, recording a
// requests-total metric alongside the breaker's own state tracking.
func (m *Manager) Execute(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	b := m.breaker(service)
	_, err := b.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	result := "success"
	if err != nil {
		result = "failure"
	}
	requestsTotal.WithLabelValues(service, result).Inc()
	return err
}

// State reports a service's current circuit state as a string, for
// health/metrics surfacing.
func (m *Manager) State(service string) string {
	switch m.breaker(service).State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
