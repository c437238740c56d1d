// Package config provides configuration management for the signal engine.
// This file centralizes all port constants to avoid duplication and ensure consistency.
package config

// ============================================================================
// CENTRALIZED PORT CONFIGURATION
// ============================================================================
//
// Port Allocation Strategy:
//   8080-8099: API servers (trading executor)
//   8200-8299: Infrastructure services (Vault, etc.)
//   9100-9199: Prometheus metrics / health endpoints
//
// ============================================================================

// API and Web Service Ports
const (
	// ExecutorAPIPort is the default port for a Trading Executor's REST API.
	ExecutorAPIPort = 8090

	// DistributorPort is the port the Signal Distributor's internal status
	// endpoint listens on, when enabled.
	DistributorPort = 8091
)

// Infrastructure Service Ports
const (
	// VaultPort is the default port for HashiCorp Vault.
	VaultPort = 8200

	// PostgresPort is the default port for PostgreSQL (executor operational state).
	PostgresPort = 5432

	// NATSPort is the default port for NATS messaging (heartbeat/control channel).
	NATSPort = 4222
)

// Monitoring Service Ports
const (
	// MetricsPort is the default port for the Prometheus /metrics endpoint.
	MetricsPort = 9100

	// HealthPort is the default port for the /health/live, /health/ready and /metrics endpoints.
	HealthPort = 9101

	// PrometheusPort is the default port for a local Prometheus instance.
	PrometheusPort = 9090

	// GrafanaPort is the default port for Grafana.
	GrafanaPort = 3000
)
