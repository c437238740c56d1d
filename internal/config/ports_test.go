package config

import "testing"

func TestPortsAreUnique(t *testing.T) {
	ports := map[string]int{
		"ExecutorAPIPort": ExecutorAPIPort,
		"DistributorPort": DistributorPort,
		"VaultPort":       VaultPort,
		"PostgresPort":    PostgresPort,
		"NATSPort":        NATSPort,
		"MetricsPort":     MetricsPort,
		"HealthPort":      HealthPort,
		"PrometheusPort":  PrometheusPort,
		"GrafanaPort":     GrafanaPort,
	}

	seen := make(map[int]string)
	for name, port := range ports {
		if port < 1 || port > 65535 {
			t.Errorf("%s = %d out of valid port range", name, port)
		}
		if existing, ok := seen[port]; ok {
			t.Errorf("port %d used by both %q and %q", port, existing, name)
		}
		seen[port] = name
	}
}

func TestMetricsPortsInExpectedRange(t *testing.T) {
	if MetricsPort < 9100 || MetricsPort > 9199 {
		t.Errorf("MetricsPort = %d, want in range 9100-9199", MetricsPort)
	}
	if HealthPort < 9100 || HealthPort > 9199 {
		t.Errorf("HealthPort = %d, want in range 9100-9199", HealthPort)
	}
}
