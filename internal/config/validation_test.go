package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getValidConfig returns a valid configuration for testing.
func getValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "signalengine",
			Version:     "0.1.0",
			Environment: "development",
			LogLevel:    "info",
		},
		Cycle: CycleConfig{
			IntervalSeconds:        5,
			BudgetSeconds:          30,
			PerSymbolBudgetSeconds: 8,
			MaxParallelSymbols:     4,
			Watchlist:              []string{"AAPL", "MSFT", "BTC-USD"},
		},
		Store: StoreConfig{
			Path:                 "signals.db",
			BatchSize:            50,
			FlushIntervalSeconds: 10,
		},
		Consensus: ConsensusConfig{
			RegimeFloors: map[string]float64{
				"TRENDING": 65, "CONSOLIDATION": 65, "VOLATILE": 65, "UNKNOWN": 60,
			},
			MarginTieBreak: 0.02,
		},
		Distributor: DistributorConfig{
			ChannelBufferSize:     256,
			RequestTimeoutSeconds: 5,
		},
		Executors: []ExecutorConfig{
			{ExecutorID: "exec-1", EndpointURL: "http://localhost:9000/signals"},
		},
		Trading: TradingConfig{
			MaxPositions:          5,
			PositionSizePct:       0.02,
			StopATRMultiple:       1.5,
			TargetATRMultiple:     2.5,
			ExecutorMinConfidence: 75,
		},
		Broker: BrokerConfig{
			Kind:           "simulated",
			ConcurrencyCap: 4,
			Testnet:        true,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "secure_password",
			Database: "signalengine",
			SSLMode:  "disable",
			PoolSize: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := getValidConfig()
	err := cfg.Validate()
	assert.NoError(t, err, "Valid configuration should not produce errors")
}

func TestValidateApp(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"missing app name", func(c *Config) { c.App.Name = "" }, "app.name"},
		{"missing environment", func(c *Config) { c.App.Environment = "" }, "app.environment"},
		{"invalid environment", func(c *Config) { c.App.Environment = "invalid_env" }, "invalid environment"},
		{"missing log level", func(c *Config) { c.App.LogLevel = "" }, "app.log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateCycle(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"interval too low", func(c *Config) { c.Cycle.IntervalSeconds = 0 }, "cycle.interval_seconds"},
		{"budget below interval", func(c *Config) {
			c.Cycle.IntervalSeconds = 30
			c.Cycle.BudgetSeconds = 5
		}, "cycle.budget_seconds"},
		{"per-symbol budget too low", func(c *Config) { c.Cycle.PerSymbolBudgetSeconds = 0 }, "cycle.per_symbol_budget_seconds"},
		{"max parallel too low", func(c *Config) { c.Cycle.MaxParallelSymbols = 0 }, "cycle.max_parallel_symbols"},
		{"empty watchlist", func(c *Config) { c.Cycle.Watchlist = nil }, "cycle.watchlist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateStore(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"missing path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"batch size too low", func(c *Config) { c.Store.BatchSize = 0 }, "store.batch_size"},
		{"flush interval too low", func(c *Config) { c.Store.FlushIntervalSeconds = 0 }, "store.flush_interval_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateConsensus(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"regime floor out of range", func(c *Config) {
			c.Consensus.RegimeFloors["TRENDING"] = 150
		}, "consensus.regime_floors.TRENDING"},
		{"margin tie break out of range", func(c *Config) {
			c.Consensus.MarginTieBreak = 1.5
		}, "consensus.margin_tie_break"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateDistributor(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"channel buffer too small", func(c *Config) { c.Distributor.ChannelBufferSize = 0 }, "distributor.channel_buffer_size"},
		{"request timeout too low", func(c *Config) { c.Distributor.RequestTimeoutSeconds = 0 }, "distributor.request_timeout_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateExecutors(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"missing executor_id", func(c *Config) {
			c.Executors[0].ExecutorID = ""
		}, "required"},
		{"duplicate executor_id", func(c *Config) {
			c.Executors = append(c.Executors, ExecutorConfig{ExecutorID: "exec-1", EndpointURL: "http://x"})
		}, "duplicate executor_id"},
		{"missing endpoint_url", func(c *Config) {
			c.Executors[0].EndpointURL = ""
		}, "executors[0].endpoint_url"},
		{"missing shared secret in production", func(c *Config) {
			c.App.Environment = "production"
			c.Executors[0].SharedSecret = ""
			c.Broker.Testnet = false
			c.Database.SSLMode = "require"
		}, "required in production"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateTrading(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"max positions too low", func(c *Config) { c.Trading.MaxPositions = 0 }, "trading.max_positions"},
		{"position size out of range", func(c *Config) { c.Trading.PositionSizePct = 0 }, "trading.position_size_pct"},
		{"stop ATR multiple not positive", func(c *Config) { c.Trading.StopATRMultiple = 0 }, "trading.stop_atr_multiple"},
		{"target ATR multiple not positive", func(c *Config) { c.Trading.TargetATRMultiple = 0 }, "trading.target_atr_multiple"},
		{"executor min confidence out of range", func(c *Config) { c.Trading.ExecutorMinConfidence = 150 }, "trading.executor_min_confidence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateBroker(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"invalid kind", func(c *Config) { c.Broker.Kind = "coinbase" }, "broker.kind"},
		{"concurrency cap too low", func(c *Config) { c.Broker.ConcurrencyCap = 0 }, "broker.concurrency_cap"},
		{"missing keys for live binance in production", func(c *Config) {
			c.App.Environment = "production"
			c.Broker.Kind = "binance"
			c.Broker.Testnet = false
			c.Broker.APIKey = ""
			c.Broker.SecretKey = ""
			c.Database.SSLMode = "require"
			c.Executors[0].SharedSecret = "a-sufficiently-long-secret-1"
		}, "required for live binance broker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateDatabase(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"missing host", func(c *Config) { c.Database.Host = "" }, "database.host"},
		{"port too high", func(c *Config) { c.Database.Port = 70000 }, "database.port"},
		{"port negative", func(c *Config) { c.Database.Port = -1 }, "database.port"},
		{"missing password outside development", func(c *Config) {
			c.App.Environment = "production"
			c.Database.Password = ""
			c.Broker.Testnet = false
			c.Database.SSLMode = "require"
			c.Executors[0].SharedSecret = "a-sufficiently-long-secret-1"
		}, "required in non-development environments"},
		{"invalid pool size", func(c *Config) { c.Database.PoolSize = 0 }, "database.pool_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateAPI(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"port too high", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"port negative", func(c *Config) { c.API.Port = -1 }, "api.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateEnvironmentRequirements(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "testnet enabled in production",
			modify: func(c *Config) {
				c.App.Environment = "production"
				c.Broker.Testnet = true
				c.Database.SSLMode = "require"
				c.Executors[0].SharedSecret = "a-sufficiently-long-secret-1"
			},
			expectError: "testnet mode must be disabled in production",
		},
		{
			name: "SSL disabled in production",
			modify: func(c *Config) {
				c.App.Environment = "production"
				c.Broker.Testnet = false
				c.Database.SSLMode = "disable"
				c.Executors[0].SharedSecret = "a-sufficiently-long-secret-1"
			},
			expectError: "SSL must be enabled for database in production",
		},
		{
			name: "DATABASE_URL missing in production with incomplete config",
			modify: func(c *Config) {
				c.App.Environment = "production"
				c.Broker.Testnet = false
				c.Database.SSLMode = "require"
				c.Database.Host = ""
				c.Executors[0].SharedSecret = "a-sufficiently-long-secret-1"
				_ = os.Unsetenv("DATABASE_URL")
			},
			expectError: "DATABASE_URL is required in production",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errors := ValidationErrors{
		{Field: "field1", Message: "error message 1"},
		{Field: "field2", Message: "error message 2"},
		{Field: "field3", Message: "error message 3"},
	}

	errMsg := errors.Error()

	assert.Contains(t, errMsg, "Configuration validation failed with 3 error(s)")
	assert.Contains(t, errMsg, "1. field1: error message 1")
	assert.Contains(t, errMsg, "2. field2: error message 2")
	assert.Contains(t, errMsg, "3. field3: error message 3")
	assert.Contains(t, errMsg, "Please fix the above errors and try again")
}

func TestValidationErrors_Empty(t *testing.T) {
	errors := ValidationErrors{}
	assert.Equal(t, "", errors.Error())
}

func TestValidateAndLoad(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	require.NoError(t, err)
	defer func() { _ = os.Remove(tmpfile.Name()) }()

	invalidConfig := `
app:
  name: ""
  environment: "development"
  log_level: "info"
cycle:
  watchlist: []
`
	_, err = tmpfile.WriteString(invalidConfig)
	require.NoError(t, err)
	_ = tmpfile.Close()

	_, err = Load(tmpfile.Name())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "app.name") || strings.Contains(err.Error(), "watchlist"))
}

func TestValidateCaseSensitiveEnvironment(t *testing.T) {
	tests := []struct {
		env   string
		valid bool
	}{
		{"development", true},
		{"production", false}, // production triggers the stricter environment-requirements checks
		{"Development", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := getValidConfig()
			cfg.App.Environment = tt.env
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
