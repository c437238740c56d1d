package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive, fail-fast configuration validation. A
// non-nil error here is a ConfigError (spec §7) — the process MUST refuse to
// start.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateCycle()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateConsensus()...)
	errors = append(errors, c.validateDistributor()...)
	errors = append(errors, c.validateExecutors()...)
	errors = append(errors, c.validateTrading()...)
	errors = append(errors, c.validateBroker()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{Field: "app.name", Message: "application name is required"})
	}

	validEnvs := []string{"development", "production"}
	valid := false
	for _, env := range validEnvs {
		if c.App.Environment == env {
			valid = true
			break
		}
	}
	if !valid {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
		})
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{Field: "app.log_level", Message: "log level is required"})
	}

	return errors
}

func (c *Config) validateCycle() ValidationErrors {
	var errors ValidationErrors

	if c.Cycle.IntervalSeconds < 1 {
		errors = append(errors, ValidationError{Field: "cycle.interval_seconds", Message: "must be at least 1"})
	}
	if c.Cycle.BudgetSeconds < c.Cycle.IntervalSeconds {
		errors = append(errors, ValidationError{
			Field:   "cycle.budget_seconds",
			Message: "cycle budget must be at least the cycle interval",
		})
	}
	if c.Cycle.PerSymbolBudgetSeconds < 1 {
		errors = append(errors, ValidationError{Field: "cycle.per_symbol_budget_seconds", Message: "must be at least 1"})
	}
	if c.Cycle.MaxParallelSymbols < 1 {
		errors = append(errors, ValidationError{Field: "cycle.max_parallel_symbols", Message: "must be at least 1"})
	}
	if len(c.Cycle.Watchlist) == 0 {
		errors = append(errors, ValidationError{Field: "cycle.watchlist", Message: "at least one symbol is required"})
	}

	return errors
}

func (c *Config) validateStore() ValidationErrors {
	var errors ValidationErrors

	if c.Store.Path == "" {
		errors = append(errors, ValidationError{Field: "store.path", Message: "signal store path is required"})
	}
	if c.Store.BatchSize < 1 {
		errors = append(errors, ValidationError{Field: "store.batch_size", Message: "must be at least 1"})
	}
	if c.Store.FlushIntervalSeconds < 1 {
		errors = append(errors, ValidationError{Field: "store.flush_interval_seconds", Message: "must be at least 1"})
	}

	return errors
}

func (c *Config) validateConsensus() ValidationErrors {
	var errors ValidationErrors

	for regime, floor := range c.Consensus.RegimeFloors {
		if floor < 0 || floor > 100 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("consensus.regime_floors.%s", regime),
				Message: "must be in [0,100]",
			})
		}
	}
	if c.Consensus.MarginTieBreak < 0 || c.Consensus.MarginTieBreak > 1 {
		errors = append(errors, ValidationError{Field: "consensus.margin_tie_break", Message: "must be in [0,1]"})
	}

	return errors
}

func (c *Config) validateDistributor() ValidationErrors {
	var errors ValidationErrors

	if c.Distributor.ChannelBufferSize < 1 {
		errors = append(errors, ValidationError{Field: "distributor.channel_buffer_size", Message: "must be at least 1"})
	}
	if c.Distributor.RequestTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{Field: "distributor.request_timeout_seconds", Message: "must be at least 1"})
	}

	return errors
}

func (c *Config) validateExecutors() ValidationErrors {
	var errors ValidationErrors

	seen := map[string]bool{}
	for i, ex := range c.Executors {
		if ex.ExecutorID == "" {
			errors = append(errors, ValidationError{
				Field: fmt.Sprintf("executors[%d].executor_id", i), Message: "required",
			})
			continue
		}
		if seen[ex.ExecutorID] {
			errors = append(errors, ValidationError{
				Field: fmt.Sprintf("executors[%d].executor_id", i), Message: "duplicate executor_id",
			})
		}
		seen[ex.ExecutorID] = true

		if ex.EndpointURL == "" {
			errors = append(errors, ValidationError{
				Field: fmt.Sprintf("executors[%d].endpoint_url", i), Message: "required",
			})
		}
		if ex.SharedSecret == "" && c.App.Environment == "production" {
			errors = append(errors, ValidationError{
				Field: fmt.Sprintf("executors[%d].shared_secret", i), Message: "required in production",
			})
		}
	}

	return errors
}

func (c *Config) validateTrading() ValidationErrors {
	var errors ValidationErrors

	if c.Trading.MaxPositions < 1 {
		errors = append(errors, ValidationError{Field: "trading.max_positions", Message: "must be at least 1"})
	}
	if c.Trading.PositionSizePct <= 0 || c.Trading.PositionSizePct > 1 {
		errors = append(errors, ValidationError{Field: "trading.position_size_pct", Message: "must be in (0,1]"})
	}
	if c.Trading.StopATRMultiple <= 0 {
		errors = append(errors, ValidationError{Field: "trading.stop_atr_multiple", Message: "must be positive"})
	}
	if c.Trading.TargetATRMultiple <= 0 {
		errors = append(errors, ValidationError{Field: "trading.target_atr_multiple", Message: "must be positive"})
	}
	if c.Trading.ExecutorMinConfidence < 0 || c.Trading.ExecutorMinConfidence > 100 {
		errors = append(errors, ValidationError{Field: "trading.executor_min_confidence", Message: "must be in [0,100]"})
	}

	return errors
}

func (c *Config) validateBroker() ValidationErrors {
	var errors ValidationErrors

	validKinds := []string{"simulated", "binance"}
	valid := false
	for _, k := range validKinds {
		if c.Broker.Kind == k {
			valid = true
			break
		}
	}
	if !valid {
		errors = append(errors, ValidationError{
			Field:   "broker.kind",
			Message: fmt.Sprintf("invalid broker kind '%s'. Must be one of: %v", c.Broker.Kind, validKinds),
		})
	}
	if c.Broker.ConcurrencyCap < 1 {
		errors = append(errors, ValidationError{Field: "broker.concurrency_cap", Message: "must be at least 1"})
	}
	if c.Broker.Kind == "binance" && c.App.Environment == "production" {
		if c.Broker.APIKey == "" || c.Broker.SecretKey == "" {
			errors = append(errors, ValidationError{Field: "broker.api_key", Message: "required for live binance broker in production"})
		}
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{Field: "database.host", Message: "required"})
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{Field: "database.port", Message: "must be in 1-65535"})
	}
	if c.Database.Password == "" && c.App.Environment != "development" {
		errors = append(errors, ValidationError{Field: "database.password", Message: "required in non-development environments"})
	}
	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{Field: "database.pool_size", Message: "must be at least 1"})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port < 1 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{Field: "api.port", Message: "must be in 1-65535"})
	}

	return errors
}

func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment == "production" {
		secretErrors := ValidateProductionSecrets(c)
		errors = append(errors, secretErrors...)

		if c.Broker.Testnet {
			errors = append(errors, ValidationError{Field: "broker.testnet", Message: "testnet mode must be disabled in production"})
		}
		if c.Database.SSLMode == "disable" {
			errors = append(errors, ValidationError{Field: "database.ssl_mode", Message: "SSL must be enabled for database in production"})
		}
	}

	if os.Getenv("DATABASE_URL") == "" && c.App.Environment == "production" {
		if !(c.Database.Host != "" && c.Database.Database != "") {
			errors = append(errors, ValidationError{
				Field:   "env.DATABASE_URL",
				Message: "DATABASE_URL is required in production when database config is incomplete",
			})
		}
	}

	return errors
}

// ValidateAndLoad loads and validates configuration. configPath may be empty
// to use default config locations.
func ValidateAndLoad(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
