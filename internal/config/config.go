package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Cycle       CycleConfig       `mapstructure:"cycle"`
	Store       StoreConfig       `mapstructure:"store"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Consensus   ConsensusConfig   `mapstructure:"consensus"`
	Regime      RegimeConfig      `mapstructure:"regime"`
	Sources     map[string]SourceConfig `mapstructure:"sources"`
	Distributor DistributorConfig `mapstructure:"distributor"`
	Executors   []ExecutorConfig  `mapstructure:"executors"`
	Trading     TradingConfig     `mapstructure:"trading"`
	PropFirm    PropFirmConfig    `mapstructure:"prop_firm"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	API         APIConfig         `mapstructure:"api"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, production
	LogLevel    string `mapstructure:"log_level"`
	AlwaysOn    bool   `mapstructure:"always_on_mode"` // "24_7_MODE": forbids PAUSE transitions
}

// CycleConfig controls the Signal Generator's cycle loop (spec §4.4).
type CycleConfig struct {
	IntervalSeconds         int      `mapstructure:"interval_seconds"`
	BudgetSeconds           int      `mapstructure:"budget_seconds"`
	PerSymbolBudgetSeconds  int      `mapstructure:"per_symbol_budget_seconds"`
	MaxParallelSymbols      int      `mapstructure:"max_parallel_symbols"`
	MinSignalSpacingSeconds int      `mapstructure:"min_signal_spacing_seconds"`
	PriceChangeThresholdPct float64  `mapstructure:"price_change_threshold_pct"`
	Watchlist               []string `mapstructure:"watchlist"`
	EarlyExitMinSources     int      `mapstructure:"early_exit_min_sources"`
	EarlyExitConfidence     float64  `mapstructure:"early_exit_confidence"`
}

// StoreConfig controls the embedded Signal Store (spec §4.6).
type StoreConfig struct {
	Path                string `mapstructure:"path"`
	ArchivePath         string `mapstructure:"archive_path"`
	SidecarDir          string `mapstructure:"sidecar_dir"`
	BatchSize           int    `mapstructure:"batch_size"`
	FlushIntervalSeconds int   `mapstructure:"flush_interval_seconds"`
}

// AuditConfig controls the append-only audit log (spec §4.7).
type AuditConfig struct {
	Path              string `mapstructure:"path"`
	RetentionYears    int    `mapstructure:"retention_years"`
}

// ConsensusConfig controls the Weighted Consensus Engine (spec §4.2).
type ConsensusConfig struct {
	MinConfidence       float64            `mapstructure:"min_confidence"`
	RegimeFloors        map[string]float64 `mapstructure:"regime_floors"`
	SingleDirectional   float64            `mapstructure:"single_directional_threshold"`
	TwoSameDirectional  float64            `mapstructure:"two_same_threshold"`
	TwoMixedThreshold   float64            `mapstructure:"two_mixed_threshold"`
	MarginTieBreak      float64            `mapstructure:"margin_tie_break"`
	NeutralPromoteFloor float64            `mapstructure:"neutral_promote_confidence_floor"`
	NeutralPromoteCap   float64            `mapstructure:"neutral_promote_confidence_cap"`
}

// RegimeConfig controls the Regime Detector's thresholds (spec §4.3) — MUST be
// configurable, never hardcoded.
type RegimeConfig struct {
	WindowBars       int     `mapstructure:"window_bars"`
	CacheTTLSeconds  int     `mapstructure:"cache_ttl_seconds"`
	ADXPeriod        int     `mapstructure:"adx_period"`
	ATRPeriod        int     `mapstructure:"atr_period"`
	TrendADXFloor    float64 `mapstructure:"trend_adx_floor"`
	VolatileATRPct   float64 `mapstructure:"volatile_atr_pct"`
	TrendSlopeFloor  float64 `mapstructure:"trend_slope_floor"`
}

// SourceConfig is a per-data-source configuration entry (spec §4.1).
type SourceConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Weight            float64 `mapstructure:"weight"`
	RateLimitPerSec   float64 `mapstructure:"rate_limit_per_sec"`
	CacheTTLSeconds   int     `mapstructure:"cache_ttl_seconds"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	Slow              bool    `mapstructure:"slow"` // permits timeout up to 10s
	EquitiesOnly      bool    `mapstructure:"equities_only"`
	MarketHoursOnly   bool    `mapstructure:"market_hours_only"`
	APIKey            string  `mapstructure:"api_key"`
}

// DistributorConfig controls the Signal Distributor (spec §4.8).
type DistributorConfig struct {
	ChannelBufferSize int `mapstructure:"channel_buffer_size"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	MaxRetries        int `mapstructure:"max_retries"`
}

// ExecutorConfig describes one downstream executor (ExecutorDescriptor, spec §3).
type ExecutorConfig struct {
	ExecutorID          string   `mapstructure:"executor_id"`
	EndpointURL         string   `mapstructure:"endpoint_url"`
	SharedSecret        string   `mapstructure:"shared_secret"`
	MinConfidence       float64  `mapstructure:"min_confidence"`
	SymbolAllowlist     []string `mapstructure:"symbol_allowlist"`
	ActionAllowlist     []string `mapstructure:"action_allowlist"`
	MaxSignalsPerWindow int      `mapstructure:"max_signals_per_window"`
	Enabled             bool     `mapstructure:"enabled"`
}

// TradingConfig contains executor-side trading parameters (spec §4.9).
type TradingConfig struct {
	MaxPositions          int     `mapstructure:"max_positions"`
	PositionSizePct       float64 `mapstructure:"position_size_pct"`
	RiskBudgetPct         float64 `mapstructure:"risk_budget_pct"`
	StopATRMultiple       float64 `mapstructure:"stop_atr_multiple"`
	TargetATRMultiple     float64 `mapstructure:"target_atr_multiple"`
	MinStopDistancePct    float64 `mapstructure:"min_stop_distance_pct"`
	MaxStopDistancePct    float64 `mapstructure:"max_stop_distance_pct"`
	ExecutorMinConfidence float64 `mapstructure:"executor_min_confidence"`
}

// PropFirmConfig contains the prop-firm profile's daily-loss/drawdown gates
// (spec §4.9 steps e/f).
type PropFirmConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	DailyLossLimitPct float64 `mapstructure:"daily_loss_limit_pct"`
	MaxDrawdownPct    float64 `mapstructure:"max_drawdown_pct"`
}

// BrokerConfig selects and configures the Broker implementation (spec §6).
type BrokerConfig struct {
	Kind              string `mapstructure:"kind"` // "simulated" | "binance"
	ShortsCrypto      bool   `mapstructure:"shorts_crypto"`
	ConcurrencyCap    int    `mapstructure:"concurrency_cap"`
	GlobalTimeoutSecs int    `mapstructure:"global_timeout_seconds"`
	APIKey            string `mapstructure:"api_key"`
	SecretKey         string `mapstructure:"secret_key"`
	Testnet           bool   `mapstructure:"testnet"`
}

// DatabaseConfig contains PostgreSQL settings for executor operational state
// (positions, sessions, daily P&L — not the Signal Store).
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// NATSConfig contains the optional heartbeat/control-channel settings.
type NATSConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	URL             string `mapstructure:"url"`
	HeartbeatTopic  string `mapstructure:"heartbeat_topic"`
	ControlTopic    string `mapstructure:"control_topic"`
}

// APIConfig contains the Trading Executor's inbound HTTP server settings.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains health/metrics server settings (spec §4.11).
type MonitoringConfig struct {
	MetricsPort int `mapstructure:"metrics_port"`
	HTTPPort    int `mapstructure:"http_port"`
}

// Load reads configuration from file and environment variables, following
// the teacher's layered-precedence pattern: defaults, then config file, then
// environment overrides via AutomaticEnv.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SIGNALENGINE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "signalengine")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.always_on_mode", false)

	v.SetDefault("cycle.interval_seconds", 5)
	v.SetDefault("cycle.budget_seconds", 30)
	v.SetDefault("cycle.per_symbol_budget_seconds", 8)
	v.SetDefault("cycle.max_parallel_symbols", 4)
	v.SetDefault("cycle.min_signal_spacing_seconds", 30)
	v.SetDefault("cycle.price_change_threshold_pct", 0.25)
	v.SetDefault("cycle.watchlist", []string{"AAPL", "MSFT", "BTC-USD"})
	v.SetDefault("cycle.early_exit_min_sources", 5)
	v.SetDefault("cycle.early_exit_confidence", 95.0)

	v.SetDefault("store.path", "signals.db")
	v.SetDefault("store.archive_path", "signals_archive.db")
	v.SetDefault("store.sidecar_dir", ".")
	v.SetDefault("store.batch_size", 50)
	v.SetDefault("store.flush_interval_seconds", 10)

	v.SetDefault("audit.path", "audit.db")
	v.SetDefault("audit.retention_years", 7)

	v.SetDefault("consensus.min_confidence", 80.0)
	v.SetDefault("consensus.regime_floors", map[string]interface{}{
		"TRENDING": 65.0, "CONSOLIDATION": 65.0, "VOLATILE": 65.0, "UNKNOWN": 60.0,
	})
	v.SetDefault("consensus.single_directional_threshold", 80.0)
	v.SetDefault("consensus.two_same_threshold", 75.0)
	v.SetDefault("consensus.two_mixed_threshold", 70.0)
	v.SetDefault("consensus.margin_tie_break", 0.02)
	v.SetDefault("consensus.neutral_promote_confidence_floor", 65.0)
	v.SetDefault("consensus.neutral_promote_confidence_cap", 70.0)

	v.SetDefault("regime.window_bars", 200)
	v.SetDefault("regime.cache_ttl_seconds", 300)
	v.SetDefault("regime.adx_period", 14)
	v.SetDefault("regime.atr_period", 14)
	v.SetDefault("regime.trend_adx_floor", 25.0)
	v.SetDefault("regime.volatile_atr_pct", 3.0)
	v.SetDefault("regime.trend_slope_floor", 0.02)

	v.SetDefault("distributor.channel_buffer_size", 256)
	v.SetDefault("distributor.request_timeout_seconds", 5)
	v.SetDefault("distributor.max_retries", 5)

	v.SetDefault("trading.max_positions", 5)
	v.SetDefault("trading.position_size_pct", 0.02)
	v.SetDefault("trading.risk_budget_pct", 0.01)
	v.SetDefault("trading.stop_atr_multiple", 1.5)
	v.SetDefault("trading.target_atr_multiple", 2.5)
	v.SetDefault("trading.min_stop_distance_pct", 0.1)
	v.SetDefault("trading.max_stop_distance_pct", 5.0)
	v.SetDefault("trading.executor_min_confidence", 75.0)

	v.SetDefault("prop_firm.enabled", false)
	v.SetDefault("prop_firm.daily_loss_limit_pct", 4.0)
	v.SetDefault("prop_firm.max_drawdown_pct", 8.0)

	v.SetDefault("broker.kind", "simulated")
	v.SetDefault("broker.shorts_crypto", false)
	v.SetDefault("broker.concurrency_cap", 4)
	v.SetDefault("broker.global_timeout_seconds", 10)
	v.SetDefault("broker.testnet", true)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "signalengine")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.heartbeat_topic", "signalengine.heartbeat")
	v.SetDefault("nats.control_topic", "signalengine.control")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8090)

	v.SetDefault("monitoring.metrics_port", 9100)
	v.SetDefault("monitoring.http_port", 8091)
}

// GetDSN returns the PostgreSQL connection string for executor state.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetAPIAddr returns the Trading Executor's listen address.
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CycleInterval returns the cycle tick interval as a Duration.
func (c *CycleConfig) CycleInterval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// CycleBudget returns the per-cycle time budget as a Duration.
func (c *CycleConfig) CycleBudget() time.Duration {
	return time.Duration(c.BudgetSeconds) * time.Second
}

// PerSymbolBudget returns the per-symbol fan-out budget as a Duration.
func (c *CycleConfig) PerSymbolBudget() time.Duration {
	return time.Duration(c.PerSymbolBudgetSeconds) * time.Second
}
