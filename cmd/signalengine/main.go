// Command signalengine is the Signal Generator process entrypoint (spec
// §4.4, §4.11): it wires the leaf-first dependency chain — audit log,
// Signal Store, Data Sources, Regime Detector, Consensus Engine, Quality
// Scorer/Calibrator, the cycle loop itself, the Distributor and
// Rejected-Signal Queue, the Trading Executor's inbound HTTP server, and
// the health/metrics endpoints — and runs it until a shutdown signal
// arrives. Grounded on cmd/orchestrator/main.go's flag-parsing,
// viper-config-then-build, and signal/shutdown-channel idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/signalmesh/engine/internal/alerts"
	"github.com/signalmesh/engine/internal/audit"
	"github.com/signalmesh/engine/internal/broker"
	"github.com/signalmesh/engine/internal/config"
	"github.com/signalmesh/engine/internal/consensus"
	"github.com/signalmesh/engine/internal/db"
	"github.com/signalmesh/engine/internal/distributor"
	"github.com/signalmesh/engine/internal/executor"
	"github.com/signalmesh/engine/internal/generator"
	"github.com/signalmesh/engine/internal/healthz"
	"github.com/signalmesh/engine/internal/indicators"
	"github.com/signalmesh/engine/internal/market"
	"github.com/signalmesh/engine/internal/metrics"
	"github.com/signalmesh/engine/internal/quality"
	"github.com/signalmesh/engine/internal/regime"
	"github.com/signalmesh/engine/internal/rejectqueue"
	sig "github.com/signalmesh/engine/internal/signal"
	"github.com/signalmesh/engine/internal/source"
	"github.com/signalmesh/engine/internal/store"
)

// Exit codes (spec §4.11's startup contract).
const (
	exitOK             = 0
	exitUnhandledError = 1
	exitInvalidConfig  = 2
	exitIntegrityFail  = 3
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to ./configs/config.yaml)")
	verifyKeys := flag.Bool("verify-keys", false, "additionally verify broker API keys against the exchange, then continue startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signalengine: invalid configuration: %v\n", err)
		os.Exit(exitInvalidConfig)
	}

	config.InitLogger(cfg.App.LogLevel, "json")
	logger := config.NewLogger("signalengine")

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	validatorOpts := config.DefaultValidatorOptions()
	validatorOpts.VerifyAPIKeys = *verifyKeys
	if err := config.NewValidator(cfg, validatorOpts).ValidateStartup(startupCtx); err != nil {
		logger.Error().Err(err).Msg("startup validation failed")
		os.Exit(exitInvalidConfig)
	}

	auditLogger := buildAuditLogger(startupCtx, cfg)

	// Critical alerts (spec §7: StoreIntegrityError, RiskLimitTripped,
	// a signal exhausting the Distributor's retry ladder) go through a
	// single Manager; a log-based sink is always present, console is
	// added in development for operator visibility during local runs.
	alertManager := alerts.NewManager(alerts.NewLogAlerter())
	if cfg.App.Environment == "development" {
		alertManager = alerts.NewManager(alerts.NewLogAlerter(), alerts.NewConsoleAlerter())
	}

	signalStore, err := store.Open(store.Config{
		Path:          cfg.Store.Path,
		SidecarDir:    cfg.Store.SidecarDir,
		BatchSize:     cfg.Store.BatchSize,
		FlushInterval: time.Duration(cfg.Store.FlushIntervalSeconds) * time.Second,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open signal store")
		os.Exit(exitUnhandledError)
	}
	signalStore.SetAlerter(alertManager)

	if report, err := signalStore.VerifyIntegrity(startupCtx, time.Time{}, time.Now().UTC()); err != nil {
		logger.Error().Err(err).Msg("signal store integrity check failed, refusing to start")
		os.Exit(exitIntegrityFail)
	} else if len(report.Mismatches) > 0 {
		logger.Error().Int("mismatches", len(report.Mismatches)).Msg("signal store hash chain is broken, refusing to start")
		os.Exit(exitIntegrityFail)
	}

	sourceRegistry, weights, sourceCount := buildSources(cfg)

	regimeDetector := regime.New(regime.Config{
		ADXPeriod:       cfg.Regime.ADXPeriod,
		ATRPeriod:       cfg.Regime.ATRPeriod,
		TrendADXFloor:   cfg.Regime.TrendADXFloor,
		VolatileATRPct:  cfg.Regime.VolatileATRPct,
		TrendSlopeFloor: cfg.Regime.TrendSlopeFloor,
		CacheTTL:        time.Duration(cfg.Regime.CacheTTLSeconds) * time.Second,
	})

	scorer := quality.NewScorer(signalStore)
	calibrator := quality.NewCalibrator(quality.Identity()) // until a fitted curve is published

	marketSource, err := buildMarketSource(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build market data source")
		os.Exit(exitUnhandledError)
	}

	rejectQueue := rejectqueue.New(rejectqueue.DefaultConfig(), nil, auditLogger)

	dist := distributor.New(
		buildExecutors(cfg.Executors),
		time.Duration(cfg.Distributor.RequestTimeoutSeconds)*time.Second,
		rejectQueue,
		auditLogger,
	)
	dist.SetAlerter(alertManager)
	rejectQueue.SetRedeliverer(dist)

	watchlist := make([]sig.Symbol, len(cfg.Cycle.Watchlist))
	for i, s := range cfg.Cycle.Watchlist {
		watchlist[i] = sig.Symbol(s)
	}

	genCfg := generator.Config{
		Interval:                cfg.Cycle.CycleInterval(),
		Budget:                  cfg.Cycle.CycleBudget(),
		PerSymbolBudget:         cfg.Cycle.PerSymbolBudget(),
		MaxParallelSymbols:      cfg.Cycle.MaxParallelSymbols,
		MinSignalSpacing:        time.Duration(cfg.Cycle.MinSignalSpacingSeconds) * time.Second,
		PriceChangeThresholdPct: cfg.Cycle.PriceChangeThresholdPct,
		EarlyExitMinSources:     cfg.Cycle.EarlyExitMinSources,
		EarlyExitConfidence:     cfg.Cycle.EarlyExitConfidence,
		Watchlist:               watchlist,
		AlwaysOnMode:            cfg.App.AlwaysOn,
		Risk: generator.SymbolRiskConfig{
			StopATRMultiple:    cfg.Trading.StopATRMultiple,
			TargetATRMultiple:  cfg.Trading.TargetATRMultiple,
			MinStopDistancePct: cfg.Trading.MinStopDistancePct,
			MaxStopDistancePct: cfg.Trading.MaxStopDistancePct,
		},
	}

	gen := generator.New(genCfg, marketSource, sourceRegistry, weights, buildConsensusConfig(cfg.Consensus),
		regimeDetector, scorer, calibrator, signalStore, dist, auditLogger)

	gen.OnCycleComplete(func(report generator.CycleReport) {
		skipped := make(map[string]int, len(report.Skipped))
		for reason, count := range report.Skipped {
			skipped[string(reason)] = count
		}
		metrics.RecordCycle(report.Duration.Seconds(), report.SignalsEmitted, report.Errors, report.Partial, false, skipped)
		metrics.PendingBatchSize.Set(float64(signalStore.PendingCount()))
		metrics.RejectionQueueDepth.Set(float64(rejectQueue.Depth()))
		logger.Info().
			Int("symbols", report.SymbolsTotal).
			Int("signals_emitted", report.SignalsEmitted).
			Dur("duration", report.Duration).
			Bool("partial", report.Partial).
			Msg("cycle complete")
	})

	operationalDB := buildOperationalDB(startupCtx, cfg)
	var executorState executor.StateStore
	if operationalDB != nil {
		executorState = operationalDB
	}

	br := buildBroker(cfg.Broker)
	tradeExecutor := executor.New(executor.Config{
		MaxPositions:       cfg.Trading.MaxPositions,
		PositionSizePct:    cfg.Trading.PositionSizePct,
		MinStopDistancePct: cfg.Trading.MinStopDistancePct,
		MaxStopDistancePct: cfg.Trading.MaxStopDistancePct,
		MinConfidence:      cfg.Trading.ExecutorMinConfidence,
		PropFirmEnabled:    cfg.PropFirm.Enabled,
		DailyLossLimitPct:  cfg.PropFirm.DailyLossLimitPct,
		MaxDrawdownPct:     cfg.PropFirm.MaxDrawdownPct,
	}, br, auditLogger, executorState)
	tradeExecutor.SetAlerter(alertManager)

	execServer := executor.NewServer(cfg.API.Host, cfg.API.Port, tradeExecutor, executorSharedSecret(cfg.Executors))
	if err := execServer.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start trading executor server")
		os.Exit(exitUnhandledError)
	}

	healthSrv := healthz.NewServer(cfg.Monitoring.HTTPPort, logger,
		healthz.CheckerFunc{CheckerName: "config", Fn: func(ctx context.Context) error { return nil }},
		healthz.CheckerFunc{CheckerName: "store", Fn: func(ctx context.Context) error {
			_, err := signalStore.QueryRecent(ctx, store.Filter{Limit: 1})
			return err
		}},
		healthz.CheckerFunc{CheckerName: "sources", Fn: func(ctx context.Context) error {
			if sourceCount == 0 {
				return fmt.Errorf("no data sources registered")
			}
			return nil
		}},
	)
	if err := healthSrv.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start health server")
		os.Exit(exitUnhandledError)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := gen.Ready(); err != nil {
		logger.Error().Err(err).Msg("generator failed to reach READY")
		os.Exit(exitUnhandledError)
	}
	if err := gen.StartBackgroundGeneration(runCtx); err != nil {
		logger.Error().Err(err).Msg("generator failed to start")
		os.Exit(exitUnhandledError)
	}
	logger.Info().Strs("watchlist", cfg.Cycle.Watchlist).Msg("signalengine started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := gen.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("generator did not stop cleanly within budget")
	}
	if _, err := signalStore.Flush(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final signal store flush failed")
	}
	dist.Close()
	rejectQueue.Close()
	_ = execServer.Stop(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	if operationalDB != nil {
		operationalDB.Close()
	}
	if err := signalStore.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("signal store close failed")
	}

	if auditLogger != nil {
		_ = auditLogger.Log(shutdownCtx, &audit.Event{
			EventType: audit.EventTypeShutdown,
			Severity:  audit.SeverityInfo,
			Actor:     "signalengine",
			Action:    "shutdown",
			Success:   true,
		})
	}

	logger.Info().Msg("signalengine shutdown complete")
	os.Exit(exitOK)
}

// buildAuditLogger connects to the operational Postgres database for
// audit persistence. A connection failure degrades to an in-memory-only
// hash chain (audit.Logger.Log keeps chaining hashes even with db==nil) —
// audit events are never lost from the chain, only from durable storage.
func buildAuditLogger(ctx context.Context, cfg *config.Config) *audit.Logger {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connCtx, cfg.Database.GetDSN())
	if err != nil {
		log.Warn().Err(err).Msg("audit: database pool unavailable, audit events will not be persisted")
		return audit.NewLogger(nil, true, "")
	}
	if err := pool.Ping(connCtx); err != nil {
		log.Warn().Err(err).Msg("audit: database unreachable, audit events will not be persisted")
		pool.Close()
		return audit.NewLogger(nil, true, "")
	}
	return audit.NewLogger(pool, true, "")
}

// buildOperationalDB connects internal/db to the same operational Postgres
// instance for the Trading Executor's prop-firm trip state (spec §4.9 e/f)
// so a process restart mid-day doesn't silently reopen a tripped gate.
// Unavailable like buildAuditLogger degrades gracefully: executor.New
// accepts a nil StateStore and keeps trip state in memory only.
func buildOperationalDB(ctx context.Context, cfg *config.Config) *db.DB {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	operationalDB, err := db.Open(connCtx, cfg.Database.GetDSN())
	if err != nil {
		log.Warn().Err(err).Msg("executor: operational database unavailable, prop-firm trip state will not survive a restart")
		return nil
	}
	return operationalDB
}

// buildSources registers every concrete internal/source.Source this tree
// ships (currently TechnicalSource) under its configured source_id and
// derives the consensus weight vector from cfg.Sources.
func buildSources(cfg *config.Config) (*source.Registry, consensus.Weights, int) {
	registry := source.NewRegistry()
	weights := make(consensus.Weights, len(cfg.Sources))
	count := 0

	svc := indicators.NewService()
	for id, sc := range cfg.Sources {
		if !sc.Enabled {
			continue
		}
		weights[id] = sc.Weight

		registry.Register(source.NewTechnicalSource(id, svc), source.Config{
			Enabled:         true,
			RateLimitPerSec: sc.RateLimitPerSec,
			CacheTTL:        time.Duration(sc.CacheTTLSeconds) * time.Second,
			Timeout:         time.Duration(sc.TimeoutSeconds) * time.Second,
			Slow:            sc.Slow,
			EquitiesOnly:    sc.EquitiesOnly,
			MarketHoursOnly: sc.MarketHoursOnly,
		})
		count++
	}
	return registry, weights, count
}

// buildMarketSource wires a crypto snapshot source against CoinGecko and
// routes equity symbols to the documented placeholder (see
// internal/market/snapshot.go: no equities provider ships in this tree).
func buildMarketSource(cfg *config.Config) (generator.MarketDataSource, error) {
	var apiKey string
	for _, sc := range cfg.Sources {
		if sc.APIKey != "" {
			apiKey = sc.APIKey
			break
		}
	}
	client, err := market.NewCoinGeckoClient(apiKey)
	if err != nil {
		return nil, fmt.Errorf("market: %w", err)
	}
	return market.SymbolRouter{
		Crypto:   market.NewCoinGeckoSnapshotSource(client, 7, 30),
		Equities: market.NewUnsupportedEquitySource(),
	}, nil
}

func buildConsensusConfig(cc config.ConsensusConfig) consensus.Config {
	out := consensus.DefaultConfig()
	if len(cc.RegimeFloors) > 0 {
		floors := make(map[sig.Regime]float64, len(cc.RegimeFloors))
		for name, v := range cc.RegimeFloors {
			floors[sig.Regime(name)] = v
		}
		out.RegimeFloors = floors
	}
	if cc.SingleDirectional > 0 {
		out.SingleDirectional = cc.SingleDirectional
	}
	if cc.TwoSameDirectional > 0 {
		out.TwoSameDirectional = cc.TwoSameDirectional
	}
	if cc.MarginTieBreak > 0 {
		out.MarginTieBreak = cc.MarginTieBreak
	}
	return out
}

func buildExecutors(cfgExecutors []config.ExecutorConfig) []distributor.Executor {
	out := make([]distributor.Executor, 0, len(cfgExecutors))
	for _, ec := range cfgExecutors {
		out = append(out, distributor.Executor{
			ID:                  ec.ExecutorID,
			EndpointURL:         ec.EndpointURL,
			SharedSecret:        ec.SharedSecret,
			MinConfidence:       ec.MinConfidence,
			SymbolAllowlist:     toSet(ec.SymbolAllowlist),
			ActionAllowlist:     toSet(ec.ActionAllowlist),
			MaxSignalsPerWindow: ec.MaxSignalsPerWindow,
			Enabled:             ec.Enabled,
		})
	}
	return out
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// executorSharedSecret picks the first configured executor's shared secret
// to verify inbound requests to the Trading Executor's own HTTP server —
// in production each executor would carry its own credential, but the
// shipped ExecutorConfig models a single inbound secret per spec §4.9.
func executorSharedSecret(cfgExecutors []config.ExecutorConfig) string {
	for _, ec := range cfgExecutors {
		if ec.SharedSecret != "" {
			return ec.SharedSecret
		}
	}
	return ""
}

func buildBroker(bc config.BrokerConfig) broker.Broker {
	if bc.Kind == "binance" {
		return broker.NewBinance(bc.APIKey, bc.SecretKey, bc.Testnet)
	}
	return broker.NewSimulated(100000, bc.ShortsCrypto)
}
