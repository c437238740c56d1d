// Package generator implements the Signal Generator (spec §4.4): the
// periodic cycle loop that drives every other leaf component. One
// Generator owns the tick; per-symbol work inside a cycle runs in
// parallel up to Config.MaxParallelSymbols while per-source fetches
// within one symbol fan out further through internal/source.Registry.
// Grounded on internal/orchestrator/orchestrator.go's tick-loop/state-
// machine shape (healthCheckLoop's ticker-plus-select, the
// Initializing/Running/Paused/Stopped state names), generalized from
// per-agent LLM polling to the spec's strict state machine
// (INIT -> READY -> RUNNING -> PAUSED? -> STOPPED) and per-cycle budget.
package generator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/signalmesh/engine/internal/audit"
	"github.com/signalmesh/engine/internal/consensus"
	"github.com/signalmesh/engine/internal/distributor"
	"github.com/signalmesh/engine/internal/quality"
	"github.com/signalmesh/engine/internal/regime"
	sig "github.com/signalmesh/engine/internal/signal"
	"github.com/signalmesh/engine/internal/source"
)

// State is the generator's lifecycle state machine (spec §4.4).
type State string

const (
	StateInit    State = "INIT"
	StateReady   State = "READY"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateStopped State = "STOPPED"
)

// MarketDataSource supplies the OHLCV snapshot a cycle needs for regime
// classification and per-source context (spec §4.4 step 2: "primary...
// fall back to secondary").
type MarketDataSource interface {
	FetchSnapshot(ctx context.Context, symbol sig.Symbol) (*source.Snapshot, []regime.Candle, error)
}

// Store is the subset of internal/store.Store the generator depends on.
type Store interface {
	Append(s sig.Signal) error
}

// Distributor is the subset of internal/distributor.Distributor the
// generator depends on — it only ever hands off a finalized Signal, per
// Design Notes §9 ("neither holds a back-reference to the Generator").
type Distributor interface {
	Distribute(ctx context.Context, s sig.Signal) []distributor.DeliveryResult
}

// AuditLogger is the subset of internal/audit.Logger the generator uses.
type AuditLogger interface {
	LogSignalEvent(ctx context.Context, eventType audit.EventType, signalID string, metadata map[string]interface{}, success bool, errorMsg string) error
}

// SkipReason enumerates why a symbol produced no signal this cycle —
// used for metrics/logging, never fatal (spec §4.4's "contained" errors).
type SkipReason string

const (
	SkipRecentSignal       SkipReason = "RECENT_SIGNAL_CACHE_HIT"
	SkipMarketDataUnavail  SkipReason = "MARKET_DATA_UNAVAILABLE"
	SkipNoSignal           SkipReason = "CONSENSUS_NO_SIGNAL"
	SkipMalformedLevels    SkipReason = "MALFORMED_LEVELS"
	SkipInternalError      SkipReason = "INTERNAL_ERROR"
)

// SymbolRiskConfig carries the per-symbol stop/target multipliers and
// clamp bounds spec §4.4 step 6 requires.
type SymbolRiskConfig struct {
	StopATRMultiple    float64
	TargetATRMultiple  float64
	MinStopDistancePct float64
	MaxStopDistancePct float64
}

// Config controls the cycle loop (spec §4.4 and Env vars in spec §6).
type Config struct {
	Interval           time.Duration
	Budget             time.Duration
	PerSymbolBudget    time.Duration
	MaxParallelSymbols int
	MinSignalSpacing   time.Duration
	PriceChangeThresholdPct float64
	EarlyExitMinSources int
	EarlyExitConfidence float64
	Watchlist          []sig.Symbol
	AlwaysOnMode       bool // 24_7_MODE: forbids PAUSE transitions
	Risk               SymbolRiskConfig
}

// DefaultConfig returns spec §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		Interval:                5 * time.Second,
		Budget:                  30 * time.Second,
		PerSymbolBudget:         8 * time.Second,
		MaxParallelSymbols:      4,
		MinSignalSpacing:        30 * time.Second,
		PriceChangeThresholdPct: 0.0025,
		EarlyExitMinSources:     5,
		EarlyExitConfidence:     95,
	}
}

// recentEntry is one symbol's recent-signal cache entry (spec §4.4 step 1).
type recentEntry struct {
	at    time.Time
	price float64
}

// CycleReport summarizes one cycle invocation for metrics/logging.
type CycleReport struct {
	Started        time.Time
	Duration       time.Duration
	SymbolsTotal   int
	SignalsEmitted int
	Skipped        map[SkipReason]int
	Errors         int
	Partial        bool // true if the cycle budget expired with work outstanding
}

// Generator orchestrates one periodic cycle across the configured
// watchlist (spec §4.4).
type Generator struct {
	cfg Config

	market      MarketDataSource
	sources     *source.Registry
	weights     consensus.Weights
	consensusCfg consensus.Config
	regimeDet   *regime.Detector
	scorer      *quality.Scorer
	calibrator  *quality.Calibrator
	store       Store
	distributor Distributor
	audit       AuditLogger

	onCycleComplete func(CycleReport)

	mu     sync.Mutex
	state  State
	paused bool

	recentMu sync.Mutex
	recent   map[sig.Symbol]recentEntry

	cancelRunning context.CancelFunc
	wg            sync.WaitGroup

	cyclesDropped atomic.Int64
	cycleErrors   atomic.Int64
}

// New constructs a Generator in state INIT. Callers must call Ready()
// once config is validated, sources are initialized, and the store is
// open (spec §4.4's state machine).
func New(
	cfg Config,
	market MarketDataSource,
	sources *source.Registry,
	weights consensus.Weights,
	consensusCfg consensus.Config,
	regimeDet *regime.Detector,
	scorer *quality.Scorer,
	calibrator *quality.Calibrator,
	store Store,
	distributor Distributor,
	auditLog AuditLogger,
) *Generator {
	return &Generator{
		cfg:          cfg,
		market:       market,
		sources:      sources,
		weights:      weights,
		consensusCfg: consensusCfg,
		regimeDet:    regimeDet,
		scorer:       scorer,
		calibrator:   calibrator,
		store:        store,
		distributor:  distributor,
		audit:        auditLog,
		state:        StateInit,
		recent:       make(map[sig.Symbol]recentEntry),
	}
}

// OnCycleComplete registers a callback invoked after every cycle with a
// summary report — used by cmd/signalengine to feed metrics.
func (g *Generator) OnCycleComplete(fn func(CycleReport)) {
	g.onCycleComplete = fn
}

// Ready transitions INIT -> READY once dependencies are confirmed live.
func (g *Generator) Ready() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateInit {
		return fmt.Errorf("generator: Ready() called from state %s, want %s", g.state, StateInit)
	}
	g.state = StateReady
	return nil
}

// State returns the generator's current lifecycle state.
func (g *Generator) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// StartBackgroundGeneration transitions READY -> RUNNING and starts the
// fixed-interval tick loop (spec §4.4). Ticks that fire while the
// previous cycle is still in flight are dropped, not queued.
func (g *Generator) StartBackgroundGeneration(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateReady {
		g.mu.Unlock()
		return fmt.Errorf("generator: StartBackgroundGeneration() called from state %s, want %s", g.state, StateReady)
	}
	g.state = StateRunning
	runCtx, cancel := context.WithCancel(ctx)
	g.cancelRunning = cancel
	g.mu.Unlock()

	g.wg.Add(1)
	go g.tickLoop(runCtx)
	return nil
}

func (g *Generator) tickLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	var inFlight atomic.Bool

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.isPaused() {
				continue
			}
			if !inFlight.CompareAndSwap(false, true) {
				g.cyclesDropped.Add(1)
				log.Warn().Msg("generator: previous cycle still in flight, dropping tick")
				continue
			}
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				defer inFlight.Store(false)
				report := g.Cycle(ctx)
				if g.onCycleComplete != nil {
					g.onCycleComplete(report)
				}
			}()
		}
	}
}

// Pause transitions RUNNING -> PAUSED. Forbidden in 24/7 mode (spec
// §4.4): the guard resets paused to false rather than honoring the
// request.
func (g *Generator) Pause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.AlwaysOnMode {
		g.paused = false
		return fmt.Errorf("generator: PAUSE forbidden in 24/7 mode")
	}
	if g.state != StateRunning {
		return fmt.Errorf("generator: Pause() called from state %s, want %s", g.state, StateRunning)
	}
	g.state = StatePaused
	g.paused = true
	return nil
}

// Resume transitions PAUSED -> RUNNING.
func (g *Generator) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePaused {
		return fmt.Errorf("generator: Resume() called from state %s, want %s", g.state, StatePaused)
	}
	g.state = StateRunning
	g.paused = false
	return nil
}

func (g *Generator) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Stop transitions any state -> STOPPED: stops accepting new cycles,
// waits for the current cycle (bounded by the caller's ctx), and returns
// once the tick loop has exited. Flushing the Store is the caller's
// responsibility (spec §4.4: "MUST flush PendingBatch before exiting" —
// owned by internal/store, invoked from cmd/signalengine's shutdown path
// alongside this call).
func (g *Generator) Stop(ctx context.Context) error {
	g.mu.Lock()
	cancel := g.cancelRunning
	g.state = StateStopped
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("generator: Stop() timed out waiting for tick loop: %w", ctx.Err())
	}
}

// DroppedCycles returns the count of ticks dropped because the previous
// cycle was still running.
func (g *Generator) DroppedCycles() int64 { return g.cyclesDropped.Load() }

// CycleErrors returns the count of per-symbol pipeline errors contained
// so far (spec §4.4's cycle_errors counter).
func (g *Generator) CycleErrors() int64 { return g.cycleErrors.Load() }

// Cycle runs exactly one pass over the configured watchlist, bounded by
// Config.Budget (spec §4.4's contract). It never returns an error itself:
// every per-symbol failure is contained and reflected in the report.
func (g *Generator) Cycle(ctx context.Context) CycleReport {
	started := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, g.cfg.Budget)
	defer cancel()

	report := CycleReport{
		Started:      started,
		SymbolsTotal: len(g.cfg.Watchlist),
		Skipped:      make(map[SkipReason]int),
	}

	sem := semaphore.NewWeighted(int64(maxInt(g.cfg.MaxParallelSymbols, 1)))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, symbol := range g.cfg.Watchlist {
		symbol := symbol
		if err := sem.Acquire(cycleCtx, 1); err != nil {
			// Budget expired before this symbol could even start.
			mu.Lock()
			report.Partial = true
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			emitted, reason := g.runSymbol(cycleCtx, symbol)

			mu.Lock()
			defer mu.Unlock()
			if emitted {
				report.SignalsEmitted++
			} else if reason != "" {
				report.Skipped[reason]++
			}
		}()
	}

	wg.Wait()

	if cycleCtx.Err() != nil {
		report.Partial = true
	}
	report.Duration = time.Since(started)
	return report
}

// runSymbol executes spec §4.4's per-symbol pipeline. Any panic or error
// is contained here: the cycle never aborts other symbols because one
// failed (spec §4.4: "Failure handling").
func (g *Generator) runSymbol(ctx context.Context, symbol sig.Symbol) (emitted bool, reason SkipReason) {
	defer func() {
		if p := recover(); p != nil {
			g.cycleErrors.Add(1)
			log.Error().Interface("panic", p).Str("symbol", string(symbol)).Msg("generator: per-symbol pipeline panicked, contained")
			emitted = false
			reason = SkipInternalError
		}
	}()

	now := time.Now().UTC()

	// Step 1: recent-signal cache.
	snapshot, candles, err := g.market.FetchSnapshot(ctx, symbol)
	if err != nil || snapshot == nil {
		log.Warn().Err(err).Str("symbol", string(symbol)).Msg("generator: market data unavailable, skipping symbol")
		return false, SkipMarketDataUnavail
	}

	if g.recentSignalSkips(symbol, now, snapshot.Price) {
		return false, SkipRecentSignal
	}

	// Step 3+4: fan out to sources, incremental early exit.
	verdicts := g.collectVerdicts(ctx, symbol, now, snapshot)
	if len(verdicts) == 0 {
		return false, SkipNoSignal
	}

	// Regime classification for this symbol's window.
	regimeClass, err := g.regimeDet.Classify(string(symbol), candles)
	if err != nil {
		log.Warn().Err(err).Str("symbol", string(symbol)).Msg("generator: regime classification failed, treating as UNKNOWN")
		regimeClass.Regime = sig.RegimeUnknown
	}

	// Step 5: consensus.
	result, err := consensus.Consensus(g.consensusCfg, verdicts, regimeClass.Regime, g.weights)
	if err != nil {
		g.cycleErrors.Add(1)
		log.Error().Err(err).Str("symbol", string(symbol)).Msg("generator: consensus failed")
		return false, SkipInternalError
	}
	if result.NoSignal {
		return false, SkipNoSignal
	}

	// Step 6: stop/target levels from ATR.
	atr := regimeClass.Aux.Volatility * snapshot.Price
	stop, target, err := computeLevels(result.Action, snapshot.Price, atr, g.cfg.Risk)
	if err != nil {
		log.Warn().Err(err).Str("symbol", string(symbol)).Msg("generator: malformed levels, skipping")
		return false, SkipMalformedLevels
	}

	// Step 7: quality scorer adjustment (best-effort; never blocks).
	confidence := result.Confidence
	if g.scorer != nil {
		confidence += g.scorer.Adjust(ctx, string(symbol), confidence)
	}
	if g.calibrator != nil {
		confidence = g.calibrator.Calibrate(confidence)
	}
	if confidence > 100 {
		confidence = 100
	}
	if confidence < 0 {
		confidence = 0
	}

	// Step 8: build, hash, persist, distribute, audit.
	s, err := g.buildSignal(symbol, result.Action, snapshot.Price, stop, target, confidence, regimeClass.Regime, result.Used)
	if err != nil {
		g.cycleErrors.Add(1)
		log.Error().Err(err).Str("symbol", string(symbol)).Msg("generator: failed to build signal")
		return false, SkipInternalError
	}
	if err := s.ValidateSides(); err != nil {
		log.Warn().Err(err).Str("symbol", string(symbol)).Msg("generator: side invariant failed, skipping")
		return false, SkipMalformedLevels
	}

	if err := g.store.Append(*s); err != nil {
		g.cycleErrors.Add(1)
		log.Error().Err(err).Str("signal_id", s.SignalID).Msg("generator: store append failed")
		return false, SkipInternalError
	}

	if g.distributor != nil {
		g.distributor.Distribute(ctx, *s)
	}

	if g.audit != nil {
		_ = g.audit.LogSignalEvent(ctx, audit.EventTypeSignalGenerated, s.SignalID, map[string]interface{}{
			"symbol":     string(symbol),
			"action":     string(s.Action),
			"confidence": s.Confidence,
		}, true, "")
	}

	g.recordRecent(symbol, now, snapshot.Price)
	return true, ""
}

// recentSignalSkips implements spec §4.4 step 1: skip a symbol if its
// last signal is younger than MinSignalSpacing and price has moved less
// than PriceChangeThresholdPct.
func (g *Generator) recentSignalSkips(symbol sig.Symbol, now time.Time, price float64) bool {
	g.recentMu.Lock()
	defer g.recentMu.Unlock()

	entry, ok := g.recent[symbol]
	if !ok {
		return false
	}
	if now.Sub(entry.at) >= g.cfg.MinSignalSpacing {
		return false
	}
	if entry.price == 0 {
		return false
	}
	move := abs(price-entry.price) / entry.price
	return move < g.cfg.PriceChangeThresholdPct
}

func (g *Generator) recordRecent(symbol sig.Symbol, at time.Time, price float64) {
	g.recentMu.Lock()
	defer g.recentMu.Unlock()
	g.recent[symbol] = recentEntry{at: at, price: price}
}

// collectVerdicts implements spec §4.4 steps 3-4: fan out to every
// applicable source, cancel remaining calls once the incremental
// early-exit condition is met, and never wait past PerSymbolBudget.
func (g *Generator) collectVerdicts(ctx context.Context, symbol sig.Symbol, now time.Time, snapshot *source.Snapshot) []sig.SourceVerdict {
	symCtx, cancel := context.WithTimeout(ctx, g.cfg.PerSymbolBudget)
	defer cancel()

	stream := g.sources.Stream(symCtx, symbol, now, snapshot)

	var verdicts []sig.SourceVerdict
	for res := range stream {
		if res.Err != nil {
			log.Debug().Str("symbol", string(symbol)).Str("source", res.SourceID).Str("error", string(res.Err.Kind)).Msg("generator: source returned an error")
			continue
		}
		verdicts = append(verdicts, res.Verdict)

		if len(verdicts) >= g.cfg.EarlyExitMinSources {
			provisional, err := consensus.Consensus(g.consensusCfg, verdicts, sig.RegimeUnknown, g.weights)
			if err == nil && !provisional.NoSignal && provisional.Confidence >= g.cfg.EarlyExitConfidence {
				cancel() // spec §4.4 step 4: cancel remaining source calls.
				break
			}
		}
	}
	return verdicts
}

// computeLevels derives stop/target from ATR-based multipliers, clamped
// to the configured min/max stop-distance percentage (spec §4.4 step 6).
func computeLevels(action sig.Action, price, atr float64, risk SymbolRiskConfig) (stop, target float64, err error) {
	if price <= 0 {
		return 0, 0, fmt.Errorf("generator: price must be > 0, got %v", price)
	}
	if atr <= 0 {
		atr = price * 0.01 // degrade to a 1% synthetic ATR if volatility is unavailable.
	}

	stopDistance := atr * risk.StopATRMultiple
	targetDistance := atr * risk.TargetATRMultiple

	minDist := price * risk.MinStopDistancePct
	maxDist := price * risk.MaxStopDistancePct
	if maxDist > 0 && stopDistance > maxDist {
		stopDistance = maxDist
	}
	if stopDistance < minDist {
		stopDistance = minDist
	}
	if stopDistance <= 0 {
		return 0, 0, fmt.Errorf("generator: computed non-positive stop distance")
	}

	switch action {
	case sig.ActionLong:
		stop = price - stopDistance
		target = price + targetDistance
		if !(stop < price && price < target) {
			return 0, 0, fmt.Errorf("generator: LONG levels malformed: stop=%v entry=%v target=%v", stop, price, target)
		}
	case sig.ActionShort:
		stop = price + stopDistance
		target = price - targetDistance
		if !(stop > price && price > target) {
			return 0, 0, fmt.Errorf("generator: SHORT levels malformed: stop=%v entry=%v target=%v", stop, price, target)
		}
	default:
		return 0, 0, fmt.Errorf("generator: consensus produced non-directional action %q", action)
	}
	return stop, target, nil
}

func (g *Generator) buildSignal(
	symbol sig.Symbol,
	action sig.Action,
	entry, stop, target, confidence float64,
	rg sig.Regime,
	used []sig.SourceVerdict,
) (*sig.Signal, error) {
	id, err := sig.NewSignalID()
	if err != nil {
		return nil, err
	}

	sourcesUsed := make([]string, 0, len(used))
	seen := make(map[string]bool)
	for _, v := range used {
		if !seen[v.SourceID] {
			seen[v.SourceID] = true
			sourcesUsed = append(sourcesUsed, v.SourceID)
		}
	}
	sort.Strings(sourcesUsed)

	s := &sig.Signal{
		SignalID:          id,
		CreatedAt:         time.Now().UTC(),
		Symbol:            symbol,
		Action:            action,
		EntryPrice:        entry,
		StopPrice:         stop,
		TargetPrice:       target,
		Confidence:        confidence,
		Regime:            rg,
		SourcesUsed:       sourcesUsed,
		PerSourceVerdicts: used,
		Rationale:         rationale(action, rg, len(sourcesUsed)),
		ServiceType:       "default",
	}
	if err := s.Finalize(); err != nil {
		return nil, err
	}
	return s, nil
}

func rationale(action sig.Action, rg sig.Regime, sourceCount int) string {
	return fmt.Sprintf("%s consensus from %d source(s) under %s regime", action, sourceCount, rg)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
