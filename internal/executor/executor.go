// Package executor implements the Trading Executor Service (spec §4.9):
// it receives a finalized Signal over HTTP, runs it through six ordered
// gates, converts it into a broker bracket order, and reports back a
// uniform success/rejection response. Gin server shape and request
// logging are grounded on internal/api/server.go; per-symbol position
// tracking is grounded on internal/exchange/position_manager.go's
// RWMutex-guarded registry; gate math (drawdown/win-rate style
// peak-tracking) is grounded on internal/risk/calculator.go.
package executor

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signalmesh/engine/internal/alerts"
	"github.com/signalmesh/engine/internal/audit"
	"github.com/signalmesh/engine/internal/broker"
	"github.com/signalmesh/engine/internal/metrics"
	sig "github.com/signalmesh/engine/internal/signal"
)

// ReasonCode enumerates spec §4.9's gate rejection reasons plus the
// broker-side failure classifications.
type ReasonCode string

const (
	ReasonShortCryptoUnsupported ReasonCode = "SHORT_CRYPTO_UNSUPPORTED"
	ReasonMinConfidenceNotMet    ReasonCode = "MIN_CONFIDENCE_NOT_MET"
	ReasonPositionCap            ReasonCode = "POSITION_CAP"
	ReasonDuplicatePosition      ReasonCode = "DUPLICATE_POSITION"
	ReasonSizeTooSmall           ReasonCode = "SIZE_TOO_SMALL"
	ReasonDailyLossTripped       ReasonCode = "DAILY_LOSS_TRIPPED"
	ReasonMaxDrawdownTripped     ReasonCode = "MAX_DRAWDOWN_TRIPPED"
	ReasonInsufficientBalance    ReasonCode = "INSUFFICIENT_BALANCE"
	ReasonInstrumentNotTradable ReasonCode = "INSTRUMENT_NOT_TRADABLE"
	ReasonBrokerTransient        ReasonCode = "BROKER_TRANSIENT"
)

// Config holds the executor's trading parameters (spec §4.9 a-f).
type Config struct {
	MaxPositions       int
	PositionSizePct    float64 // fraction of account equity, e.g. 0.02
	MinStopDistancePct float64
	MaxStopDistancePct float64
	MinConfidence      float64
	TickSize           float64
	LotSize            float64

	PropFirmEnabled       bool
	DailyLossLimitPct     float64
	MaxDrawdownPct        float64
}

// gate is one ordered check in the executor's decision pipeline. It
// returns (reasonCode, passed) — passed=false short-circuits the chain.
type gate func(ec *executionContext) (ReasonCode, bool)

// executionContext carries everything a gate needs to evaluate a signal
// against current account/position state.
type executionContext struct {
	ctx     context.Context
	signal  sig.Signal
	cfg     Config
	account broker.Account
	position *broker.Position // existing position in this symbol, if any
	openCount int
	nowUTC  time.Time

	// computed by gate d, consumed by the caller after all gates pass
	quantity    float64
	stopDistance float64
}

// StateStore persists the prop-firm trip gates (e/f) across restarts. A
// process bounce mid-day must not silently reopen a day the daily-loss
// gate already tripped, so the in-memory flags below are backed by it
// when one is configured; New runs with state held in memory only if
// store is nil.
type StateStore interface {
	LoadTripState(ctx context.Context) (dailyLossTrippedDay time.Time, drawdownTripped bool, err error)
	SaveDailyLossTrip(ctx context.Context, day time.Time) error
	SaveDrawdownTrip(ctx context.Context) error
}

// Executor runs the gate pipeline and submits accepted signals to a
// Broker. Per-symbol work is serialized through a hash-bucketed mutex
// array so two signals for the same symbol never race, while signals for
// different symbols proceed concurrently — a simplification of
// PositionManager's single RWMutex into N independent locks sized to the
// expected symbol cardinality.
type Executor struct {
	cfg      Config
	br       broker.Broker
	auditLog *audit.Logger
	state    StateStore

	symbolLocks [256]sync.Mutex

	mu                  sync.Mutex
	dailyLossTrippedDay time.Time // zero = not tripped; set to the UTC day DAILY_LOSS_TRIPPED fired
	drawdownTripped     bool      // MAX_DRAWDOWN_TRIPPED is terminal: no auto-reset

	idempotency map[string]broker.OrderResult // "signal_id:executor_id" -> result, dedupes retried deliveries
	idemMu      sync.Mutex

	alerter alerts.Alerter // optional; RiskLimitTripped (spec §7) fires a critical alert the moment gates e/f latch
}

// SetAlerter attaches a critical-alert sink. Nil-safe.
func (e *Executor) SetAlerter(a alerts.Alerter) {
	e.alerter = a
}

// New constructs an Executor. state may be nil, in which case the gates
// e/f only track trip state for the lifetime of this process.
func New(cfg Config, br broker.Broker, auditLog *audit.Logger, state StateStore) *Executor {
	e := &Executor{
		cfg:         cfg,
		br:          br,
		auditLog:    auditLog,
		state:       state,
		idempotency: make(map[string]broker.OrderResult),
	}
	if state != nil {
		loadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if day, tripped, err := state.LoadTripState(loadCtx); err == nil {
			e.dailyLossTrippedDay = day
			e.drawdownTripped = tripped
		}
	}
	return e
}

// Outcome reports the ordered pipeline's verdict.
type Outcome struct {
	Accepted   bool
	ReasonCode ReasonCode
	OrderID    string
	Err        error
}

// Execute runs s through gates a-f in order, submits a bracket order on
// success, and persists the result against idempotencyKey so repeat
// deliveries of the same signal return the same order_id.
func (e *Executor) Execute(ctx context.Context, s sig.Signal, idempotencyKey string) Outcome {
	e.idemMu.Lock()
	if prior, ok := e.idempotency[idempotencyKey]; ok {
		e.idemMu.Unlock()
		return Outcome{Accepted: true, OrderID: prior.OrderID}
	}
	e.idemMu.Unlock()

	lock := &e.symbolLocks[symbolBucket(string(s.Symbol))]
	lock.Lock()
	defer lock.Unlock()

	account, err := e.br.GetAccount(ctx)
	if err != nil {
		return Outcome{Err: fmt.Errorf("executor: get account: %w", err)}
	}
	positions, err := e.br.ListPositions(ctx)
	if err != nil {
		return Outcome{Err: fmt.Errorf("executor: list positions: %w", err)}
	}

	ec := &executionContext{
		ctx:       ctx,
		signal:    s,
		cfg:       e.cfg,
		account:   account,
		openCount: len(positions),
		nowUTC:    time.Now().UTC(),
	}
	for i := range positions {
		if positions[i].Symbol == string(s.Symbol) {
			ec.position = &positions[i]
		}
		metrics.UpdatePositionValue(positions[i].Symbol, positions[i].Quantity*positions[i].AvgPrice)
	}
	metrics.OpenPositions.Set(float64(len(positions)))
	metrics.TotalPnL.Set(account.RealizedPnLToday + account.UnrealizedPnL)

	for _, g := range e.gates() {
		if reason, ok := g(ec); !ok {
			e.logGateBlocked(ctx, s, reason)
			return Outcome{ReasonCode: reason}
		}
	}

	tif := timeInForce(s.Symbol)
	req := broker.BracketOrderRequest{
		SignalID:       s.SignalID,
		Symbol:         broker.ConvertSymbol(s.Symbol),
		OriginalSymbol: string(s.Symbol),
		Side:           s.Action,
		Quantity:       ec.quantity,
		EntryPrice:     s.EntryPrice,
		StopPrice:      s.StopPrice,
		TargetPrice:    s.TargetPrice,
		TimeInForce:    tif,
	}

	submitStart := time.Now()
	result, err := e.br.SubmitBracketOrder(ctx, req)
	metrics.RecordOrderExecution(float64(time.Since(submitStart).Milliseconds()))
	if err != nil {
		return e.classifySubmissionError(ctx, s, err)
	}

	e.idemMu.Lock()
	e.idempotency[idempotencyKey] = result
	e.idemMu.Unlock()

	if e.auditLog != nil {
		_ = e.auditLog.LogOrderAction(ctx, audit.EventTypeOrderPlaced, e.br.ID(), "", result.OrderID,
			map[string]interface{}{"signal_id": s.SignalID, "symbol": string(s.Symbol)}, true, "")
	}

	return Outcome{Accepted: true, OrderID: result.OrderID}
}

func (e *Executor) classifySubmissionError(ctx context.Context, s sig.Signal, err error) Outcome {
	var subErr *broker.SubmissionError
	if errorsAs(err, &subErr) {
		if subErr.Transient {
			return Outcome{ReasonCode: ReasonBrokerTransient, Err: err}
		}
		switch subErr.Reason {
		case broker.RejectInsufficientBalance:
			return Outcome{ReasonCode: ReasonInsufficientBalance, Err: err}
		case broker.RejectInstrumentNotTradable:
			return Outcome{ReasonCode: ReasonInstrumentNotTradable, Err: err}
		}
	}
	return Outcome{ReasonCode: ReasonBrokerTransient, Err: err}
}

func (e *Executor) logGateBlocked(ctx context.Context, s sig.Signal, reason ReasonCode) {
	if e.auditLog == nil {
		return
	}
	_ = e.auditLog.LogSignalEvent(ctx, audit.EventTypeGateBlocked, s.SignalID,
		map[string]interface{}{"reason_code": string(reason)}, false, string(reason))
}

// gates returns the ordered pipeline (spec §4.9 steps a-f).
func (e *Executor) gates() []gate {
	return []gate{
		e.gateShortCrypto,
		e.gateMinConfidence,
		e.gatePosition,
		e.gateSize,
		e.gateDailyLoss,
		e.gateMaxDrawdown,
	}
}

// a. a SHORT on a crypto symbol this broker cannot short.
func (e *Executor) gateShortCrypto(ec *executionContext) (ReasonCode, bool) {
	if ec.signal.Action == sig.ActionShort && ec.signal.Symbol.IsCrypto() && !e.br.ShortsCrypto() {
		return ReasonShortCryptoUnsupported, false
	}
	return "", true
}

// b. confidence below the executor's configured floor.
func (e *Executor) gateMinConfidence(ec *executionContext) (ReasonCode, bool) {
	if ec.signal.Confidence < ec.cfg.MinConfidence {
		return ReasonMinConfidenceNotMet, false
	}
	return "", true
}

// c. position cap / duplicate position in the same symbol.
func (e *Executor) gatePosition(ec *executionContext) (ReasonCode, bool) {
	if ec.position != nil {
		return ReasonDuplicatePosition, false
	}
	if ec.cfg.MaxPositions > 0 && ec.openCount >= ec.cfg.MaxPositions {
		return ReasonPositionCap, false
	}
	return "", true
}

// d. size calculation: min(configured_pct, risk_budget/stop_distance) *
// account_equity, rounded to tick/lot size.
func (e *Executor) gateSize(ec *executionContext) (ReasonCode, bool) {
	stopDistance := math.Abs(ec.signal.EntryPrice - ec.signal.StopPrice)
	if stopDistance <= 0 {
		return ReasonSizeTooSmall, false
	}
	ec.stopDistance = stopDistance

	riskBudget := ec.cfg.PositionSizePct * ec.account.Equity
	sizingPct := ec.cfg.PositionSizePct
	if riskBudget/stopDistance < sizingPct*ec.account.Equity {
		sizingPct = riskBudget / stopDistance / ec.account.Equity
	}

	notional := sizingPct * ec.account.Equity
	quantity := notional / ec.signal.EntryPrice
	quantity = roundToStep(quantity, ec.cfg.LotSize)

	if quantity*ec.signal.EntryPrice < minNotional(ec.cfg) {
		return ReasonSizeTooSmall, false
	}

	ec.quantity = quantity
	return "", true
}

func minNotional(cfg Config) float64 {
	if cfg.TickSize <= 0 {
		return 0
	}
	return cfg.TickSize
}

// e. prop-firm daily-loss limit, measured against today's realized P&L
// relative to the account's equity at the start of the day. Once
// tripped, refuses every signal for the rest of the UTC day regardless
// of whether equity subsequently recovers.
func (e *Executor) gateDailyLoss(ec *executionContext) (ReasonCode, bool) {
	if !ec.cfg.PropFirmEnabled {
		return "", true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	today := ec.nowUTC.Truncate(24 * time.Hour)
	if !e.dailyLossTrippedDay.IsZero() && e.dailyLossTrippedDay.Equal(today) {
		return ReasonDailyLossTripped, false
	}

	dayStartEquity := ec.account.Equity - ec.account.RealizedPnLToday
	if dayStartEquity <= 0 {
		return "", true
	}

	lossFraction := -ec.account.RealizedPnLToday / dayStartEquity
	if lossFraction >= ec.cfg.DailyLossLimitPct {
		e.dailyLossTrippedDay = today
		if e.state != nil {
			if err := e.state.SaveDailyLossTrip(ec.ctx, today); err != nil {
				log.Warn().Err(err).Msg("executor: failed to persist daily-loss trip")
			}
		}
		e.raiseRiskLimitTripped(ec.ctx, "Daily loss limit tripped", lossFraction, ec.cfg.DailyLossLimitPct)
		return ReasonDailyLossTripped, false
	}
	return "", true
}

// f. prop-firm max-drawdown limit: terminal, no auto-reset once tripped
// (mirrors internal/risk.CalculateDrawdown's peak-tracking, simplified to
// a single running peak rather than a full equity curve).
func (e *Executor) gateMaxDrawdown(ec *executionContext) (ReasonCode, bool) {
	if !ec.cfg.PropFirmEnabled {
		return "", true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.drawdownTripped {
		return ReasonMaxDrawdownTripped, false
	}

	peak := ec.account.PeakEquity
	if peak <= 0 {
		return "", true
	}
	drawdown := (peak - ec.account.Equity) / peak
	metrics.CurrentDrawdown.Set(drawdown)
	if drawdown >= ec.cfg.MaxDrawdownPct {
		e.drawdownTripped = true
		if e.state != nil {
			if err := e.state.SaveDrawdownTrip(ec.ctx); err != nil {
				log.Warn().Err(err).Msg("executor: failed to persist max-drawdown trip")
			}
		}
		e.raiseRiskLimitTripped(ec.ctx, "Max drawdown limit tripped (terminal)", drawdown, ec.cfg.MaxDrawdownPct)
		return ReasonMaxDrawdownTripped, false
	}
	return "", true
}

// raiseRiskLimitTripped delivers the spec §7 RiskLimitTripped critical
// alert. Called with e.mu already held by the caller gate; Send runs
// synchronously but alerters are expected to be fast or async internally.
func (e *Executor) raiseRiskLimitTripped(ctx context.Context, title string, observed, limit float64) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Send(ctx, alerts.Alert{
		Title:    title,
		Message:  fmt.Sprintf("observed %.4f against limit %.4f; further orders refused", observed, limit),
		Severity: alerts.SeverityCritical,
		Metadata: map[string]interface{}{"observed": observed, "limit": limit},
	}); err != nil {
		log.Error().Err(err).Msg("executor: failed to deliver risk-limit-tripped alert")
	}
}

func roundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Round(v/step) * step
}

// timeInForce selects GTC for crypto, DAY for equities (spec §4.9 step 5).
func timeInForce(symbol sig.Symbol) string {
	if symbol.IsCrypto() {
		return "GTC"
	}
	return "DAY"
}

// symbolBucket hashes a symbol into one of 256 lock buckets.
func symbolBucket(symbol string) uint8 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return uint8(h.Sum32() % 256)
}

// errorsAs is a tiny indirection over errors.As so this file's imports
// stay grouped; kept as a named wrapper rather than importing errors
// twice under different names across gate/classification code.
func errorsAs(err error, target **broker.SubmissionError) bool {
	for err != nil {
		if se, ok := err.(*broker.SubmissionError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
