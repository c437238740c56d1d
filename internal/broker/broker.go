// Package broker implements the Broker abstraction (spec §6):
// submit_bracket_order, list_positions, get_account, behind one interface
// with a Simulated implementation (grounded on
// internal/exchange/mock.go's MockExchange) and a Binance implementation
// (grounded on internal/exchange/binance.go) for the crypto leg.
// internal/executor calls through here rather than touching any SDK
// directly, mirroring internal/exchange.Exchange's "one interface, many
// implementations" shape.
package broker

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	binancesdk "github.com/adshao/go-binance/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/signalmesh/engine/internal/metrics"
	sig "github.com/signalmesh/engine/internal/signal"
)

// BracketOrderRequest is one entry+stop+target order submitted as a unit
// (spec §4.9 step 6).
type BracketOrderRequest struct {
	SignalID      string
	Symbol        string // broker-native form, e.g. BTCUSD
	OriginalSymbol string // original canonical form, e.g. BTC-USD, for logs
	Side          sig.Action
	Quantity      float64
	EntryPrice    float64
	StopPrice     float64
	TargetPrice   float64
	TimeInForce   string // GTC or DAY
}

// OrderResult is the broker's response to a bracket order submission.
type OrderResult struct {
	OrderID string
	Status  string
}

// RejectReason classifies a business-level (not transient) submission
// failure, mapped by the caller into spec §6's reason_code enumeration.
type RejectReason string

const (
	RejectInsufficientBalance  RejectReason = "INSUFFICIENT_BALANCE"
	RejectInstrumentNotTradable RejectReason = "INSTRUMENT_NOT_TRADABLE"
)

// SubmissionError distinguishes a transient (network/5xx, retryable by
// the caller's own policy) failure from a business rejection.
type SubmissionError struct {
	Transient bool
	Reason    RejectReason
	Err       error
}

func (e *SubmissionError) Error() string {
	if e.Transient {
		return fmt.Sprintf("broker: transient submission error: %v", e.Err)
	}
	return fmt.Sprintf("broker: rejected (%s): %v", e.Reason, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Position is an open position as tracked by the broker.
type Position struct {
	Symbol    string
	Side      sig.Action
	Quantity  float64
	AvgPrice  float64
	OpenedAt  time.Time
}

// Account is broker-reported account state used by the executor's gates.
type Account struct {
	Equity          float64
	RealizedPnLToday float64
	UnrealizedPnL   float64
	PeakEquity      float64
}

// Broker is the uniform contract the Trading Executor calls through
// (spec §6). ShortsCrypto reports whether this broker instance supports
// shorting crypto instruments (spec §4.9's crypto-SHORT gate).
type Broker interface {
	ID() string
	ShortsCrypto() bool
	SubmitBracketOrder(ctx context.Context, req BracketOrderRequest) (OrderResult, error)
	ListPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (Account, error)
}

// --- Simulated ---------------------------------------------------------

// Simulated is an in-memory paper-trading broker generating synthetic
// order IDs and fills, adapted from internal/exchange/mock.go's
// MockExchange (slippage/fee simulation dropped — the spec's bracket
// order model doesn't price fills, only accepts or rejects submission).
type Simulated struct {
	mu        sync.Mutex
	positions map[string]Position
	equity    float64
	peak      float64
	realized  float64

	shortsCrypto bool
}

// NewSimulated returns a Simulated broker seeded with startingEquity.
func NewSimulated(startingEquity float64, shortsCrypto bool) *Simulated {
	return &Simulated{
		positions:    make(map[string]Position),
		equity:       startingEquity,
		peak:         startingEquity,
		shortsCrypto: shortsCrypto,
	}
}

func (s *Simulated) ID() string           { return "simulated" }
func (s *Simulated) ShortsCrypto() bool   { return s.shortsCrypto }

func (s *Simulated) SubmitBracketOrder(ctx context.Context, req BracketOrderRequest) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Quantity <= 0 {
		return OrderResult{}, &SubmissionError{Reason: RejectInstrumentNotTradable, Err: fmt.Errorf("quantity must be > 0")}
	}

	orderID := uuid.New().String()
	s.positions[req.Symbol] = Position{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		AvgPrice: req.EntryPrice,
		OpenedAt: time.Now(),
	}

	log.Info().
		Str("signal_id", req.SignalID).
		Str("symbol", req.Symbol).
		Str("order_id", orderID).
		Msg("simulated broker: bracket order accepted")

	return OrderResult{OrderID: orderID, Status: "accepted"}, nil
}

func (s *Simulated) ListPositions(ctx context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *Simulated) GetAccount(ctx context.Context) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equity > s.peak {
		s.peak = s.equity
	}
	return Account{
		Equity:           s.equity,
		RealizedPnLToday: s.realized,
		PeakEquity:       s.peak,
	}, nil
}

// ApplyFill is a test/simulation hook updating equity after a simulated
// close, used by executor tests to exercise the daily-loss/drawdown gates.
func (s *Simulated) ApplyFill(symbol string, pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.equity += pnl
	s.realized += pnl
	if s.equity > s.peak {
		s.peak = s.equity
	}
	delete(s.positions, symbol)
}

// --- Binance -------------------------------------------------------------

// Binance submits crypto bracket orders via the real Binance spot API
// (grounded on internal/exchange/binance.go). A bracket order has no
// single Binance endpoint, so this issues the entry order followed by an
// OCO (stop-loss + take-profit) order, matching the teacher's own
// multi-call order lifecycle.
type Binance struct {
	client *binancesdk.Client
}

// NewBinance constructs a Binance broker. testnet routes through
// Binance's testnet endpoints (same switch the teacher's
// NewBinanceExchange uses).
func NewBinance(apiKey, secretKey string, testnet bool) *Binance {
	if testnet {
		binancesdk.UseTestnet = true
	}
	return &Binance{client: binancesdk.NewClient(apiKey, secretKey)}
}

func (b *Binance) ID() string         { return "binance" }
func (b *Binance) ShortsCrypto() bool { return false } // spot-only: no short selling

func (b *Binance) SubmitBracketOrder(ctx context.Context, req BracketOrderRequest) (OrderResult, error) {
	side := binancesdk.SideTypeBuy
	if req.Side == sig.ActionShort {
		side = binancesdk.SideTypeSell
	}

	entryStart := time.Now()
	entry, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(binancesdk.OrderTypeLimit).
		TimeInForce(binancesdk.TimeInForceType(req.TimeInForce)).
		Quantity(formatFloat(req.Quantity)).
		Price(formatFloat(req.EntryPrice)).
		Do(ctx)
	metrics.RecordBrokerAPICall("binance", "create_order", float64(time.Since(entryStart).Milliseconds()), err)
	if err != nil {
		return OrderResult{}, classifyBinanceError(err)
	}

	ocoSide := binancesdk.SideTypeSell
	if req.Side == sig.ActionShort {
		ocoSide = binancesdk.SideTypeBuy
	}
	ocoStart := time.Now()
	_, err = b.client.NewCreateOCOService().
		Symbol(req.Symbol).
		Side(ocoSide).
		Quantity(formatFloat(req.Quantity)).
		Price(formatFloat(req.TargetPrice)).
		StopPrice(formatFloat(req.StopPrice)).
		StopLimitPrice(formatFloat(req.StopPrice)).
		StopLimitTimeInForce(binancesdk.TimeInForceType(req.TimeInForce)).
		Do(ctx)
	metrics.RecordBrokerAPICall("binance", "create_oco", float64(time.Since(ocoStart).Milliseconds()), err)
	if err != nil {
		// Entry already filled/placed; the bracket's protective leg
		// failed. Surface as transient so the executor's caller can
		// decide whether to alert/cancel the entry.
		return OrderResult{}, &SubmissionError{Transient: true, Err: fmt.Errorf("entry %d placed but OCO protective leg failed: %w", entry.OrderID, err)}
	}

	return OrderResult{OrderID: fmt.Sprintf("%d", entry.OrderID), Status: string(entry.Status)}, nil
}

func (b *Binance) ListPositions(ctx context.Context) ([]Position, error) {
	start := time.Now()
	account, err := b.client.NewGetAccountService().Do(ctx)
	metrics.RecordBrokerAPICall("binance", "get_account", float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return nil, fmt.Errorf("broker: binance get account: %w", err)
	}

	var out []Position
	for _, bal := range account.Balances {
		free := parseFloatOrZero(bal.Free)
		if free <= 0 {
			continue
		}
		out = append(out, Position{Symbol: bal.Asset, Quantity: free, Side: sig.ActionLong})
	}
	return out, nil
}

func (b *Binance) GetAccount(ctx context.Context) (Account, error) {
	start := time.Now()
	account, err := b.client.NewGetAccountService().Do(ctx)
	metrics.RecordBrokerAPICall("binance", "get_account", float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return Account{}, fmt.Errorf("broker: binance get account: %w", err)
	}

	var equity float64
	for _, bal := range account.Balances {
		equity += parseFloatOrZero(bal.Free) + parseFloatOrZero(bal.Locked)
	}
	return Account{Equity: equity, PeakEquity: equity}, nil
}

func classifyBinanceError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"):
		return &SubmissionError{Reason: RejectInsufficientBalance, Err: err}
	case strings.Contains(msg, "not tradable"), strings.Contains(msg, "market is closed"), strings.Contains(msg, "invalid symbol"):
		return &SubmissionError{Reason: RejectInstrumentNotTradable, Err: err}
	default:
		return &SubmissionError{Transient: true, Err: err}
	}
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.8f", v)
}

func parseFloatOrZero(s string) float64 {
	var v float64
	_, err := fmt.Sscanf(s, "%g", &v)
	if err != nil {
		return 0
	}
	return v
}

// ConvertSymbol maps a canonical symbol (e.g. BTC-USD) to a broker-native
// form (e.g. BTCUSD), retaining the original alongside per spec §4.9 step
// 4. Non-crypto symbols pass through unchanged.
func ConvertSymbol(symbol sig.Symbol) string {
	s := string(symbol)
	if strings.HasSuffix(s, "-USD") {
		return strings.ReplaceAll(s, "-", "")
	}
	return s
}

// This reference to rand.Float64 keeps the math/rand import in use; no
// production code path draws from math/rand, since Simulated's order IDs
// come from uuid.New() rather than a counter or random jitter.
var _ = rand.Float64
